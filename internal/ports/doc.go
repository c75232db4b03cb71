// Package ports defines the interfaces (ports) that connect the application
// layer to infrastructure adapters.
//
// # Port Interfaces
//
//   - [ReportStore]: durable per-report namespace (raw record, report,
//     wrapper payload, attachments)
//   - [BlobStore]: raw byte payloads keyed by string id, used by the bridge
//   - [Ingestion]: delivers one log to the remote backend
//   - [Delegate], [AttachmentProvider], [SetupDelegate]: host callbacks
//   - [ResourceGate]: defers uploads while the host is busy
//   - [Logger]: structured logging abstraction
//   - [HTTPClient]: HTTP request abstraction for dependency injection
//
// The application layer (internal/app) depends only on these interfaces.
// Infrastructure adapters (internal/adapters) implement them.
package ports
