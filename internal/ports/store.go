package ports

import (
	"context"

	"github.com/bft-labs/crashship/internal/domain"
)

// ReportStore is the durable, crash-consistent home of pending reports.
// Each report owns a namespace holding its raw record, the built report,
// an optional wrapper payload and its attachments.
//
// Implementations serialize all operations behind one process-wide lock
// and never expose a partially written record.
type ReportStore interface {
	// PutRaw stores the encoded raw record for id.
	PutRaw(ctx context.Context, id string, raw []byte) error

	// Raw returns the encoded raw record for id, or domain.ErrNotFound.
	Raw(ctx context.Context, id string) ([]byte, error)

	// Put stores a built report. Writing the same report twice is a no-op.
	Put(ctx context.Context, report domain.ErrorReport) error

	// Get returns the built report for id. A namespace holding only a raw
	// record returns domain.ErrNotFound.
	Get(ctx context.Context, id string) (domain.ErrorReport, error)

	// ListPending scans the store and returns the ids of every complete
	// record. Partial records are discarded silently.
	ListPending(ctx context.Context) ([]string, error)

	// PutWrapper stores an opaque wrapper exception payload for id.
	PutWrapper(ctx context.Context, id string, payload []byte) error

	// Wrapper returns the wrapper payload for id, or domain.ErrNotFound.
	Wrapper(ctx context.Context, id string) ([]byte, error)

	// DeleteWrapper removes the wrapper payload for id, if any.
	DeleteWrapper(ctx context.Context, id string) error

	// PutAttachment associates an attachment with an existing report.
	// Returns domain.ErrNotFound if the parent report does not exist.
	PutAttachment(ctx context.Context, att domain.ErrorAttachmentLog) error

	// Attachments returns every attachment stored for the report.
	Attachments(ctx context.Context, id string) ([]domain.ErrorAttachmentLog, error)

	// DeleteCascade removes the report, its attachments, its wrapper
	// payload and the bridge blob of the same id as one atomic step.
	// Deleting a missing report is not an error.
	DeleteCascade(ctx context.Context, id string) error
}

// BlobStore keeps raw byte payloads keyed by string id.
type BlobStore interface {
	SaveBlob(ctx context.Context, key string, data []byte) error
	LoadBlob(ctx context.Context, key string) ([]byte, error)
	DeleteBlob(ctx context.Context, key string) error
	DeleteAllBlobs(ctx context.Context) error
}

// Store is implemented by adapters that provide both report and blob storage.
type Store interface {
	ReportStore
	BlobStore
	Close() error
}
