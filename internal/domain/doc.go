// Package domain contains the core entities and value objects for crashship.
//
// This package is the innermost layer. It has no dependencies on
// infrastructure concerns (HTTP, file system, logging) and contains only
// the data model and its invariants.
//
// # Entities
//
//   - [ErrorReport]: the structured, immutable crash report
//   - [RawRecord]: the minimal record written at crash time
//   - [WrapperException]: exception metadata supplied by a wrapper runtime
//   - [Log]: the unit handed to the ingestion collaborator ([ErrorLog],
//     [ErrorAttachmentLog])
//
// # Policy values
//
// [ErrorLogSetting], [UserConfirmation], [Decision] and [Disposition]
// describe the consent policy applied by the confirmation gate.
package domain
