package ports

import "github.com/bft-labs/crashship/internal/domain"

// ConfirmationHandler is invoked once per startup cycle with every report
// waiting for consent. Returning true discards them all; false keeps them
// awaiting an explicit confirmation.
type ConfirmationHandler func(reports []domain.ErrorReport) bool

// Delegate observes the processing and delivery of reports.
// All methods are called outside internal locks.
type Delegate interface {
	// ShouldProcess returns false to discard the report before gating.
	ShouldProcess(report domain.ErrorReport) bool

	// WillSend is called right before the report is uploaded.
	WillSend(report domain.ErrorReport)

	// DidSucceedSending is called after the backend acknowledged the report.
	DidSucceedSending(report domain.ErrorReport)

	// DidFailSending is called when the upload failed. Permanent failures
	// wrap domain.ErrPermanentDelivery and the report is gone.
	DidFailSending(report domain.ErrorReport, err error)
}

// AttachmentProvider supplies extra attachments for a report about to be sent.
type AttachmentProvider interface {
	AttachmentsFor(report domain.ErrorReport) []domain.ErrorAttachmentLog
}

// SetupDelegate participates in fatal handler installation and teardown.
type SetupDelegate interface {
	WillInstallHandlers()
	DidInstallHandlers()
	WillUninstallHandlers()

	// ShouldCapturePanics returns false to leave unrecovered panics to the
	// host's own handling.
	ShouldCapturePanics() bool
}

// NopDelegate implements Delegate with no-op callbacks that process everything.
type NopDelegate struct{}

func (NopDelegate) ShouldProcess(domain.ErrorReport) bool    { return true }
func (NopDelegate) WillSend(domain.ErrorReport)              {}
func (NopDelegate) DidSucceedSending(domain.ErrorReport)     {}
func (NopDelegate) DidFailSending(domain.ErrorReport, error) {}
