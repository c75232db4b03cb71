package domain

import "errors"

// Domain errors represent error conditions in the crashship domain.
// These errors are returned by the public API and can be checked with errors.Is.
var (
	// ErrAlreadyRunning is returned when Start() is called on a running pipeline.
	ErrAlreadyRunning = errors.New("crashship: already running")

	// ErrNotRunning is returned when an operation needs a started pipeline.
	ErrNotRunning = errors.New("crashship: not running")

	// ErrShutdownTimeout is returned when graceful shutdown times out.
	ErrShutdownTimeout = errors.New("crashship: shutdown timeout")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("crashship: invalid configuration")

	// ErrNotFound is returned when a report, attachment or payload does not exist.
	ErrNotFound = errors.New("crashship: not found")

	// ErrCorruptRecord marks a partially written or undecodable record.
	// The store discards such records during the startup scan.
	ErrCorruptRecord = errors.New("crashship: corrupt record")

	// ErrTransientDelivery is a delivery failure that may succeed later.
	ErrTransientDelivery = errors.New("crashship: transient delivery failure")

	// ErrPermanentDelivery is a delivery failure that must never be retried.
	ErrPermanentDelivery = errors.New("crashship: permanent delivery failure")

	// ErrBridgeMisuse is returned for invalid wrapper bridge calls.
	ErrBridgeMisuse = errors.New("crashship: bridge misuse")

	// ErrInvalidTransition is returned when a disposition change is not allowed.
	ErrInvalidTransition = errors.New("crashship: invalid disposition transition")

	// ErrInvalidAttachment is returned when an attachment fails validation.
	ErrInvalidAttachment = errors.New("crashship: invalid attachment")

	// ErrReportInFlight is returned when a report is changed while it uploads.
	ErrReportInFlight = errors.New("crashship: report upload in progress")
)
