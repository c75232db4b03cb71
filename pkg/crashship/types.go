package crashship

import (
	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/internal/ports"
	"github.com/bft-labs/crashship/pkg/log"
)

// Report and log types.
type (
	ErrorReport        = domain.ErrorReport
	ErrorAttachmentLog = domain.ErrorAttachmentLog
	WrapperException   = domain.WrapperException
	Frame              = domain.Frame
	Log                = domain.Log
	ErrorLog           = domain.ErrorLog
)

// Policy types.
type (
	ErrorLogSetting  = domain.ErrorLogSetting
	UserConfirmation = domain.UserConfirmation
	SessionEnd       = domain.SessionEnd
)

// Consent policies.
const (
	SettingAutoSend  = domain.SettingAutoSend
	SettingAlwaysAsk = domain.SettingAlwaysAsk
	SettingDisabled  = domain.SettingDisabled
)

// User answers to a pending batch.
const (
	ConfirmDontSend = domain.ConfirmDontSend
	ConfirmSend     = domain.ConfirmSend
	ConfirmAlways   = domain.ConfirmAlways
)

// How the previous run ended.
const (
	SessionUnknown          = domain.SessionUnknown
	SessionClean            = domain.SessionClean
	SessionCrashed          = domain.SessionCrashed
	SessionMemoryTerminated = domain.SessionMemoryTerminated
	SessionUnclean          = domain.SessionUnclean
)

// Host callbacks.
type (
	ConfirmationHandler = ports.ConfirmationHandler
	Delegate            = ports.Delegate
	AttachmentProvider  = ports.AttachmentProvider
	SetupDelegate       = ports.SetupDelegate
	ResourceGate        = ports.ResourceGate
	NopDelegate         = ports.NopDelegate
)

// Store is the report and blob store behind a pipeline.
type Store = ports.Store

// HTTPClient is the interface for making HTTP requests.
// *http.Client satisfies this interface.
type HTTPClient = ports.HTTPClient

// Logger is the interface for structured logging.
type Logger = log.Logger

// LogField represents a structured log field.
type LogField = log.Field

// Errors returned by the pipeline. Check them with errors.Is.
var (
	ErrAlreadyRunning    = domain.ErrAlreadyRunning
	ErrNotRunning        = domain.ErrNotRunning
	ErrShutdownTimeout   = domain.ErrShutdownTimeout
	ErrInvalidConfig     = domain.ErrInvalidConfig
	ErrNotFound          = domain.ErrNotFound
	ErrCorruptRecord     = domain.ErrCorruptRecord
	ErrTransientDelivery = domain.ErrTransientDelivery
	ErrPermanentDelivery = domain.ErrPermanentDelivery
	ErrBridgeMisuse      = domain.ErrBridgeMisuse
	ErrInvalidTransition = domain.ErrInvalidTransition
	ErrInvalidAttachment = domain.ErrInvalidAttachment
	ErrReportInFlight    = domain.ErrReportInFlight
)

// NewTextAttachment creates a text/plain attachment.
func NewTextAttachment(text, filename string) ErrorAttachmentLog {
	return domain.NewTextAttachment(text, filename)
}

// NewBinaryAttachment creates a binary attachment.
func NewBinaryAttachment(data []byte, filename, contentType string) ErrorAttachmentLog {
	return domain.NewBinaryAttachment(data, filename, contentType)
}

// ParseErrorLogSetting parses autoSend, alwaysAsk or disabled.
func ParseErrorLogSetting(v string) (ErrorLogSetting, error) {
	return domain.ParseErrorLogSetting(v)
}

// ParseUserConfirmation parses send, dont-send or always.
func ParseUserConfirmation(v string) (UserConfirmation, error) {
	return domain.ParseUserConfirmation(v)
}
