package domain

import (
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Log is the unit handed to the ingestion collaborator.
// It is implemented by ErrorLog and ErrorAttachmentLog only.
type Log interface {
	Base() LogBase
	LogType() string
	isLog()
}

// LogBase holds the properties shared by every log variant.
type LogBase struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Properties map[string]string `json:"properties,omitempty"`
}

// ErrorLog carries one error report.
type ErrorLog struct {
	LogBase
	Report ErrorReport `json:"report"`
}

// NewErrorLog wraps a report for delivery.
func NewErrorLog(r ErrorReport) ErrorLog {
	return ErrorLog{
		LogBase: LogBase{ID: r.ID, Timestamp: r.AppErrorTime, Properties: r.Properties},
		Report:  r,
	}
}

func (l ErrorLog) Base() LogBase { return l.LogBase }
func (ErrorLog) LogType() string { return "managedError" }
func (ErrorLog) isLog()          {}

// ErrorAttachmentLog is a file associated with an error report.
type ErrorAttachmentLog struct {
	LogBase
	ErrorID     string `json:"error_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

func (l ErrorAttachmentLog) Base() LogBase { return l.LogBase }
func (ErrorAttachmentLog) LogType() string { return "errorAttachment" }
func (ErrorAttachmentLog) isLog()          {}

const textContentType = "text/plain"

// NewTextAttachment creates a text/plain attachment. An empty filename is
// replaced with a generated one.
func NewTextAttachment(text, filename string) ErrorAttachmentLog {
	return newAttachment([]byte(text), filename, textContentType)
}

// NewBinaryAttachment creates an attachment with an explicit content type.
func NewBinaryAttachment(data []byte, filename, contentType string) ErrorAttachmentLog {
	return newAttachment(data, filename, contentType)
}

func newAttachment(data []byte, filename, contentType string) ErrorAttachmentLog {
	id := uuid.NewString()
	if filename == "" {
		filename = "attachment-" + id + extensionFor(contentType)
	}
	return ErrorAttachmentLog{
		LogBase:     LogBase{ID: id, Timestamp: time.Now().UTC()},
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
	}
}

func extensionFor(contentType string) string {
	if contentType == textContentType {
		return ".txt"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// ForReport returns a copy of the attachment bound to the given report.
func (l ErrorAttachmentLog) ForReport(reportID string) ErrorAttachmentLog {
	out := l
	out.ErrorID = reportID
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	return out
}

// Validate rejects attachments the backend would refuse.
func (l ErrorAttachmentLog) Validate() error {
	switch {
	case l.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidAttachment)
	case l.ErrorID == "":
		return fmt.Errorf("%w: not associated with a report", ErrInvalidAttachment)
	case strings.TrimSpace(l.ContentType) == "":
		return fmt.Errorf("%w: missing content type", ErrInvalidAttachment)
	case len(l.Data) == 0:
		return fmt.Errorf("%w: empty data", ErrInvalidAttachment)
	}
	return nil
}
