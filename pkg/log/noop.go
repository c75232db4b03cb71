package log

// NoopLogger drops every line. It is the default when the host sets no
// logger.
type NoopLogger struct{}

// Discard is a shared NoopLogger.
var Discard Logger = NoopLogger{}

// NewNoopLogger returns a logger that drops every line.
func NewNoopLogger() *NoopLogger {
	return &NoopLogger{}
}

func (NoopLogger) Debug(string, ...Field) {}
func (NoopLogger) Info(string, ...Field)  {}
func (NoopLogger) Warn(string, ...Field)  {}
func (NoopLogger) Error(string, ...Field) {}
