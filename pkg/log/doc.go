// Package log provides the logging abstraction used by crashship components.
//
// The Logger interface can be implemented on top of any logging library.
// A zerolog adapter and a no-op logger are provided.
//
// # Usage
//
//	logger := log.NewZerologAdapter()
//	logger.Info("pending reports", log.Int("count", 3))
//
// Wrap an existing zerolog logger, or pick a level and output:
//
//	logger := log.NewZerologAdapterWithLogger(zerolog.New(os.Stderr))
//	logger, err := log.NewLeveledAdapter("debug", os.Stdout, true)
//
// The no-op logger is the default when nothing is configured:
//
//	logger := log.NewNoopLogger()
package log
