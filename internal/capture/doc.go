// Package capture records process death with the minimum possible work.
//
// Each run owns a preallocated slot file. A [Mechanism] notices the
// failure and fills the slot header from a preallocated buffer; the Go
// runtime appends its own fatal error text through debug.SetCrashOutput.
// Nothing here builds a report: the slot is turned into a report by the
// next process.
//
// Mechanisms:
//
//   - [CrashOutput]: runtime fatal errors and unrecovered panics
//   - [Signals]: asynchronously delivered fatal signals, re-raised after capture
//   - [PanicRecover]: deferred recovery at goroutine tops, re-panics
//   - [Monitor]: a re-executed watcher process (bugsnag/panicwrap)
package capture
