//go:build unix

package capture

import (
	"os"
	"syscall"
)

// DefaultSignals is the set of signals treated as fatal.
var DefaultSignals = []os.Signal{
	syscall.SIGABRT,
	syscall.SIGBUS,
	syscall.SIGFPE,
	syscall.SIGILL,
	syscall.SIGSEGV,
	syscall.SIGTRAP,
	syscall.SIGSYS,
}
