//go:build unix

package capture

import (
	"os"
	"syscall"
	"time"
)

// raise re-delivers sig with its default disposition restored.
func raise(sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	_ = syscall.Kill(syscall.Getpid(), s)
	// Give the kernel a moment to deliver it.
	time.Sleep(100 * time.Millisecond)
}
