//go:build unix

package builder

import "syscall"

func init() {
	signalNumbers["SIGSYS"] = syscall.SIGSYS
}
