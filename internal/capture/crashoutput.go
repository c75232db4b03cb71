package capture

import (
	"errors"
	"runtime/debug"
)

// CrashOutput routes the runtime's fatal error and unrecovered panic text
// into the slot's text region.
type CrashOutput struct {
	// Traceback is passed to debug.SetTraceback. Default "all".
	Traceback string
}

// NewCrashOutput returns the crash output mechanism with all goroutines traced.
func NewCrashOutput() *CrashOutput {
	return &CrashOutput{Traceback: "all"}
}

func (c *CrashOutput) Name() string { return "crash_output" }

func (c *CrashOutput) Install(h *Handler) error {
	if h == nil {
		return errors.New("crash output needs a slot")
	}
	if c.Traceback != "" {
		debug.SetTraceback(c.Traceback)
	}
	return debug.SetCrashOutput(h.Slot().File(), debug.CrashOptions{})
}

func (c *CrashOutput) Uninstall() error {
	return debug.SetCrashOutput(nil, debug.CrashOptions{})
}
