//go:build windows

package capture

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SessionEnv carries the parent's session id into the monitor process.
const SessionEnv = "CRASHSHIP_SESSION"

// Monitor is unavailable on windows.
type Monitor struct{}

// NewMonitor returns a mechanism that always fails to install.
func NewMonitor(string, uuid.UUID, uint64, time.Time) *Monitor { return &Monitor{} }

func (m *Monitor) Name() string { return "monitor" }

func (m *Monitor) early() {}

func (m *Monitor) Install(*Handler) error {
	return errors.New("monitor capture is not supported on windows")
}

func (m *Monitor) Uninstall() error { return nil }
