//go:build !windows

package capture

import (
	"fmt"
	"os"
	"time"

	"github.com/bugsnag/panicwrap"
	"github.com/google/uuid"

	"github.com/bft-labs/crashship/internal/domain"
)

// SessionEnv carries the parent's session id into the monitor process.
const SessionEnv = "CRASHSHIP_SESSION"

// Monitor re-executes the binary as a watcher of its own stderr. When the
// watched process panics, the watcher writes the panic text into a slot
// of the watched session and exits.
type Monitor struct {
	dir     string
	session uuid.UUID
	buildID uint64
	start   time.Time
}

// NewMonitor returns the monitor mechanism writing slots into dir.
func NewMonitor(dir string, session uuid.UUID, buildID uint64, start time.Time) *Monitor {
	return &Monitor{dir: dir, session: session, buildID: buildID, start: start}
}

func (m *Monitor) Name() string { return "monitor" }

func (m *Monitor) early() {}

// Install never returns inside the monitor process.
func (m *Monitor) Install(*Handler) error {
	if os.Getenv(SessionEnv) == "" {
		if err := os.Setenv(SessionEnv, m.session.String()); err != nil {
			return fmt.Errorf("export session: %w", err)
		}
	}
	return panicwrap.BasicMonitor(m.handle)
}

func (m *Monitor) Uninstall() error { return nil }

func (m *Monitor) handle(output string) {
	session, err := uuid.Parse(os.Getenv(SessionEnv))
	if err != nil {
		session = m.session
	}
	_ = WriteMonitorSlot(m.dir, session, m.buildID, m.start, output)
}

// WriteMonitorSlot writes a complete slot holding panic text observed by
// the monitor process.
func WriteMonitorSlot(dir string, session uuid.UUID, buildID uint64, start time.Time, text string) error {
	s, err := openSlotFile(dir, session.String()+".monitor"+slotExt, session, 0, buildID, start)
	if err != nil {
		return err
	}
	s.record(domain.RawMonitor, 0, 0, 0, time.Now().UnixNano(), 0, nil)
	if _, err := s.f.WriteString(text); err != nil {
		s.f.Close()
		return err
	}
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
