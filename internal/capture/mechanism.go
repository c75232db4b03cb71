package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bft-labs/crashship/internal/ports"
)

// Mechanism is one way of noticing that the process is dying.
type Mechanism interface {
	Name() string
	Install(h *Handler) error
	Uninstall() error
}

// earlyMechanism is installed before the slot is opened. Such mechanisms
// may never return in a helper process.
type earlyMechanism interface {
	Mechanism
	early()
}

// Installer wires a set of mechanisms to one handler.
type Installer struct {
	mu         sync.Mutex
	mechanisms []Mechanism
	installed  []Mechanism
	handler    *Handler
	delegate   ports.SetupDelegate
	logger     ports.Logger
}

// NewInstaller creates an installer for the given mechanisms, installed in
// order. The delegate may be nil.
func NewInstaller(logger ports.Logger, delegate ports.SetupDelegate, mechanisms ...Mechanism) *Installer {
	return &Installer{
		mechanisms: mechanisms,
		delegate:   delegate,
		logger:     logger,
	}
}

// Install arms every mechanism. open is called once, after the early
// mechanisms, to create the slot for this run.
func (i *Installer) Install(open func() (*Slot, error)) (*Handler, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.handler != nil {
		return i.handler, nil
	}
	if i.delegate != nil {
		i.delegate.WillInstallHandlers()
	}

	for _, m := range i.mechanisms {
		if _, ok := m.(earlyMechanism); !ok {
			continue
		}
		if err := m.Install(nil); err != nil {
			i.logger.Warn("capture mechanism unavailable",
				ports.String("mechanism", m.Name()), ports.Err(err))
			continue
		}
		i.installed = append(i.installed, m)
	}

	slot, err := open()
	if err != nil {
		i.uninstallLocked()
		return nil, fmt.Errorf("open crash slot: %w", err)
	}
	h := NewHandler(slot)

	capturePanics := i.delegate == nil || i.delegate.ShouldCapturePanics()
	for _, m := range i.mechanisms {
		if _, ok := m.(earlyMechanism); ok {
			continue
		}
		if _, ok := m.(*PanicRecover); ok && !capturePanics {
			continue
		}
		if err := m.Install(h); err != nil {
			i.logger.Warn("capture mechanism unavailable",
				ports.String("mechanism", m.Name()), ports.Err(err))
			continue
		}
		i.installed = append(i.installed, m)
		i.logger.Debug("capture mechanism installed", ports.String("mechanism", m.Name()))
	}

	i.handler = h
	if i.delegate != nil {
		i.delegate.DidInstallHandlers()
	}
	return h, nil
}

// Handler returns the active handler, or nil before Install.
func (i *Installer) Handler() *Handler {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.handler
}

// Uninstall removes every installed mechanism in reverse order.
func (i *Installer) Uninstall() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.delegate != nil && len(i.installed) > 0 {
		i.delegate.WillUninstallHandlers()
	}
	err := i.uninstallLocked()
	i.handler = nil
	return err
}

func (i *Installer) uninstallLocked() error {
	var errs []error
	for j := len(i.installed) - 1; j >= 0; j-- {
		if err := i.installed[j].Uninstall(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", i.installed[j].Name(), err))
		}
	}
	i.installed = nil
	return errors.Join(errs...)
}

// Installed returns the names of the installed mechanisms.
func (i *Installer) Installed() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	names := make([]string, len(i.installed))
	for j, m := range i.installed {
		names[j] = m.Name()
	}
	return names
}
