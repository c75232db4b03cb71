package capture

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bft-labs/crashship/internal/domain"
)

// Signals captures fatal signals delivered asynchronously to the process.
// Synchronous faults in Go code become runtime panics and are recorded by
// CrashOutput instead.
type Signals struct {
	mu      sync.Mutex
	signals []os.Signal
	ch      chan os.Signal
	done    chan struct{}
	exit    func(code int)
}

// NewSignals returns the signal mechanism for the given signals, or
// DefaultSignals when none are given.
func NewSignals(sigs ...os.Signal) *Signals {
	if len(sigs) == 0 {
		sigs = DefaultSignals
	}
	return &Signals{signals: sigs, exit: os.Exit}
}

func (s *Signals) Name() string { return "signals" }

func (s *Signals) Install(h *Handler) error {
	if h == nil {
		return errors.New("signals need a slot")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		return nil
	}
	// Buffered so a burst of signals is not dropped while the first is handled.
	s.ch = make(chan os.Signal, len(s.signals))
	s.done = make(chan struct{})
	signal.Notify(s.ch, s.signals...)
	go s.loop(h, s.ch, s.done)
	return nil
}

func (s *Signals) Uninstall() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return nil
	}
	signal.Stop(s.ch)
	close(s.done)
	s.ch = nil
	return nil
}

func (s *Signals) loop(h *Handler, ch <-chan os.Signal, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig := <-ch:
			num := signalNumber(sig)
			// A second fatal signal while the first is handled skips the write.
			h.Trigger(domain.RawSignal, num, 0, 0)
			signal.Reset(sig)
			raise(sig)
			// Only reached if the previous disposition ignored the signal.
			s.exit(128 + int(num))
		}
	}
}

func signalNumber(sig os.Signal) int32 {
	if s, ok := sig.(syscall.Signal); ok {
		return int32(s)
	}
	return 0
}
