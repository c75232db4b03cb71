package capture

import (
	"errors"
	"sync/atomic"

	"github.com/bft-labs/crashship/internal/domain"
)

// PanicRecover records a panic header from a deferred Recover call and
// re-panics, so the runtime still prints the panic to the crash output.
type PanicRecover struct {
	handler atomic.Pointer[Handler]
}

// NewPanicRecover returns the recover mechanism.
func NewPanicRecover() *PanicRecover {
	return &PanicRecover{}
}

func (p *PanicRecover) Name() string { return "panic_recover" }

func (p *PanicRecover) Install(h *Handler) error {
	if h == nil {
		return errors.New("panic recover needs a slot")
	}
	p.handler.Store(h)
	return nil
}

func (p *PanicRecover) Uninstall() error {
	p.handler.Store(nil)
	return nil
}

// Recover must be deferred directly at the top of a goroutine:
//
//	defer rec.Recover()
//
// It never swallows the panic.
func (p *PanicRecover) Recover() {
	r := recover()
	if r == nil {
		return
	}
	if h := p.handler.Load(); h != nil {
		h.Trigger(domain.RawPanic, 0, 0, 1)
	}
	panic(r)
}
