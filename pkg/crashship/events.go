package crashship

import "github.com/bft-labs/crashship/internal/app"

// State is the lifecycle state of a Crashship instance.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

func (s State) String() string {
	return convertToApp(s).String()
}

// StateChangeEvent describes a lifecycle transition.
type StateChangeEvent struct {
	Previous State
	Current  State
	Reason   string
}

// DeliveryEvent describes the outcome of one report upload.
type DeliveryEvent struct {
	Report ErrorReport
	Error  error
}

// EventHandler receives lifecycle and delivery notifications. Methods are
// called synchronously and should return quickly.
type EventHandler interface {
	OnStateChange(event StateChangeEvent)
	OnDelivered(event DeliveryEvent)
	OnDeliveryFailed(event DeliveryEvent)
}

// BaseEventHandler implements EventHandler with no-ops. Embed it to handle
// only some events.
type BaseEventHandler struct{}

func (BaseEventHandler) OnStateChange(StateChangeEvent) {}
func (BaseEventHandler) OnDelivered(DeliveryEvent)      {}
func (BaseEventHandler) OnDeliveryFailed(DeliveryEvent) {}

// eventEmitterWrapper adapts EventHandler to the lifecycle emitter.
type eventEmitterWrapper struct {
	handler EventHandler
}

func (e *eventEmitterWrapper) OnStateChange(previous, current app.State, reason string) {
	if e.handler == nil {
		return
	}
	e.handler.OnStateChange(StateChangeEvent{
		Previous: convertState(previous),
		Current:  convertState(current),
		Reason:   reason,
	})
}

// delegateWrapper forwards delivery callbacks to the host delegate and the
// event handler.
type delegateWrapper struct {
	Delegate
	handler EventHandler
}

func (d delegateWrapper) DidSucceedSending(r ErrorReport) {
	d.Delegate.DidSucceedSending(r)
	if d.handler != nil {
		d.handler.OnDelivered(DeliveryEvent{Report: r})
	}
}

func (d delegateWrapper) DidFailSending(r ErrorReport, err error) {
	d.Delegate.DidFailSending(r, err)
	if d.handler != nil {
		d.handler.OnDeliveryFailed(DeliveryEvent{Report: r, Error: err})
	}
}

func convertState(s app.State) State {
	switch s {
	case app.StateStopped:
		return StateStopped
	case app.StateStarting:
		return StateStarting
	case app.StateRunning:
		return StateRunning
	case app.StateStopping:
		return StateStopping
	case app.StateCrashed:
		return StateCrashed
	default:
		return StateStopped
	}
}

func convertToApp(s State) app.State {
	switch s {
	case StateStarting:
		return app.StateStarting
	case StateRunning:
		return app.StateRunning
	case StateStopping:
		return app.StateStopping
	case StateCrashed:
		return app.StateCrashed
	default:
		return app.StateStopped
	}
}
