package domain

import "fmt"

// WrapperException carries exception metadata produced by a non-native
// runtime (a scripting host, a managed VM, a sidecar). It is correlated
// 1:1 with a report through the report id.
type WrapperException struct {
	Type           string             `json:"type" msgpack:"type"`
	Message        string             `json:"message,omitempty" msgpack:"message,omitempty"`
	StackTrace     string             `json:"stack_trace,omitempty" msgpack:"stack_trace,omitempty"`
	Frames         []Frame            `json:"frames,omitempty" msgpack:"frames,omitempty"`
	Inner          []WrapperException `json:"inner,omitempty" msgpack:"inner,omitempty"`
	WrapperSDKName string             `json:"wrapper_sdk_name,omitempty" msgpack:"sdk,omitempty"`
}

// Validate checks that the exception is usable as report metadata.
func (w WrapperException) Validate() error {
	if w.Type == "" && w.Message == "" {
		return fmt.Errorf("%w: exception needs a type or a message", ErrBridgeMisuse)
	}
	for i, inner := range w.Inner {
		if err := inner.Validate(); err != nil {
			return fmt.Errorf("inner exception %d: %w", i, err)
		}
	}
	return nil
}
