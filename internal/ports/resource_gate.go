package ports

// ResourceGate checks system resources before an upload starts.
// When resources are constrained, it returns false and the delivery engine
// waits before trying again.
type ResourceGate interface {
	// OK returns true if system resources allow sending.
	OK() bool
}
