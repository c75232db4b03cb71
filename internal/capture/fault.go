package capture

// TriggerTestFault crashes the process with a nil pointer dereference so
// the installed mechanisms can be exercised end to end. It does nothing in
// a distribution build and returns false.
func TriggerTestFault(distribution bool) bool {
	if distribution {
		return false
	}
	var p *int
	*p = 1
	return true
}
