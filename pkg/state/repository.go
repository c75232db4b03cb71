package state

import "context"

// Repository persists the liveness marker.
type Repository interface {
	// Load retrieves the last saved marker.
	// Returns an empty state and nil error if no marker exists.
	Load(ctx context.Context) (State, error)

	// Save persists the marker atomically.
	Save(ctx context.Context, state State) error
}
