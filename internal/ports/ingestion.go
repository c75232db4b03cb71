package ports

import (
	"context"

	"github.com/bft-labs/crashship/internal/domain"
)

// Ingestion transmits one log to the remote backend.
//
// Send returns nil once the backend acknowledged the log. Failures wrap
// domain.ErrPermanentDelivery when the log must never be retried, or
// domain.ErrTransientDelivery when the collaborator gave up retrying a
// condition that may clear later.
type Ingestion interface {
	Send(ctx context.Context, log domain.Log) error
}
