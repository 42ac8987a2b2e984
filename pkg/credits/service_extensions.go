package credits

import (
	"context"
	"time"
)

// PruneIdempotency deletes idempotency records older than retention. The
// records only serve replay detection; pruning them is a retention sweep, not
// a correctness requirement.
func (service *Service) PruneIdempotency(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, WrapError("service", "prune", "invalid_retention", ErrInvalidServiceConfig)
	}
	beforeUnixUTC := service.nowFn() - int64(retention/time.Second)
	return service.store.PruneOutcomes(ctx, beforeUnixUTC)
}
