package fetch

import (
	"context"

	sitesyncerrors "github.com/AeyeOps/sitesync/internal/errors"
	"github.com/AeyeOps/sitesync/internal/storage"
)

// simulatedBackoffThreshold is the attempt count beyond which NullFetcher
// pretends the upstream is throttling.
const simulatedBackoffThreshold = 3

// NullFetcher succeeds without touching the network or disk. Dry runs and
// tests use it to drive the queue state machine.
type NullFetcher struct{}

// Fetch reports success with no assets, except on heavily retried tasks
// where it simulates a transient failure.
func (NullFetcher) Fetch(_ context.Context, task *storage.Task) (*Result, error) {
	if task.AttemptCount > simulatedBackoffThreshold {
		return nil, sitesyncerrors.Transientf("simulated backoff")
	}
	return &Result{}, nil
}
