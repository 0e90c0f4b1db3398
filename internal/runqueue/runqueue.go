// Package runqueue distributes run ids from producers (request handlers) to
// consumers (workers). There is one FIFO queue per run kind.
package runqueue

import (
	"context"
	"errors"
	"time"

	"github.com/alfredjeanlab/runstream/internal/model"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// pollInterval is the sleep between empty polls.
const pollInterval = 50 * time.Millisecond

// Queue is implemented by the Redis and in-memory backends.
type Queue interface {
	Enqueue(ctx context.Context, kind, runID string) error
	// Dequeue waits up to timeout for a run id. On timeout it returns
	// ("", false, nil).
	Dequeue(ctx context.Context, kind string, timeout time.Duration) (string, bool, error)
	Len(ctx context.Context, kind string) (int64, error)
	Close() error
}

func validateEnqueue(kind, runID string) error {
	return model.ValidateIDs("kind", kind, "run_id", runID)
}

// sleep waits for d or until ctx or done is finished.
func sleep(ctx context.Context, done <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrClosed
	case <-t.C:
		return nil
	}
}
