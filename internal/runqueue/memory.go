package runqueue

import (
	"context"
	"sync"
	"time"

	"github.com/alfredjeanlab/runstream/internal/model"
)

// MemoryQueue is a process-local Queue. Dequeue polls like the Redis
// backend so both behave alike apart from latency.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]string
	done   chan struct{}
	closed bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues: make(map[string][]string),
		done:   make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, kind, runID string) error {
	if err := validateEnqueue(kind, runID); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.queues[kind] = append(q.queues[kind], runID)
	return nil
}

func (q *MemoryQueue) pop(kind string) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", false, ErrClosed
	}
	items := q.queues[kind]
	if len(items) == 0 {
		return "", false, nil
	}
	id := items[0]
	items[0] = ""
	q.queues[kind] = items[1:]
	return id, true, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, kind string, timeout time.Duration) (string, bool, error) {
	if err := model.ValidateIDs("kind", kind); err != nil {
		return "", false, err
	}
	deadline := time.Now().Add(timeout)
	for {
		id, ok, err := q.pop(kind)
		if err != nil || ok {
			return id, ok, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		if err := sleep(ctx, q.done, min(pollInterval, remaining)); err != nil {
			return "", false, err
		}
	}
}

func (q *MemoryQueue) Len(_ context.Context, kind string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queues[kind])), nil
}

// Close wakes pending Dequeue calls with ErrClosed. It is idempotent.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
