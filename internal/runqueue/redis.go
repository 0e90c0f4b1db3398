package runqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alfredjeanlab/runstream/internal/model"
)

// RedisQueue keeps one list per kind at {prefix}:queue:{kind}. Producers
// LPUSH, consumers pop from the right, so each list is FIFO.
type RedisQueue struct {
	rdb    redis.Cmdable
	prefix string

	once sync.Once
	done chan struct{}
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue returns a RedisQueue. The client is not closed by Close.
func NewRedisQueue(rdb redis.Cmdable, prefix string) *RedisQueue {
	return &RedisQueue{rdb: rdb, prefix: prefix, done: make(chan struct{})}
}

func (q *RedisQueue) key(kind string) string {
	return q.prefix + ":queue:" + kind
}

func (q *RedisQueue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, kind, runID string) error {
	if err := validateEnqueue(kind, runID); err != nil {
		return err
	}
	if q.isClosed() {
		return ErrClosed
	}
	if err := q.rdb.LPush(ctx, q.key(kind), runID).Err(); err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", kind, runID, err)
	}
	return nil
}

// Dequeue blocks with BRPOP for the whole seconds of the remaining timeout
// (BRPOP has one-second granularity on older servers) and polls with RPOP
// for the sub-second rest.
func (q *RedisQueue) Dequeue(ctx context.Context, kind string, timeout time.Duration) (string, bool, error) {
	if err := model.ValidateIDs("kind", kind); err != nil {
		return "", false, err
	}
	key := q.key(kind)
	deadline := time.Now().Add(timeout)

	for {
		if q.isClosed() {
			return "", false, ErrClosed
		}
		remaining := time.Until(deadline)

		if remaining >= time.Second {
			res, err := q.rdb.BRPop(ctx, remaining.Truncate(time.Second), key).Result()
			switch {
			case err == nil:
				return res[1], true, nil
			case errors.Is(err, redis.Nil):
				continue
			default:
				return "", false, fmt.Errorf("dequeue %s: %w", kind, err)
			}
		}

		id, err := q.rdb.RPop(ctx, key).Result()
		switch {
		case err == nil:
			return id, true, nil
		case !errors.Is(err, redis.Nil):
			return "", false, fmt.Errorf("dequeue %s: %w", kind, err)
		}
		if remaining <= 0 {
			return "", false, nil
		}
		if err := sleep(ctx, q.done, min(pollInterval, remaining)); err != nil {
			return "", false, err
		}
	}
}

func (q *RedisQueue) Len(ctx context.Context, kind string) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key(kind)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length %s: %w", kind, err)
	}
	return n, nil
}

// Close makes further calls fail with ErrClosed. A BRPOP already in flight
// returns when its own timeout elapses.
func (q *RedisQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
