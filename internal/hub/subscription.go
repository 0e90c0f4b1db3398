package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alfredjeanlab/runstream/internal/model"
)

// ErrClosed is returned by Next once the subscription has been disposed.
var ErrClosed = errors.New("subscription closed")

// Subscription is one reader attached to a channel. Broadcasts are queued in
// publish order until the reader drains them.
type Subscription struct {
	ID        string
	ChannelID string

	hub    *Hub
	notify chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	queue   []model.Broadcast
	closed  bool
	dropped uint64
	// stalledSince is when the queue last went from empty to non-empty, or
	// the last drain that left it non-empty. Zero while the queue is empty.
	stalledSince time.Time
}

// push appends b, dropping the oldest entry when the queue is full.
func (s *Subscription) push(b model.Broadcast, capacity int, now time.Time) (delivered, dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, false
	}
	if len(s.queue) >= capacity {
		s.queue[0] = model.Broadcast{}
		s.queue = s.queue[1:]
		s.dropped++
		dropped = true
	}
	if len(s.queue) == 0 {
		s.stalledSince = now
	}
	s.queue = append(s.queue, b)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true, dropped
}

// TryNext returns the oldest pending broadcast without blocking.
func (s *Subscription) TryNext() (model.Broadcast, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked()
}

func (s *Subscription) popLocked() (model.Broadcast, bool) {
	if s.closed || len(s.queue) == 0 {
		return model.Broadcast{}, false
	}
	b := s.queue[0]
	s.queue[0] = model.Broadcast{}
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
		s.stalledSince = time.Time{}
	} else {
		s.stalledSince = s.hub.now()
	}
	return b, true
}

// Next blocks until a broadcast is available, ctx is done, or the
// subscription is disposed (ErrClosed).
func (s *Subscription) Next(ctx context.Context) (model.Broadcast, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return model.Broadcast{}, ErrClosed
		}
		b, ok := s.popLocked()
		s.mu.Unlock()
		if ok {
			return b, nil
		}

		select {
		case <-ctx.Done():
			return model.Broadcast{}, ctx.Err()
		case <-s.done:
			return model.Broadcast{}, ErrClosed
		case <-s.notify:
		}
	}
}

// Pending returns the number of queued broadcasts.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Dropped returns how many broadcasts were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Done is closed when the subscription is disposed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dispose detaches the subscription and discards anything still queued.
// It is safe to call more than once.
func (s *Subscription) Dispose() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.stalledSince = time.Time{}
	close(s.done)
	s.mu.Unlock()

	if s.hub.remove(s) {
		s.hub.metrics.SubscriberRemoved()
	}
}

// stalledFor reports how long the subscription has held undrained broadcasts.
func (s *Subscription) stalledFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stalledSince.IsZero() {
		return 0
	}
	return now.Sub(s.stalledSince)
}
