// Package eventstest provides an in-process event bus for tests that need to
// observe published events or run the broadcast relay without a NATS server.
package eventstest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/alfredjeanlab/runstream/internal/events"
)

// subscriptionBuffer matches the NATS bus: messages beyond it are dropped.
const subscriptionBuffer = 256

// MemoryBus is an in-process events.Publisher and events.Subscriber with
// NATS-style subject matching.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	pattern string
	ch      chan []byte
}

var (
	_ events.Publisher  = (*MemoryBus)(nil)
	_ events.Subscriber = (*MemoryBus)(nil)
)

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySub]struct{})}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	for s := range b.subs {
		if !MatchSubject(s.pattern, topic) {
			continue
		}
		select {
		case s.ch <- data:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string) (<-chan []byte, func(), error) {
	s := &memorySub{pattern: topic, ch: make(chan []byte, subscriptionBuffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("bus closed")
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
	return s.ch, cancel, nil
}

// Close closes every open subscription channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
	return nil
}

// MatchSubject matches a dot-separated subject against a pattern. "*"
// matches one segment and a trailing ">" matches one or more segments.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	patParts := strings.Split(pattern, ".")
	subParts := strings.Split(subject, ".")

	for i, pp := range patParts {
		if pp == ">" {
			return i < len(subParts)
		}
		if i >= len(subParts) {
			return false
		}
		if pp != "*" && pp != subParts[i] {
			return false
		}
	}
	return len(patParts) == len(subParts)
}
