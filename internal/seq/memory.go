package seq

import (
	"context"
	"sync"
)

// MemoryCounter is a process-local Counter for tests and single-node use.
type MemoryCounter struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewMemoryCounter returns an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{values: make(map[string]int64)}
}

func (c *MemoryCounter) Get(_ context.Context, streamID string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[streamID]
	return v, ok, nil
}

func (c *MemoryCounter) SetIfAbsent(_ context.Context, streamID string, v int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[streamID]; ok {
		return false, nil
	}
	c.values[streamID] = v
	return true, nil
}

func (c *MemoryCounter) RaiseTo(_ context.Context, streamID string, v int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.values[streamID]; !ok || cur < v {
		c.values[streamID] = v
	}
	return nil
}

func (c *MemoryCounter) IncrBy(_ context.Context, streamID string, n int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[streamID] += n
	return c.values[streamID], nil
}

// Reset drops every counter, simulating a flushed cache.
func (c *MemoryCounter) Reset() {
	c.mu.Lock()
	c.values = make(map[string]int64)
	c.mu.Unlock()
}
