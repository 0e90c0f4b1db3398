// Package seq issues monotonically increasing sequence numbers per logical
// stream (a chat group, a timeline).
//
// Numbers come from a fast Counter (normally Redis INCR). Before every
// increment the Generator reconciles the counter against a durable Source that
// knows the highest sequence already committed to real records, raising the
// counter when it has fallen behind. A flushed or freshly provisioned cache
// therefore never hands out a number that is already in use.
package seq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alfredjeanlab/runstream/internal/metrics"
	"github.com/alfredjeanlab/runstream/internal/model"
)

// Counter is the volatile, atomic counter backing the generator.
type Counter interface {
	// Get returns the current value and whether the key exists.
	Get(ctx context.Context, streamID string) (int64, bool, error)
	// SetIfAbsent initializes the counter and reports whether it was created.
	SetIfAbsent(ctx context.Context, streamID string, v int64) (bool, error)
	// RaiseTo sets the counter to v if it is missing or below v. It never lowers it.
	RaiseTo(ctx context.Context, streamID string, v int64) error
	// IncrBy atomically adds n and returns the new value.
	IncrBy(ctx context.Context, streamID string, n int64) (int64, error)
}

// Source reports the highest sequence already committed for a stream in the
// system of record. Zero means nothing has been committed.
type Source interface {
	MaxCommitted(ctx context.Context, streamID string) (int64, error)
}

// Generator issues sequence numbers. It is safe for concurrent use; ordering
// across callers is enforced by the counter's atomic increment.
type Generator struct {
	counter    Counter
	source     Source
	logger     *slog.Logger
	metrics    *metrics.Metrics
	alignPairs bool
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger used for degraded-mode warnings.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// WithMetrics records reconciliation outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithAlignedPairs makes AllocatePair start every pair on an odd number, so the
// first element of a pair is always odd and the second always even.
func WithAlignedPairs() Option {
	return func(g *Generator) { g.alignPairs = true }
}

// New returns a Generator. source may be nil, in which case no reconciliation
// is performed.
func New(counter Counter, source Source, opts ...Option) *Generator {
	g := &Generator{
		counter: counter,
		source:  source,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "seq")
	return g
}

// Next issues one new sequence number for streamID.
func (g *Generator) Next(ctx context.Context, streamID string) (int64, error) {
	if err := model.ValidateIDs("stream_id", streamID); err != nil {
		return 0, err
	}
	if err := g.reconcile(ctx, streamID); err != nil {
		return 0, err
	}
	v, err := g.counter.IncrBy(ctx, streamID, 1)
	if err != nil {
		return 0, fmt.Errorf("seq: increment %s: %w", streamID, err)
	}
	return v, nil
}

// AllocatePair issues two adjacent numbers (a, a+1) in a single increment.
func (g *Generator) AllocatePair(ctx context.Context, streamID string) (int64, int64, error) {
	if err := model.ValidateIDs("stream_id", streamID); err != nil {
		return 0, 0, err
	}
	if err := g.reconcile(ctx, streamID); err != nil {
		return 0, 0, err
	}
	end, err := g.counter.IncrBy(ctx, streamID, 2)
	if err != nil {
		return 0, 0, fmt.Errorf("seq: increment %s: %w", streamID, err)
	}
	a, b := end-1, end
	if !g.alignPairs || a%2 == 1 {
		return a, b, nil
	}

	// Parity drifted (single Next calls or an external writer). One extra
	// increment realigns the pair, but only if nobody took the number in between.
	extra, err := g.counter.IncrBy(ctx, streamID, 1)
	if err != nil {
		g.logger.Warn("pair parity repair failed, keeping unaligned pair",
			"stream_id", streamID, "a", a, "b", b, "error", err)
		return a, b, nil
	}
	if extra != b+1 {
		g.logger.Warn("pair parity repair raced, keeping unaligned pair",
			"stream_id", streamID, "a", a, "b", b, "extra", extra)
		return a, b, nil
	}
	return b, extra, nil
}

// reconcile raises the counter to the durable maximum. A failing source is
// tolerated: issuance continues from the counter alone.
func (g *Generator) reconcile(ctx context.Context, streamID string) error {
	if g.source == nil {
		return nil
	}
	durable, err := g.source.MaxCommitted(ctx, streamID)
	if err != nil {
		g.logger.Warn("durable sequence lookup failed, issuing from counter only",
			"stream_id", streamID, "error", err)
		g.metrics.Reconcile("source_error")
		return nil
	}

	cur, ok, err := g.counter.Get(ctx, streamID)
	if err != nil {
		return fmt.Errorf("seq: read counter %s: %w", streamID, err)
	}

	switch {
	case !ok:
		created, err := g.counter.SetIfAbsent(ctx, streamID, durable)
		if err != nil {
			return fmt.Errorf("seq: initialize counter %s: %w", streamID, err)
		}
		if !created {
			// Someone else initialized it first; make sure they were not behind.
			if err := g.counter.RaiseTo(ctx, streamID, durable); err != nil {
				return fmt.Errorf("seq: raise counter %s: %w", streamID, err)
			}
		}
		g.metrics.Reconcile("initialized")
	case cur < durable:
		if err := g.counter.RaiseTo(ctx, streamID, durable); err != nil {
			return fmt.Errorf("seq: raise counter %s: %w", streamID, err)
		}
		g.logger.Info("sequence counter raised to durable maximum",
			"stream_id", streamID, "from", cur, "to", durable)
		g.metrics.Reconcile("raised")
	default:
		g.metrics.Reconcile("in_sync")
	}
	return nil
}
