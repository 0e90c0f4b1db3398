// Package runstore keeps the lifecycle metadata, append-only event log,
// snapshot and cancellation flag of every run, keyed by (kind, runID).
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/alfredjeanlab/runstream/internal/model"
)

var (
	// ErrNotFound is returned when a run or snapshot does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned by SetRun when the new status would move
	// a run backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

const (
	// DefaultTTL bounds the lifetime of run state in the distributed backend.
	DefaultTTL = 24 * time.Hour
	// MaxEventsLimit caps a single GetEvents page.
	MaxEventsLimit = 500
)

// Store is implemented by the Redis and in-memory backends. Both share the
// contract suite in runstore/storetest.
type Store interface {
	// GetRun returns the metadata of a run or ErrNotFound.
	GetRun(ctx context.Context, kind, runID string) (*model.RunMeta, error)
	// SetRun upserts run metadata. LastSeq never decreases, CancelRequested
	// is never cleared, and backward status moves fail with ErrInvalidTransition.
	// A ttl <= 0 uses the backend default.
	SetRun(ctx context.Context, kind string, meta *model.RunMeta, ttl time.Duration) error

	// TryMarkCancelRequested sets the cancel flag. It reports false when the
	// run is unknown or already terminal.
	TryMarkCancelRequested(ctx context.Context, kind, runID string) (bool, error)
	IsCancelRequested(ctx context.Context, kind, runID string) (bool, error)

	// AppendEvent stores one event under the next per-run seq (starting at 1)
	// and raises the run's LastSeq.
	// A json.RawMessage payload that is not valid JSON is rejected with
	// model.ErrInvalidPayload before anything is written.
	AppendEvent(ctx context.Context, kind, runID, eventName string, payload any, ttl time.Duration) (int64, error)
	// AppendRecord is AppendEvent returning the record exactly as GetEvents
	// will later return it.
	AppendRecord(ctx context.Context, kind, runID, eventName string, payload any, ttl time.Duration) (model.RunEventRecord, error)
	// GetEvents returns events with seq > afterSeq in ascending order, at most
	// limit of them. limit is clamped to MaxEventsLimit.
	GetEvents(ctx context.Context, kind, runID string, afterSeq int64, limit int) ([]model.RunEventRecord, error)

	GetSnapshot(ctx context.Context, kind, runID string) (*model.RunSnapshot, error)
	SetSnapshot(ctx context.Context, kind, runID string, snap model.RunSnapshot, ttl time.Duration) error

	Close() error
}

// ClampLimit maps a requested page size onto (0, MaxEventsLimit].
func ClampLimit(limit int) int {
	if limit <= 0 || limit > MaxEventsLimit {
		return MaxEventsLimit
	}
	return limit
}

func validateRun(kind, runID string) error {
	return model.ValidateIDs("kind", kind, "run_id", runID)
}

// prepareMeta validates meta against kind and returns a copy ready to store.
func prepareMeta(kind string, meta *model.RunMeta) (*model.RunMeta, error) {
	if err := model.ValidateIDs("kind", kind); err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, model.ValidateRunMeta(nil)
	}
	m := meta.Clone()
	if m.Kind == "" {
		m.Kind = kind
	}
	if m.Kind != kind {
		return nil, &model.ValidationError{Errors: []model.FieldError{{
			Field:   "kind",
			Message: "does not match " + kind,
		}}}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := model.ValidateRunMeta(m); err != nil {
		return nil, err
	}
	return m, nil
}
