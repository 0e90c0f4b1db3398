package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alfredjeanlab/runstream/internal/model"
)

// Run is the handle an Executor uses to report progress. Every Emit is
// appended to the event log before it is broadcast, so a reader that sees a
// broadcast can always find it again by replay.
type Run struct {
	pool *Pool
	meta *model.RunMeta

	mu        sync.Mutex
	lastSeq   int64
	appendErr error
}

// Meta returns a copy of the run's metadata as loaded at start.
func (r *Run) Meta() *model.RunMeta { return r.meta.Clone() }

// Input returns the caller-supplied input.
func (r *Run) Input() json.RawMessage { return r.meta.Input }

// Channel is the hub channel carrying this run's events.
func (r *Run) Channel() string { return model.RunChannel(r.meta.Kind, r.meta.RunID) }

// groupChannel is where chat-level broadcasts go: the run's group, or the
// run channel when the run has no group.
func (r *Run) groupChannel() string {
	if r.meta.GroupID != "" {
		return r.meta.GroupID
	}
	return r.Channel()
}

// Emit appends an event and mirrors it on the run channel. A failed append is
// remembered and fails the run with CodeEventAppendFailed, even if the
// executor ignores the returned error.
func (r *Run) Emit(ctx context.Context, name string, payload any) (int64, error) {
	raw, err := model.MarshalPayload(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	p := r.pool
	rec, err := p.store.AppendRecord(ctx, r.meta.Kind, r.meta.RunID, name, raw, p.cfg.RunTTL)
	if err != nil {
		ce := &CodedError{Code: CodeEventAppendFailed, Message: "append " + name, Err: err}
		r.mu.Lock()
		if r.appendErr == nil {
			r.appendErr = ce
		}
		r.mu.Unlock()
		return 0, ce
	}

	r.mu.Lock()
	r.lastSeq = rec.Seq
	r.mu.Unlock()

	p.metrics.EventAppended(r.meta.Kind)
	if p.hub != nil {
		p.hub.PublishRunEvent(r.Channel(), rec)
	}
	return rec.Seq, nil
}

// Snapshot stores the compacted state of the run as of the last emitted event.
func (r *Run) Snapshot(ctx context.Context, payload any) error {
	raw, err := model.MarshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	r.mu.Lock()
	seq := r.lastSeq
	r.mu.Unlock()
	snap := model.RunSnapshot{Seq: seq, Payload: raw, UpdatedAt: time.Now().UTC()}
	return r.pool.store.SetSnapshot(ctx, r.meta.Kind, r.meta.RunID, snap, r.pool.cfg.RunTTL)
}

// CancelRequested polls the cancel flag directly. Executors normally just
// watch ctx, which the pool cancels when the flag is seen.
func (r *Run) CancelRequested(ctx context.Context) (bool, error) {
	return r.pool.store.IsCancelRequested(ctx, r.meta.Kind, r.meta.RunID)
}

// Delta broadcasts a text chunk on the group channel. Deltas are live-only.
func (r *Run) Delta(messageID, blockID, text string, first bool) int {
	if r.pool.hub == nil {
		return 0
	}
	return r.pool.hub.PublishDelta(r.groupChannel(), messageID, blockID, text, first)
}

func (r *Run) BlockEnd(messageID, blockID string) int {
	if r.pool.hub == nil {
		return 0
	}
	return r.pool.hub.PublishBlockEnd(r.groupChannel(), messageID, blockID)
}

// Message broadcasts a complete message at its group seq.
func (r *Run) Message(seq int64, messageID string, message json.RawMessage) int {
	if r.pool.hub == nil {
		return 0
	}
	return r.pool.hub.PublishMessage(r.groupChannel(), seq, messageID, message)
}

func (r *Run) Citations(messageID string, citations []model.Citation) int {
	if r.pool.hub == nil {
		return 0
	}
	return r.pool.hub.PublishCitations(r.groupChannel(), messageID, citations)
}

func (r *Run) appendFailure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendErr
}
