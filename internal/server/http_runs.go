package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alfredjeanlab/runstream/internal/archive"
	"github.com/alfredjeanlab/runstream/internal/events"
	"github.com/alfredjeanlab/runstream/internal/idgen"
	"github.com/alfredjeanlab/runstream/internal/model"
)

// createRunInput is the body of POST /v1/runs.
type createRunInput struct {
	Kind            string          `json:"kind"`
	Input           json.RawMessage `json:"input,omitempty"`
	GroupID         string          `json:"group_id,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	CreatedByUserID string          `json:"created_by_user_id,omitempty"`
	// AllocateMessages reserves a user/assistant seq pair in GroupID and
	// mints message ids for both.
	AllocateMessages bool `json:"allocate_messages,omitempty"`
}

// handleCreateRun handles POST /v1/runs.
func (s *RunServer) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var in createRunInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	meta, err := s.createRun(r.Context(), in)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

// createRun stores a queued run and hands it to the workers.
func (s *RunServer) createRun(ctx context.Context, in createRunInput) (*model.RunMeta, error) {
	if err := model.ValidateIDs("kind", in.Kind); err != nil {
		return nil, err
	}
	if s.kinds != nil && !s.kinds[in.Kind] {
		return nil, &model.ValidationError{Errors: []model.FieldError{{
			Field:   "kind",
			Message: fmt.Sprintf("unknown kind %q", in.Kind),
		}}}
	}
	if in.AllocateMessages {
		if err := model.ValidateIDs("group_id", in.GroupID); err != nil {
			return nil, err
		}
		if s.seq == nil {
			return nil, errors.New("message allocation requires a sequence generator")
		}
	}

	runID, err := idgen.RunID()
	if err != nil {
		return nil, err
	}
	meta := &model.RunMeta{
		RunID:           runID,
		Kind:            in.Kind,
		Status:          model.StatusQueued,
		CreatedAt:       time.Now().UTC(),
		GroupID:         in.GroupID,
		SessionID:       in.SessionID,
		CreatedByUserID: in.CreatedByUserID,
		Input:           in.Input,
	}

	if in.AllocateMessages {
		userSeq, assistantSeq, err := s.seq.AllocatePair(ctx, in.GroupID)
		if err != nil {
			return nil, fmt.Errorf("allocate message seqs: %w", err)
		}
		meta.UserMessageSeq, meta.AssistantSeq = userSeq, assistantSeq
		if meta.UserMessageID, err = idgen.MessageID(); err != nil {
			return nil, err
		}
		if meta.AssistantMessageID, err = idgen.MessageID(); err != nil {
			return nil, err
		}
	}

	if err := s.store.SetRun(ctx, meta.Kind, meta, s.runTTL); err != nil {
		return nil, fmt.Errorf("store run: %w", err)
	}
	if err := s.queue.Enqueue(ctx, meta.Kind, meta.RunID); err != nil {
		s.failUnqueued(ctx, meta, err)
		return nil, fmt.Errorf("enqueue run: %w", err)
	}
	s.metrics.RunEnqueued(meta.Kind)

	if err := s.publisher.Publish(ctx, events.TopicRunCreated, events.RunCreated{Run: meta.Clone()}); err != nil {
		s.logger.Warn("failed to publish event", "topic", events.TopicRunCreated, "run_id", meta.RunID, "error", err)
	}
	s.logger.Info("run created", "kind", meta.Kind, "run_id", meta.RunID, "group_id", meta.GroupID)
	return meta, nil
}

// failUnqueued marks a stored run that never reached the queue as failed so it
// does not sit in queued forever.
func (s *RunServer) failUnqueued(ctx context.Context, meta *model.RunMeta, cause error) {
	ended := time.Now().UTC()
	m := meta.Clone()
	m.Status = model.StatusFailed
	m.EndedAt = &ended
	m.ErrorCode = "enqueue_failed"
	m.ErrorMessage = cause.Error()
	if err := s.store.SetRun(context.WithoutCancel(ctx), m.Kind, m, s.runTTL); err != nil {
		s.logger.Error("failed to mark unqueued run", "run_id", m.RunID, "error", err)
	}
}

// handleGetRun handles GET /v1/runs/{kind}/{id}.
func (s *RunServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	meta, err := s.store.GetRun(r.Context(), r.PathValue("kind"), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// handleGetEvents handles GET /v1/runs/{kind}/{id}/events?afterSeq=N&limit=M.
func (s *RunServer) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	afterSeq, err := parseSeq(q.Get("afterSeq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid afterSeq")
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	kind, runID := r.PathValue("kind"), r.PathValue("id")
	evs, err := s.store.GetEvents(r.Context(), kind, runID, afterSeq, limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	// Ensure events is never null in JSON output.
	if evs == nil {
		evs = []model.RunEventRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// handleGetSnapshot handles GET /v1/runs/{kind}/{id}/snapshot.
func (s *RunServer) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.GetSnapshot(r.Context(), r.PathValue("kind"), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleExportRun handles GET /v1/runs/{kind}/{id}/export as JSONL.
func (s *RunServer) handleExportRun(w http.ResponseWriter, r *http.Request) {
	kind, runID := r.PathValue("kind"), r.PathValue("id")
	if _, err := s.store.GetRun(r.Context(), kind, runID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := archive.ExportJSONL(r.Context(), s.store, kind, runID, w); err != nil {
		s.logger.Warn("export interrupted", "kind", kind, "run_id", runID, "error", err)
	}
}

// handleCancelRun handles POST /v1/runs/{kind}/{id}/cancel. The worker sees
// the flag on its next poll; the response does not wait for it.
func (s *RunServer) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind, runID := r.PathValue("kind"), r.PathValue("id")
	marked, err := s.store.TryMarkCancelRequested(ctx, kind, runID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if !marked {
		meta, err := s.store.GetRun(ctx, kind, runID)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "run already finished",
			"status": meta.Status,
		})
		return
	}

	if err := s.publisher.Publish(ctx, events.TopicRunCancelRequested, events.RunCancelRequested{Kind: kind, RunID: runID}); err != nil {
		s.logger.Warn("failed to publish event", "topic", events.TopicRunCancelRequested, "run_id", runID, "error", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"cancel_requested": true})
}

func parseSeq(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid seq %q", v)
	}
	return n, nil
}
