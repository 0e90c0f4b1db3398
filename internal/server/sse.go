package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/alfredjeanlab/runstream/internal/hub"
	"github.com/alfredjeanlab/runstream/internal/model"
	"github.com/alfredjeanlab/runstream/internal/runstore"
)

// sseDone is the final frame of a run stream.
const sseDone = "data: [DONE]\n\n"

// runStream tracks what one run-stream client has been sent.
type runStream struct {
	w       io.Writer
	flusher http.Flusher
	lastSeq int64
}

// send writes ev and reports whether it was the run's terminal event.
func (rs *runStream) send(ev model.RunEventRecord) (bool, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}
	writeSSEEvent(rs.w, strconv.FormatInt(ev.Seq, 10), ev.EventName, data)
	rs.lastSeq = ev.Seq
	if isTerminalEvent(ev.EventName) {
		rs.done()
		return true, nil
	}
	rs.flusher.Flush()
	return false, nil
}

func (rs *runStream) done() {
	_, _ = io.WriteString(rs.w, sseDone)
	rs.flusher.Flush()
}

func isTerminalEvent(name string) bool {
	switch name {
	case model.EventDone, model.EventError, model.EventCancelled:
		return true
	}
	return false
}

// handleRunStream handles GET /v1/runs/{kind}/{id}/stream (SSE endpoint).
// It replays the event log after afterSeq (or Last-Event-ID), then follows
// the run's hub channel, filling any gap from the log, until the terminal
// event has been sent.
func (s *RunServer) handleRunStream(w http.ResponseWriter, r *http.Request) {
	// Ensure response supports flushing (required for SSE).
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	kind, runID := r.PathValue("kind"), r.PathValue("id")
	afterSeq, err := parseSeq(r.URL.Query().Get("afterSeq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid afterSeq")
		return
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := parseSeq(v); err == nil && n > afterSeq {
			afterSeq = n
		}
	}
	if _, err := s.store.GetRun(ctx, kind, runID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	// Subscribe before replaying so nothing published during replay is missed.
	sub, err := s.hub.Subscribe(model.RunChannel(kind, runID))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	defer sub.Dispose()

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rs := &runStream{w: w, flusher: flusher, lastSeq: afterSeq}
	logger := s.logger.With("kind", kind, "run_id", runID)

	finished, err := s.catchUp(ctx, kind, runID, rs)
	for !finished && err == nil {
		var b model.Broadcast
		b, err = s.nextBroadcast(ctx, sub)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			writeKeepalive(w, flusher)
			finished, err = s.catchUp(ctx, kind, runID, rs)
			continue
		case err != nil:
			continue
		case b.Type != model.BroadcastRunEvent || b.Event == nil || b.Event.Seq <= rs.lastSeq:
			continue
		case b.Event.Seq > rs.lastSeq+1:
			// Broadcasts were dropped or arrived out of order; the log has them.
			if finished, err = s.catchUp(ctx, kind, runID, rs); finished || err != nil || b.Event.Seq <= rs.lastSeq {
				continue
			}
		}
		finished, err = rs.send(*b.Event)
	}
	if err != nil && ctx.Err() == nil && !errors.Is(err, hub.ErrClosed) {
		logger.Warn("run stream ended", "last_seq", rs.lastSeq, "error", err)
	}
}

// nextBroadcast waits up to one keepalive interval for a broadcast.
// context.DeadlineExceeded means the interval passed with nothing to send.
func (s *RunServer) nextBroadcast(ctx context.Context, sub *hub.Subscription) (model.Broadcast, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.keepalive)
	defer cancel()
	b, err := sub.Next(waitCtx)
	if err != nil && ctx.Err() != nil {
		return b, ctx.Err()
	}
	return b, err
}

// catchUp sends every logged event after rs.lastSeq. It reports true once
// the stream is complete: the terminal event was sent, or the run was already
// terminal and the log holds nothing more.
func (s *RunServer) catchUp(ctx context.Context, kind, runID string, rs *runStream) (bool, error) {
	// Read the status first: once a run is terminal its log is complete.
	meta, err := s.store.GetRun(ctx, kind, runID)
	if err != nil && !errors.Is(err, runstore.ErrNotFound) {
		return false, err
	}
	for {
		evs, err := s.store.GetEvents(ctx, kind, runID, rs.lastSeq, runstore.MaxEventsLimit)
		if err != nil {
			return false, err
		}
		for _, ev := range evs {
			if finished, err := rs.send(ev); finished || err != nil {
				return finished, err
			}
		}
		if len(evs) < runstore.MaxEventsLimit {
			break
		}
	}
	if meta == nil || meta.Status.IsTerminal() {
		// Expired, or ended without a terminal event.
		rs.done()
		return true, nil
	}
	return false, nil
}

// handleChannelStream handles GET /v1/channels/{id}/stream (SSE endpoint).
// It forwards every live broadcast on the channel; nothing is replayed.
func (s *RunServer) handleChannelStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, err := s.hub.Subscribe(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	defer sub.Dispose()

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		b, err := s.nextBroadcast(ctx, sub)
		if errors.Is(err, context.DeadlineExceeded) {
			writeKeepalive(w, flusher)
			continue
		}
		if err != nil {
			return
		}
		data, err := json.Marshal(b)
		if err != nil {
			s.logger.Warn("failed to marshal broadcast", "channel", b.ChannelID, "error", err)
			continue
		}
		var id string
		if b.Seq != nil {
			id = strconv.FormatInt(*b.Seq, 10)
		}
		writeSSEEvent(w, id, string(b.Type), data)
		flusher.Flush()
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
}

// writeSSEEvent writes a single SSE event. An empty id is omitted.
func writeSSEEvent(w io.Writer, id, event string, data []byte) {
	if id != "" {
		fmt.Fprintf(w, "id:%s\n", id)
	}
	fmt.Fprintf(w, "event:%s\n", event)
	fmt.Fprintf(w, "data:%s\n\n", data)
}

func writeKeepalive(w io.Writer, flusher http.Flusher) {
	fmt.Fprintf(w, ":keepalive\n\n")
	flusher.Flush()
}
