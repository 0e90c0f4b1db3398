// Package storetest holds the behavioural contract every runstore.Store
// backend must satisfy.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/runstream/internal/model"
	"github.com/alfredjeanlab/runstream/internal/runstore"
)

// Run exercises a fresh store from newStore in every subtest.
func Run(t *testing.T, newStore func(t *testing.T) runstore.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s runstore.Store)
	}{
		{"GetRunMissing", testGetRunMissing},
		{"SetAndGetRun", testSetAndGetRun},
		{"ForwardTransitions", testForwardTransitions},
		{"TerminalIsFinal", testTerminalIsFinal},
		{"CancelFlag", testCancelFlag},
		{"CancelNotClearedBySetRun", testCancelSticky},
		{"CancelledNeverSucceeds", testCancelledNeverSucceeds},
		{"AppendSequential", testAppendSequential},
		{"AppendRaisesLastSeq", testAppendRaisesLastSeq},
		{"ReplayPagination", testReplayPagination},
		{"LimitClamp", testLimitClamp},
		{"ConcurrentAppend", testConcurrentAppend},
		{"RunsAreIsolated", testRunsAreIsolated},
		{"Snapshot", testSnapshot},
		{"InvalidInput", testInvalidInput},
		{"InvalidPayload", testInvalidPayload},
		{"AppendRecordMatchesReplay", testAppendRecordMatchesReplay},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tc.fn(t, s)
		})
	}
}

const kind = "chat"

func queued(runID string) *model.RunMeta {
	return &model.RunMeta{
		RunID:     runID,
		Kind:      kind,
		Status:    model.StatusQueued,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		GroupID:   "g1",
		Input:     json.RawMessage(`{"prompt":"hi"}`),
	}
}

func mustSetRun(t *testing.T, s runstore.Store, m *model.RunMeta) {
	t.Helper()
	if err := s.SetRun(context.Background(), kind, m, 0); err != nil {
		t.Fatalf("SetRun(%s): %v", m.Status, err)
	}
}

func mustGetRun(t *testing.T, s runstore.Store, runID string) *model.RunMeta {
	t.Helper()
	m, err := s.GetRun(context.Background(), kind, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	return m
}

func terminal(m *model.RunMeta, status model.RunStatus) *model.RunMeta {
	c := m.Clone()
	now := time.Now().UTC()
	c.Status = status
	c.EndedAt = &now
	return c
}

func testGetRunMissing(t *testing.T, s runstore.Store) {
	_, err := s.GetRun(context.Background(), kind, "nope")
	if !errors.Is(err, runstore.ErrNotFound) {
		t.Fatalf("GetRun error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSnapshot(context.Background(), kind, "nope"); !errors.Is(err, runstore.ErrNotFound) {
		t.Fatalf("GetSnapshot error = %v, want ErrNotFound", err)
	}
}

func testSetAndGetRun(t *testing.T, s runstore.Store) {
	m := queued("r1")
	mustSetRun(t, s, m)

	got := mustGetRun(t, s, "r1")
	if got.RunID != "r1" || got.Kind != kind || got.Status != model.StatusQueued {
		t.Errorf("GetRun = %+v", got)
	}
	if got.GroupID != "g1" || string(got.Input) != `{"prompt":"hi"}` {
		t.Errorf("correlation fields not preserved: %+v", got)
	}
	if !got.CreatedAt.Equal(m.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, m.CreatedAt)
	}
}

func testForwardTransitions(t *testing.T, s runstore.Store) {
	m := queued("r1")
	mustSetRun(t, s, m)

	running := m.Clone()
	running.Status = model.StatusRunning
	mustSetRun(t, s, running)
	mustSetRun(t, s, running)

	back := m.Clone()
	if err := s.SetRun(context.Background(), kind, back, 0); !errors.Is(err, runstore.ErrInvalidTransition) {
		t.Fatalf("running -> queued error = %v, want ErrInvalidTransition", err)
	}

	mustSetRun(t, s, terminal(running, model.StatusSucceeded))
	if got := mustGetRun(t, s, "r1"); got.Status != model.StatusSucceeded || got.EndedAt == nil {
		t.Errorf("GetRun = %+v, want succeeded with EndedAt", got)
	}
}

func testTerminalIsFinal(t *testing.T, s runstore.Store) {
	m := queued("r1")
	mustSetRun(t, s, terminal(m, model.StatusFailed))

	for _, st := range []model.RunStatus{model.StatusQueued, model.StatusRunning, model.StatusSucceeded, model.StatusCancelled} {
		next := m.Clone()
		next.Status = st
		if st.IsTerminal() {
			next = terminal(m, st)
		}
		if err := s.SetRun(context.Background(), kind, next, 0); !errors.Is(err, runstore.ErrInvalidTransition) {
			t.Errorf("failed -> %s error = %v, want ErrInvalidTransition", st, err)
		}
	}
	if got := mustGetRun(t, s, "r1"); got.Status != model.StatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
}

func testCancelFlag(t *testing.T, s runstore.Store) {
	ctx := context.Background()

	ok, err := s.TryMarkCancelRequested(ctx, kind, "missing")
	if err != nil || ok {
		t.Fatalf("TryMarkCancelRequested(missing) = %v, %v; want false, nil", ok, err)
	}

	mustSetRun(t, s, queued("r1"))
	if got, _ := s.IsCancelRequested(ctx, kind, "r1"); got {
		t.Fatal("cancel requested before marking")
	}
	ok, err = s.TryMarkCancelRequested(ctx, kind, "r1")
	if err != nil || !ok {
		t.Fatalf("TryMarkCancelRequested = %v, %v; want true, nil", ok, err)
	}
	got, err := s.IsCancelRequested(ctx, kind, "r1")
	if err != nil || !got {
		t.Fatalf("IsCancelRequested = %v, %v; want true, nil", got, err)
	}
	if m := mustGetRun(t, s, "r1"); !m.CancelRequested {
		t.Error("GetRun does not reflect cancel flag")
	}
}

func testCancelSticky(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	m := queued("r1")
	mustSetRun(t, s, m)
	if _, err := s.TryMarkCancelRequested(ctx, kind, "r1"); err != nil {
		t.Fatal(err)
	}

	// A worker writing a stale copy must not erase the flag.
	running := m.Clone()
	running.Status = model.StatusRunning
	running.CancelRequested = false
	mustSetRun(t, s, running)

	if got, _ := s.IsCancelRequested(ctx, kind, "r1"); !got {
		t.Error("cancel flag cleared by SetRun")
	}
}

func testCancelledNeverSucceeds(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	m := queued("r1")
	mustSetRun(t, s, m)
	if _, err := s.TryMarkCancelRequested(ctx, kind, "r1"); err != nil {
		t.Fatal(err)
	}
	mustSetRun(t, s, terminal(m, model.StatusCancelled))

	if err := s.SetRun(ctx, kind, terminal(m, model.StatusSucceeded), 0); !errors.Is(err, runstore.ErrInvalidTransition) {
		t.Fatalf("cancelled -> succeeded error = %v, want ErrInvalidTransition", err)
	}
	if ok, _ := s.TryMarkCancelRequested(ctx, kind, "r1"); ok {
		t.Error("TryMarkCancelRequested on terminal run returned true")
	}
	if got := mustGetRun(t, s, "r1"); got.Status != model.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
}

func testAppendSequential(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	const k = 25
	for i := 1; i <= k; i++ {
		seq, err := s.AppendEvent(ctx, kind, "r1", "delta", map[string]int{"i": i}, 0)
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if seq != int64(i) {
			t.Fatalf("AppendEvent seq = %d, want %d", seq, i)
		}
	}

	events, err := s.GetEvents(ctx, kind, "r1", 0, 100)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != k {
		t.Fatalf("len(events) = %d, want %d", len(events), k)
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("events[%d].Seq = %d", i, ev.Seq)
		}
		if ev.RunID != "r1" || ev.EventName != "delta" {
			t.Errorf("events[%d] = %+v", i, ev)
		}
		want := fmt.Sprintf(`{"i":%d}`, i+1)
		if string(ev.Payload) != want {
			t.Errorf("events[%d].Payload = %s, want %s", i, ev.Payload, want)
		}
		if ev.CreatedAt.IsZero() {
			t.Errorf("events[%d].CreatedAt is zero", i)
		}
	}
}

func testAppendRaisesLastSeq(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	m := queued("r1")
	mustSetRun(t, s, m)

	for i := 0; i < 4; i++ {
		if _, err := s.AppendEvent(ctx, kind, "r1", "delta", nil, 0); err != nil {
			t.Fatal(err)
		}
	}
	if got := mustGetRun(t, s, "r1"); got.LastSeq != 4 {
		t.Fatalf("LastSeq = %d, want 4", got.LastSeq)
	}

	// Writing back an older copy keeps lastSeq where it is.
	running := m.Clone()
	running.Status = model.StatusRunning
	mustSetRun(t, s, running)
	if got := mustGetRun(t, s, "r1"); got.LastSeq != 4 {
		t.Errorf("LastSeq after stale SetRun = %d, want 4", got.LastSeq)
	}
}

func testReplayPagination(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	for i := 0; i < 23; i++ {
		if _, err := s.AppendEvent(ctx, kind, "r1", "delta", i, 0); err != nil {
			t.Fatal(err)
		}
	}

	var (
		after int64
		seen  []int64
	)
	for {
		page, err := s.GetEvents(ctx, kind, "r1", after, 5)
		if err != nil {
			t.Fatalf("GetEvents: %v", err)
		}
		if len(page) == 0 {
			break
		}
		if len(page) > 5 {
			t.Fatalf("page of %d exceeds limit", len(page))
		}
		for _, ev := range page {
			seen = append(seen, ev.Seq)
		}
		after = page[len(page)-1].Seq
	}
	if len(seen) != 23 {
		t.Fatalf("replayed %d events, want 23", len(seen))
	}
	for i, seq := range seen {
		if seq != int64(i+1) {
			t.Fatalf("replay[%d] = %d: gap or overlap", i, seq)
		}
	}
}

func testLimitClamp(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	for i := 0; i < runstore.MaxEventsLimit+10; i++ {
		if _, err := s.AppendEvent(ctx, kind, "r1", "delta", nil, 0); err != nil {
			t.Fatal(err)
		}
	}
	for _, limit := range []int{0, -1, 10000} {
		events, err := s.GetEvents(ctx, kind, "r1", 0, limit)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != runstore.MaxEventsLimit {
			t.Errorf("GetEvents(limit=%d) returned %d, want %d", limit, len(events), runstore.MaxEventsLimit)
		}
	}
}

func testConcurrentAppend(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	const writers, each = 8, 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := s.AppendEvent(ctx, kind, "r1", "delta", nil, 0); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	events, err := s.GetEvents(ctx, kind, "r1", 0, runstore.MaxEventsLimit)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != writers*each {
		t.Fatalf("len(events) = %d, want %d", len(events), writers*each)
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("events[%d].Seq = %d", i, ev.Seq)
		}
	}
}

func testRunsAreIsolated(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	if _, err := s.AppendEvent(ctx, kind, "r1", "a", nil, 0); err != nil {
		t.Fatal(err)
	}
	seq, err := s.AppendEvent(ctx, kind, "r2", "b", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Errorf("first seq of r2 = %d, want 1", seq)
	}
	seq, err = s.AppendEvent(ctx, "image", "r1", "c", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Errorf("first seq of image/r1 = %d, want 1", seq)
	}
}

func testSnapshot(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	for _, v := range []int64{3, 7} {
		snap := model.RunSnapshot{Seq: v, Payload: json.RawMessage(fmt.Sprintf(`{"upto":%d}`, v))}
		if err := s.SetSnapshot(ctx, kind, "r1", snap, 0); err != nil {
			t.Fatalf("SetSnapshot: %v", err)
		}
	}
	got, err := s.GetSnapshot(ctx, kind, "r1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.Seq != 7 || string(got.Payload) != `{"upto":7}` {
		t.Errorf("GetSnapshot = %+v, want last write", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func testInvalidInput(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	var ve *model.ValidationError

	if _, err := s.GetRun(ctx, kind, "  "); !errors.As(err, &ve) {
		t.Errorf("GetRun(blank) error = %v", err)
	}
	if _, err := s.AppendEvent(ctx, "", "r1", "delta", nil, 0); !errors.As(err, &ve) {
		t.Errorf("AppendEvent(blank kind) error = %v", err)
	}
	if _, err := s.AppendEvent(ctx, kind, "r1", " ", nil, 0); !errors.As(err, &ve) {
		t.Errorf("AppendEvent(blank event) error = %v", err)
	}
	if _, err := s.GetEvents(ctx, kind, "", 0, 10); !errors.As(err, &ve) {
		t.Errorf("GetEvents(blank run) error = %v", err)
	}
	if _, err := s.TryMarkCancelRequested(ctx, kind, ""); !errors.As(err, &ve) {
		t.Errorf("TryMarkCancelRequested(blank) error = %v", err)
	}
	if err := s.SetRun(ctx, kind, &model.RunMeta{Kind: kind, Status: model.StatusQueued}, 0); !errors.As(err, &ve) {
		t.Errorf("SetRun(no run id) error = %v", err)
	}
	m := queued("r1")
	m.Kind = "other"
	if err := s.SetRun(ctx, kind, m, 0); !errors.As(err, &ve) {
		t.Errorf("SetRun(kind mismatch) error = %v", err)
	}
}

func testInvalidPayload(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	m := queued("r1")
	mustSetRun(t, s, m)

	seq, err := s.AppendEvent(ctx, kind, "r1", "delta", json.RawMessage(`{bad`), 0)
	if !errors.Is(err, model.ErrInvalidPayload) {
		t.Fatalf("AppendEvent(invalid raw) = %d, %v; want ErrInvalidPayload", seq, err)
	}
	if _, err := s.AppendRecord(ctx, kind, "r1", "delta", json.RawMessage(`[1,`), 0); !errors.Is(err, model.ErrInvalidPayload) {
		t.Fatalf("AppendRecord(invalid raw) error = %v, want ErrInvalidPayload", err)
	}

	// Nothing was written: no seq consumed, replay still encodes.
	seq, err = s.AppendEvent(ctx, kind, "r1", "delta", json.RawMessage(`{"ok":true}`), 0)
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if seq != 1 {
		t.Errorf("seq after rejected appends = %d, want 1", seq)
	}
	events, err := s.GetEvents(ctx, kind, "r1", 0, 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if _, err := json.Marshal(events); err != nil {
		t.Errorf("replayed events do not encode: %v", err)
	}
	if got := mustGetRun(t, s, "r1"); got.LastSeq != 1 {
		t.Errorf("LastSeq = %d, want 1", got.LastSeq)
	}
}

func testAppendRecordMatchesReplay(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	rec, err := s.AppendRecord(ctx, kind, "r1", "delta", json.RawMessage(`{ "text" : "hi" }`), 0)
	if err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	if rec.Seq != 1 || rec.RunID != "r1" || rec.EventName != "delta" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatal("record CreatedAt is zero")
	}

	events, err := s.GetEvents(ctx, kind, "r1", 0, 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	got := events[0]
	if got.Seq != rec.Seq || got.EventName != rec.EventName || string(got.Payload) != string(rec.Payload) {
		t.Errorf("replayed %+v, appended %+v", got, rec)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("replayed CreatedAt %v, appended %v", got.CreatedAt, rec.CreatedAt)
	}
	if string(got.Payload) != `{"text":"hi"}` {
		t.Errorf("Payload = %s, want compact JSON", got.Payload)
	}
}
