package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alfredjeanlab/runstream/internal/events/eventstest"
	"github.com/alfredjeanlab/runstream/internal/hub"
	"github.com/alfredjeanlab/runstream/internal/model"
	"github.com/alfredjeanlab/runstream/internal/runqueue"
	"github.com/alfredjeanlab/runstream/internal/runstore"
)

type fixture struct {
	store *runstore.MemoryStore
	queue *runqueue.MemoryQueue
	hub   *hub.Hub
	bus   *eventstest.MemoryBus
	pool  *Pool
}

type recordingArchiver struct {
	mu   sync.Mutex
	runs []string
}

func (a *recordingArchiver) ArchiveRun(_ context.Context, kind, runID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs = append(a.runs, kind+"/"+runID)
	return nil
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: runstore.NewMemoryStore(),
		queue: runqueue.NewMemoryQueue(),
		hub:   hub.New(),
		bus:   eventstest.NewMemoryBus(),
	}
	t.Cleanup(func() {
		f.queue.Close()
		f.bus.Close()
	})
	base := []Option{
		WithHub(f.hub),
		WithPublisher(f.bus),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	f.pool = NewPool(Config{
		Workers:            2,
		DequeueTimeout:     50 * time.Millisecond,
		CancelPollInterval: 10 * time.Millisecond,
	}, f.store, f.queue, append(base, opts...)...)
	f.pool.Register(EchoKind, EchoExecutor{})
	return f
}

func (f *fixture) create(t *testing.T, kind, runID string, input any) *model.RunMeta {
	t.Helper()
	raw, _ := json.Marshal(input)
	meta := &model.RunMeta{
		RunID:     runID,
		Kind:      kind,
		Status:    model.StatusQueued,
		CreatedAt: time.Now().UTC(),
		Input:     raw,
	}
	if err := f.store.SetRun(context.Background(), kind, meta, 0); err != nil {
		t.Fatalf("SetRun: %v", err)
	}
	return meta
}

func (f *fixture) get(t *testing.T, kind, runID string) *model.RunMeta {
	t.Helper()
	m, err := f.store.GetRun(context.Background(), kind, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	return m
}

func (f *fixture) eventNames(t *testing.T, kind, runID string) []string {
	t.Helper()
	evs, err := f.store.GetEvents(context.Background(), kind, runID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, len(evs))
	for i, ev := range evs {
		names[i] = ev.EventName
	}
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestProcess_EchoSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meta := f.create(t, EchoKind, "r1", EchoInput{Text: "hello big world", Citations: []string{"https://example.com"}})
	meta.GroupID = "g1"
	meta.AssistantMessageID = "m2"
	meta.AssistantSeq = 2
	if err := f.store.SetRun(ctx, EchoKind, meta, 0); err != nil {
		t.Fatal(err)
	}

	runSub, _ := f.hub.Subscribe(model.RunChannel(EchoKind, "r1"))
	defer runSub.Dispose()
	groupSub, _ := f.hub.Subscribe("g1")
	defer groupSub.Dispose()

	if err := f.pool.Process(ctx, EchoKind, "r1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got := f.get(t, EchoKind, "r1")
	if got.Status != model.StatusSucceeded || got.StartedAt == nil || got.EndedAt == nil {
		t.Fatalf("meta = %+v", got)
	}
	want := []string{"delta", "delta", "delta", "message", model.EventDone}
	if names := f.eventNames(t, EchoKind, "r1"); !equalStrings(names, want) {
		t.Errorf("events = %v, want %v", names, want)
	}
	if got.LastSeq != int64(len(want)) {
		t.Errorf("LastSeq = %d, want %d", got.LastSeq, len(want))
	}

	snap, err := f.store.GetSnapshot(ctx, EchoKind, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if string(snap.Payload) != `{"text":"hello big world"}` || snap.Seq != 3 {
		t.Errorf("snapshot = %+v (%s)", snap, snap.Payload)
	}

	for i := int64(1); i <= int64(len(want)); i++ {
		b, ok := runSub.TryNext()
		if !ok || b.Type != model.BroadcastRunEvent || *b.Seq != i {
			t.Fatalf("run broadcast %d = %+v, %v", i, b, ok)
		}
	}

	var types []model.BroadcastType
	for {
		b, ok := groupSub.TryNext()
		if !ok {
			break
		}
		types = append(types, b.Type)
	}
	wantTypes := []model.BroadcastType{
		model.BroadcastDelta, model.BroadcastDelta, model.BroadcastDelta,
		model.BroadcastBlockEnd, model.BroadcastCitations, model.BroadcastMessage,
	}
	if len(types) != len(wantTypes) {
		t.Fatalf("group broadcasts = %v, want %v", types, wantTypes)
	}
	for i := range types {
		if types[i] != wantTypes[i] {
			t.Errorf("group broadcast %d = %s, want %s", i, types[i], wantTypes[i])
		}
	}
}

func TestEmit_LiveBroadcastMatchesReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, EchoKind, "r1", EchoInput{Text: "one two"})

	sub, _ := f.hub.Subscribe(model.RunChannel(EchoKind, "r1"))
	defer sub.Dispose()

	if err := f.pool.Process(ctx, EchoKind, "r1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	stored, err := f.store.GetEvents(ctx, EchoKind, "r1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) == 0 {
		t.Fatal("no events stored")
	}
	for _, want := range stored {
		b, ok := sub.TryNext()
		if !ok || b.Event == nil {
			t.Fatalf("missing live event for seq %d", want.Seq)
		}
		got := *b.Event
		if got.Seq != want.Seq || got.EventName != want.EventName || string(got.Payload) != string(want.Payload) {
			t.Errorf("live %+v, replayed %+v", got, want)
		}
		if !got.CreatedAt.Equal(want.CreatedAt) {
			t.Errorf("seq %d: live created_at %v, replayed %v", want.Seq, got.CreatedAt, want.CreatedAt)
		}
	}
}

func TestEmit_RejectsInvalidRawPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "raw", "r1", nil)

	var emitErr error
	f.pool.Register("raw", ExecutorFunc(func(ctx context.Context, run *Run) error {
		_, emitErr = run.Emit(ctx, "delta", json.RawMessage(`{bad`))
		return emitErr
	}))

	if err := f.pool.Process(ctx, "raw", "r1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !errors.Is(emitErr, model.ErrInvalidPayload) {
		t.Fatalf("Emit error = %v, want ErrInvalidPayload", emitErr)
	}
	if got := f.get(t, "raw", "r1"); got.Status != model.StatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	// Only the terminal event was recorded.
	if names := f.eventNames(t, "raw", "r1"); !equalStrings(names, []string{model.EventError}) {
		t.Errorf("events = %v, want [error]", names)
	}
}

func TestProcess_CodedFailure(t *testing.T) {
	f := newFixture(t)
	f.create(t, EchoKind, "r1", EchoInput{Text: "hi", Fail: "boom"})

	if err := f.pool.Process(context.Background(), EchoKind, "r1"); err != nil {
		t.Fatal(err)
	}
	got := f.get(t, EchoKind, "r1")
	if got.Status != model.StatusFailed || got.ErrorCode != "echo_failed" || got.ErrorMessage != "boom" {
		t.Errorf("meta = %+v", got)
	}
	names := f.eventNames(t, EchoKind, "r1")
	if names[len(names)-1] != model.EventError {
		t.Errorf("last event = %s, want error", names[len(names)-1])
	}
}

func TestProcess_CancelWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := make(chan struct{})
	f.pool.Register("block", ExecutorFunc(func(ctx context.Context, run *Run) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	f.create(t, "block", "r1", nil)

	go func() {
		<-started
		f.store.TryMarkCancelRequested(ctx, "block", "r1")
	}()

	done := make(chan error, 1)
	go func() { done <- f.pool.Process(ctx, "block", "r1") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe cancellation")
	}

	got := f.get(t, "block", "r1")
	if got.Status != model.StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", got.Status)
	}
	names := f.eventNames(t, "block", "r1")
	if len(names) != 1 || names[0] != model.EventCancelled {
		t.Errorf("events = %v", names)
	}

	later := got.Clone()
	later.Status = model.StatusSucceeded
	if err := f.store.SetRun(ctx, "block", later, 0); !errors.Is(err, runstore.ErrInvalidTransition) {
		t.Errorf("cancelled -> succeeded = %v, want ErrInvalidTransition", err)
	}
}

func TestProcess_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.pool.Register("count", ExecutorFunc(func(context.Context, *Run) error {
		calls.Add(1)
		return nil
	}))
	f.create(t, "count", "r1", nil)
	f.store.TryMarkCancelRequested(context.Background(), "count", "r1")

	if err := f.pool.Process(context.Background(), "count", "r1"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Error("executor ran for a cancelled run")
	}
	if got := f.get(t, "count", "r1"); got.Status != model.StatusCancelled || got.StartedAt != nil {
		t.Errorf("meta = %+v", got)
	}
}

func TestProcess_UnknownKindAndPanic(t *testing.T) {
	f := newFixture(t)
	f.pool.Register("panics", ExecutorFunc(func(context.Context, *Run) error {
		panic("kaboom")
	}))
	f.create(t, "nobody", "r1", nil)
	f.create(t, "panics", "r2", nil)

	for _, tc := range []struct {
		kind, runID, code string
	}{
		{"nobody", "r1", CodeUnknownKind},
		{"panics", "r2", CodePanic},
	} {
		if err := f.pool.Process(context.Background(), tc.kind, tc.runID); err != nil {
			t.Fatal(err)
		}
		got := f.get(t, tc.kind, tc.runID)
		if got.Status != model.StatusFailed || got.ErrorCode != tc.code {
			t.Errorf("%s: meta = %+v, want failed %s", tc.kind, got, tc.code)
		}
	}
}

func TestProcess_SkipsTerminalAndMissing(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.pool.Register("count", ExecutorFunc(func(context.Context, *Run) error {
		calls.Add(1)
		return nil
	}))
	meta := f.create(t, "count", "r1", nil)
	now := time.Now().UTC()
	meta.Status = model.StatusFailed
	meta.EndedAt = &now
	f.store.SetRun(context.Background(), "count", meta, 0)

	if err := f.pool.Process(context.Background(), "count", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := f.pool.Process(context.Background(), "count", "ghost"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Errorf("executor ran %d times", calls.Load())
	}
}

// failingStore fails every append of a named event.
type failingStore struct {
	*runstore.MemoryStore
	failOn string
}

func (s *failingStore) AppendRecord(ctx context.Context, kind, runID, name string, payload any, ttl time.Duration) (model.RunEventRecord, error) {
	if name == s.failOn {
		return model.RunEventRecord{}, errors.New("cache unavailable")
	}
	return s.MemoryStore.AppendRecord(ctx, kind, runID, name, payload, ttl)
}

func TestProcess_AppendFailureFailsRun(t *testing.T) {
	store := &failingStore{MemoryStore: runstore.NewMemoryStore(), failOn: "progress"}
	queue := runqueue.NewMemoryQueue()
	defer queue.Close()
	pool := NewPool(Config{}, store, queue, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	pool.Register("careless", ExecutorFunc(func(ctx context.Context, run *Run) error {
		run.Emit(ctx, "progress", 50)
		return nil
	}))

	meta := &model.RunMeta{RunID: "r1", Kind: "careless", Status: model.StatusQueued}
	if err := store.SetRun(context.Background(), "careless", meta, 0); err != nil {
		t.Fatal(err)
	}
	if err := pool.Process(context.Background(), "careless", "r1"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetRun(context.Background(), "careless", "r1")
	if got.Status != model.StatusFailed || got.ErrorCode != CodeEventAppendFailed {
		t.Errorf("meta = %+v, want failed %s", got, CodeEventAppendFailed)
	}
}

func TestPool_EndToEnd(t *testing.T) {
	archiver := &recordingArchiver{}
	f := newFixture(t, WithArchiver(archiver))
	ctx := context.Background()

	lifecycle, cancelSub, err := f.bus.Subscribe("runstream.run.>")
	if err != nil {
		t.Fatal(err)
	}
	defer cancelSub()

	f.pool.Start(ctx)
	defer f.pool.Stop()

	for _, id := range []string{"r1", "r2", "r3"} {
		f.create(t, EchoKind, id, EchoInput{Text: "ping " + id})
		if err := f.queue.Enqueue(ctx, EchoKind, id); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for _, id := range []string{"r1", "r2", "r3"} {
		for {
			if m := f.get(t, EchoKind, id); m.Status == model.StatusSucceeded {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s did not finish", id)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	// Archiving follows the status write.
	for {
		archiver.mu.Lock()
		archived := len(archiver.runs)
		archiver.mu.Unlock()
		if archived == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("archived %d runs, want 3", archived)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// started + finished for each run
	if n := len(lifecycle); n != 6 {
		t.Errorf("lifecycle events = %d, want 6", n)
	}
}

func TestPool_StopFailsRunningRun(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.pool.Register("forever", ExecutorFunc(func(ctx context.Context, run *Run) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	f.create(t, "forever", "r1", nil)
	f.queue.Enqueue(context.Background(), "forever", "r1")

	f.pool.Start(context.Background())
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started")
	}
	f.pool.Stop()

	got := f.get(t, "forever", "r1")
	if got.Status != model.StatusFailed || got.ErrorCode != CodeShutdown {
		t.Errorf("meta = %+v, want failed %s", got, CodeShutdown)
	}
}
