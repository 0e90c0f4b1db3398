package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/alfredjeanlab/runstream/internal/events"
	"github.com/alfredjeanlab/runstream/internal/events/eventstest"
	"github.com/alfredjeanlab/runstream/internal/hub"
	"github.com/alfredjeanlab/runstream/internal/model"
	"github.com/alfredjeanlab/runstream/internal/ratelimit"
	"github.com/alfredjeanlab/runstream/internal/runqueue"
	"github.com/alfredjeanlab/runstream/internal/runstore"
	"github.com/alfredjeanlab/runstream/internal/seq"
)

type testEnv struct {
	store   *runstore.MemoryStore
	queue   *runqueue.MemoryQueue
	hub     *hub.Hub
	bus     *eventstest.MemoryBus
	limiter *ratelimit.Limiter
	srv     *RunServer
	ts      *httptest.Server
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv starts an HTTP server over in-memory backends, a memory-counter
// sequencer and a miniredis-backed limiter.
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	env := &testEnv{
		store:   runstore.NewMemoryStore(),
		queue:   runqueue.NewMemoryQueue(),
		hub:     hub.New(),
		bus:     eventstest.NewMemoryBus(),
		limiter: ratelimit.New(rdb, "rs", ratelimit.WithLogger(discardLogger())),
	}
	base := []Option{
		WithSequencer(seq.New(seq.NewMemoryCounter(), nil, seq.WithLogger(discardLogger()))),
		WithLimiter(env.limiter),
		WithPublisher(env.bus),
		WithLogger(discardLogger()),
	}
	env.srv = New(env.store, env.queue, env.hub, append(base, opts...)...)
	env.ts = httptest.NewServer(env.srv.NewHTTPHandler(""))
	t.Cleanup(func() {
		env.ts.Close()
		env.queue.Close()
		env.bus.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				t.Fatal(err)
			}
			rdr = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status = %d, want %d (body %s)",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

// putRun stores a run directly, bypassing the API.
func (e *testEnv) putRun(t *testing.T, kind, runID string, status model.RunStatus) *model.RunMeta {
	t.Helper()
	meta := &model.RunMeta{RunID: runID, Kind: kind, Status: status, CreatedAt: time.Now().UTC()}
	if status.IsTerminal() {
		ended := time.Now().UTC()
		meta.EndedAt = &ended
	}
	if err := e.store.SetRun(context.Background(), kind, meta, 0); err != nil {
		t.Fatalf("SetRun: %v", err)
	}
	return meta
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, "GET", "/v1/health", nil)
	expectStatus(t, resp, http.StatusOK)
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	for _, tc := range []struct {
		name   string
		token  string
		method string
		path   string
		auth   string
		want   int
	}{
		{"Disabled", "", "GET", "/v1/runs/echo/r1", "", http.StatusTeapot},
		{"HealthExempt", "secret", "GET", "/v1/health", "", http.StatusTeapot},
		{"MissingHeader", "secret", "GET", "/v1/runs/echo/r1", "", http.StatusUnauthorized},
		{"InvalidScheme", "secret", "GET", "/v1/runs/echo/r1", "Basic secret", http.StatusUnauthorized},
		{"WrongToken", "secret", "POST", "/v1/runs", "Bearer wrong", http.StatusUnauthorized},
		{"ValidToken", "secret", "POST", "/v1/runs", "Bearer secret", http.StatusTeapot},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			rec := httptest.NewRecorder()
			AuthMiddleware(tc.token, next).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(discardLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/health", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestCreateRun(t *testing.T) {
	env := newTestEnv(t)
	created, cancel, err := env.bus.Subscribe(events.TopicRunCreated)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	resp := env.do(t, "POST", "/v1/runs", map[string]any{
		"kind":  "echo",
		"input": map[string]string{"text": "hi"},
	})
	expectStatus(t, resp, http.StatusCreated)
	var meta model.RunMeta
	decodeBody(t, resp, &meta)

	if !strings.HasPrefix(meta.RunID, "run-") || meta.Status != model.StatusQueued {
		t.Fatalf("meta = %+v", meta)
	}
	stored, err := env.store.GetRun(context.Background(), "echo", meta.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if string(stored.Input) != `{"text":"hi"}` {
		t.Errorf("Input = %s", stored.Input)
	}
	if n, _ := env.queue.Len(context.Background(), "echo"); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
	select {
	case data := <-created:
		var ev events.RunCreated
		if err := json.Unmarshal(data, &ev); err != nil || ev.Run.RunID != meta.RunID {
			t.Errorf("run.created = %s (%v)", data, err)
		}
	case <-time.After(time.Second):
		t.Error("no run.created event")
	}
}

func TestCreateRunValidation(t *testing.T) {
	env := newTestEnv(t, WithKinds("echo"))
	for _, tc := range []struct {
		name string
		body any
	}{
		{"InvalidJSON", "{"},
		{"BlankKind", map[string]any{"kind": " "}},
		{"UnknownKind", map[string]any{"kind": "summarize"}},
		{"AllocateWithoutGroup", map[string]any{"kind": "echo", "allocate_messages": true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, "POST", "/v1/runs", tc.body)
			expectStatus(t, resp, http.StatusBadRequest)
		})
	}
	if n, _ := env.queue.Len(context.Background(), "echo"); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestCreateRunAllocatesMessageSeqs(t *testing.T) {
	env := newTestEnv(t)
	for i, want := range [][2]int64{{1, 2}, {3, 4}} {
		resp := env.do(t, "POST", "/v1/runs", map[string]any{
			"kind": "echo", "group_id": "g1", "allocate_messages": true,
		})
		expectStatus(t, resp, http.StatusCreated)
		var meta model.RunMeta
		decodeBody(t, resp, &meta)
		if meta.UserMessageSeq != want[0] || meta.AssistantSeq != want[1] {
			t.Errorf("run %d seqs = (%d, %d), want %v", i, meta.UserMessageSeq, meta.AssistantSeq, want)
		}
		if meta.UserMessageID == "" || meta.AssistantMessageID == "" || meta.UserMessageID == meta.AssistantMessageID {
			t.Errorf("run %d message ids = %q, %q", i, meta.UserMessageID, meta.AssistantMessageID)
		}
	}
}

func TestGetRunEventsAndSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.putRun(t, "echo", "r1", model.StatusRunning)
	for i := 0; i < 5; i++ {
		if _, err := env.store.AppendEvent(ctx, "echo", "r1", "delta", map[string]int{"i": i}, 0); err != nil {
			t.Fatal(err)
		}
	}

	resp := env.do(t, "GET", "/v1/runs/echo/r1", nil)
	expectStatus(t, resp, http.StatusOK)
	var meta model.RunMeta
	decodeBody(t, resp, &meta)
	if meta.LastSeq != 5 {
		t.Errorf("LastSeq = %d, want 5", meta.LastSeq)
	}

	resp = env.do(t, "GET", "/v1/runs/echo/r1/events?afterSeq=2&limit=2", nil)
	expectStatus(t, resp, http.StatusOK)
	var page struct {
		Events []model.RunEventRecord `json:"events"`
	}
	decodeBody(t, resp, &page)
	if len(page.Events) != 2 || page.Events[0].Seq != 3 || page.Events[1].Seq != 4 {
		t.Errorf("events = %+v, want seqs 3,4", page.Events)
	}

	resp = env.do(t, "GET", "/v1/runs/echo/r1/events?afterSeq=5", nil)
	expectStatus(t, resp, http.StatusOK)
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `"events":[]`) {
		t.Errorf("empty page = %s, want events:[]", raw)
	}

	expectStatus(t, env.do(t, "GET", "/v1/runs/echo/r1/events?afterSeq=x", nil), http.StatusBadRequest)
	expectStatus(t, env.do(t, "GET", "/v1/runs/echo/r1/snapshot", nil), http.StatusNotFound)

	snap := model.RunSnapshot{Seq: 5, Payload: json.RawMessage(`{"text":"so far"}`), UpdatedAt: time.Now().UTC()}
	if err := env.store.SetSnapshot(ctx, "echo", "r1", snap, 0); err != nil {
		t.Fatal(err)
	}
	resp = env.do(t, "GET", "/v1/runs/echo/r1/snapshot", nil)
	expectStatus(t, resp, http.StatusOK)
	var got model.RunSnapshot
	decodeBody(t, resp, &got)
	if got.Seq != 5 || string(got.Payload) != `{"text":"so far"}` {
		t.Errorf("snapshot = %+v", got)
	}

	expectStatus(t, env.do(t, "GET", "/v1/runs/echo/missing", nil), http.StatusNotFound)
}

func TestExportRun(t *testing.T) {
	env := newTestEnv(t)
	env.putRun(t, "echo", "r1", model.StatusRunning)
	env.store.AppendEvent(context.Background(), "echo", "r1", "delta", map[string]string{"text": "a"}, 0)

	resp := env.do(t, "GET", "/v1/runs/echo/r1/export", nil)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) < 2 {
		t.Fatalf("export = %q, want header and event lines", body)
	}

	expectStatus(t, env.do(t, "GET", "/v1/runs/echo/missing/export", nil), http.StatusNotFound)
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t)
	env.putRun(t, "echo", "live", model.StatusRunning)
	env.putRun(t, "echo", "over", model.StatusSucceeded)

	resp := env.do(t, "POST", "/v1/runs/echo/live/cancel", nil)
	expectStatus(t, resp, http.StatusAccepted)
	if ok, _ := env.store.IsCancelRequested(context.Background(), "echo", "live"); !ok {
		t.Error("cancel flag not set")
	}

	resp = env.do(t, "POST", "/v1/runs/echo/over/cancel", nil)
	expectStatus(t, resp, http.StatusConflict)
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != string(model.StatusSucceeded) {
		t.Errorf("conflict body = %v", body)
	}

	expectStatus(t, env.do(t, "POST", "/v1/runs/echo/missing/cancel", nil), http.StatusNotFound)
}

func TestSequenceRoutes(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/v1/streams/g1/next", nil)
	expectStatus(t, resp, http.StatusOK)
	var next map[string]int64
	decodeBody(t, resp, &next)
	if next["seq"] != 1 {
		t.Errorf("next = %v, want seq 1", next)
	}

	resp = env.do(t, "POST", "/v1/streams/g1/pair", nil)
	expectStatus(t, resp, http.StatusOK)
	var pair map[string]int64
	decodeBody(t, resp, &pair)
	if pair["first"] != 2 || pair["second"] != 3 {
		t.Errorf("pair = %v, want 2,3", pair)
	}

	env2 := newTestEnv(t, WithSequencer(nil))
	expectStatus(t, env2.do(t, "POST", "/v1/streams/g1/next", nil), http.StatusNotImplemented)
}

func TestAdmission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.limiter.SetClientConfig(ctx, "alice", model.RateLimitConfig{MaxRequestsPerMinute: 2}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		expectStatus(t, env.do(t, "POST", "/v1/streams/g1/next", nil, "X-Client-ID", "alice"), http.StatusOK)
	}
	resp := env.do(t, "POST", "/v1/runs", map[string]string{"kind": "echo"}, "X-Client-ID", "alice")
	expectStatus(t, resp, http.StatusTooManyRequests)
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["error"] != "rate limited" || body["reason"] != model.ReasonRate {
		t.Errorf("429 body = %v", body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	// Slots are released when each admitted request completes.
	if n, _ := env.limiter.InFlight(ctx, "alice"); n != 0 {
		t.Errorf("InFlight = %d, want 0", n)
	}

	// Other clients are unaffected and exempt clients bypass the window.
	expectStatus(t, env.do(t, "POST", "/v1/streams/g1/next", nil, "X-Client-ID", "bob"), http.StatusOK)
	env.limiter.AddExemption(ctx, "alice")
	expectStatus(t, env.do(t, "POST", "/v1/streams/g1/next", nil, "X-Client-ID", "alice"), http.StatusOK)
}

func TestAdmissionFallsBackToRemoteHost(t *testing.T) {
	env := newTestEnv(t)
	if err := env.limiter.SetClientConfig(context.Background(), "127.0.0.1", model.RateLimitConfig{MaxRequestsPerMinute: 1}); err != nil {
		t.Fatal(err)
	}
	expectStatus(t, env.do(t, "POST", "/v1/streams/g1/next", nil), http.StatusOK)
	expectStatus(t, env.do(t, "POST", "/v1/streams/g1/next", nil), http.StatusTooManyRequests)
}

func TestRateLimitAdmin(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "GET", "/v1/admin/ratelimit/global", nil)
	expectStatus(t, resp, http.StatusOK)
	var global model.RateLimitConfig
	decodeBody(t, resp, &global)
	if global.MaxRequestsPerMinute != ratelimit.DefaultMaxRequestsPerMinute {
		t.Errorf("default global = %+v", global)
	}

	expectStatus(t, env.do(t, "PUT", "/v1/admin/ratelimit/global",
		model.RateLimitConfig{MaxRequestsPerMinute: 100, MaxConcurrentRequests: 5}), http.StatusOK)
	expectStatus(t, env.do(t, "PUT", "/v1/admin/ratelimit/global",
		model.RateLimitConfig{MaxRequestsPerMinute: -1}), http.StatusBadRequest)

	expectStatus(t, env.do(t, "GET", "/v1/admin/ratelimit/clients/alice", nil), http.StatusNotFound)
	expectStatus(t, env.do(t, "PUT", "/v1/admin/ratelimit/clients/alice",
		model.RateLimitConfig{MaxRequestsPerMinute: 3}), http.StatusOK)

	resp = env.do(t, "GET", "/v1/admin/ratelimit/clients/alice", nil)
	expectStatus(t, resp, http.StatusOK)
	var alice model.RateLimitConfig
	decodeBody(t, resp, &alice)
	if alice.MaxRequestsPerMinute != 3 {
		t.Errorf("alice = %+v", alice)
	}

	resp = env.do(t, "GET", "/v1/admin/ratelimit/clients", nil)
	expectStatus(t, resp, http.StatusOK)
	var list struct {
		Clients map[string]model.RateLimitConfig `json:"clients"`
	}
	decodeBody(t, resp, &list)
	if len(list.Clients) != 1 {
		t.Errorf("clients = %v", list.Clients)
	}

	expectStatus(t, env.do(t, "DELETE", "/v1/admin/ratelimit/clients/alice", nil), http.StatusNoContent)
	expectStatus(t, env.do(t, "GET", "/v1/admin/ratelimit/clients/alice", nil), http.StatusNotFound)

	expectStatus(t, env.do(t, "PUT", "/v1/admin/ratelimit/exemptions/ops", nil), http.StatusNoContent)
	resp = env.do(t, "GET", "/v1/admin/ratelimit/exemptions", nil)
	expectStatus(t, resp, http.StatusOK)
	var ex struct {
		Exemptions []string `json:"exemptions"`
	}
	decodeBody(t, resp, &ex)
	if len(ex.Exemptions) != 1 || ex.Exemptions[0] != "ops" {
		t.Errorf("exemptions = %v", ex.Exemptions)
	}
	expectStatus(t, env.do(t, "DELETE", "/v1/admin/ratelimit/exemptions/ops", nil), http.StatusNoContent)

	off := newTestEnv(t, WithLimiter(nil))
	expectStatus(t, off.do(t, "GET", "/v1/admin/ratelimit/global", nil), http.StatusNotImplemented)
	expectStatus(t, off.do(t, "POST", "/v1/runs", map[string]string{"kind": "echo"}), http.StatusCreated)
}
