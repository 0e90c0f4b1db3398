package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/alfredjeanlab/runstream/internal/model"
)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, opts ...Option) (*Limiter, *testClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	l := New(rdb, "rs", append([]Option{WithClock(clock.Now)}, opts...)...)
	return l, clock, mr
}

func check(t *testing.T, l *Limiter, clientID string) Decision {
	t.Helper()
	d, err := l.CheckRequest(context.Background(), clientID)
	if err != nil {
		t.Fatalf("CheckRequest(%s): %v", clientID, err)
	}
	return d
}

func TestRateWindow(t *testing.T) {
	l, clock, _ := newTestLimiter(t)
	ctx := context.Background()
	if err := l.SetClientConfig(ctx, "alice", model.RateLimitConfig{MaxRequestsPerMinute: 3}); err != nil {
		t.Fatal(err)
	}

	want := []Decision{{true, ""}, {true, ""}, {true, ""}, {false, model.ReasonRate}}
	for i, w := range want {
		clock.Advance(100 * time.Millisecond)
		if got := check(t, l, "alice"); got != w {
			t.Errorf("call %d = %+v, want %+v", i+1, got, w)
		}
	}

	for i := 0; i < 3; i++ {
		if err := l.RequestCompleted(ctx, "alice"); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := l.InFlight(ctx, "alice"); n != 0 {
		t.Fatalf("InFlight = %d, want 0", n)
	}

	clock.Advance(Window)
	if got := check(t, l, "alice"); !got.Allowed {
		t.Errorf("after window = %+v, want allowed", got)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	if err := l.SetClientConfig(ctx, "bob", model.RateLimitConfig{MaxConcurrentRequests: 2}); err != nil {
		t.Fatal(err)
	}

	check(t, l, "bob")
	check(t, l, "bob")
	if got := check(t, l, "bob"); got.Allowed || got.Reason != model.ReasonConcurrent {
		t.Fatalf("third call = %+v, want rejected concurrent", got)
	}
	if err := l.RequestCompleted(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if got := check(t, l, "bob"); !got.Allowed {
		t.Errorf("after completion = %+v, want allowed", got)
	}
}

func TestRateCheckedBeforeConcurrency(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	l.SetClientConfig(ctx, "c", model.RateLimitConfig{MaxRequestsPerMinute: 1, MaxConcurrentRequests: 1})

	check(t, l, "c")
	if got := check(t, l, "c"); got.Reason != model.ReasonRate {
		t.Errorf("reason = %q, want rate", got.Reason)
	}
}

func TestRejectedRequestsAreNotRecorded(t *testing.T) {
	l, clock, mr := newTestLimiter(t)
	ctx := context.Background()
	l.SetClientConfig(ctx, "d", model.RateLimitConfig{MaxRequestsPerMinute: 2})

	for i := 0; i < 5; i++ {
		check(t, l, "d")
	}
	members, err := mr.ZMembers("rs:rl:window:d")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Errorf("window holds %d markers, want 2", len(members))
	}
	if n, _ := l.InFlight(ctx, "d"); n != 2 {
		t.Errorf("InFlight = %d, want 2", n)
	}
	if ttl := mr.TTL("rs:rl:window:d"); ttl != WindowTTL {
		t.Errorf("window TTL = %v, want %v", ttl, WindowTTL)
	}

	// Markers age out one at a time.
	clock.Advance(Window + time.Millisecond)
	if got := check(t, l, "d"); !got.Allowed {
		t.Errorf("after window = %+v", got)
	}
}

func TestLimitPrecedence(t *testing.T) {
	l, _, _ := newTestLimiter(t, WithDefaults(model.RateLimitConfig{MaxRequestsPerMinute: 5}))
	ctx := context.Background()

	allowedCount := func(client string) int {
		n := 0
		for i := 0; i < 8; i++ {
			if check(t, l, client).Allowed {
				n++
			}
			l.RequestCompleted(ctx, client)
		}
		return n
	}

	if n := allowedCount("default"); n != 5 {
		t.Errorf("built-in default admitted %d, want 5", n)
	}
	if err := l.SetGlobalConfig(ctx, model.RateLimitConfig{MaxRequestsPerMinute: 4}); err != nil {
		t.Fatal(err)
	}
	if n := allowedCount("global"); n != 4 {
		t.Errorf("global admitted %d, want 4", n)
	}
	if err := l.SetClientConfig(ctx, "override", model.RateLimitConfig{MaxRequestsPerMinute: 2}); err != nil {
		t.Fatal(err)
	}
	if n := allowedCount("override"); n != 2 {
		t.Errorf("override admitted %d, want 2", n)
	}
	// A zero field in an override falls through to the global value.
	if err := l.SetClientConfig(ctx, "partial", model.RateLimitConfig{MaxConcurrentRequests: 3}); err != nil {
		t.Fatal(err)
	}
	if n := allowedCount("partial"); n != 4 {
		t.Errorf("partial override admitted %d, want 4", n)
	}
}

func TestExemption(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	l.SetClientConfig(ctx, "vip", model.RateLimitConfig{MaxRequestsPerMinute: 1})
	if err := l.AddExemption(ctx, "vip"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if got := check(t, l, "vip"); !got.Allowed || got.Reason != ReasonExempt {
			t.Fatalf("exempt call %d = %+v", i, got)
		}
	}
	if n, _ := l.InFlight(ctx, "vip"); n != 0 {
		t.Errorf("exempt client holds %d in-flight slots", n)
	}

	ok, err := l.IsExempt(ctx, "vip")
	if err != nil || !ok {
		t.Fatalf("IsExempt = %v, %v", ok, err)
	}
	l.AddExemption(ctx, "admin")
	ids, err := l.ListExemptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "admin" || ids[1] != "vip" {
		t.Errorf("ListExemptions = %v", ids)
	}

	if err := l.RemoveExemption(ctx, "vip"); err != nil {
		t.Fatal(err)
	}
	check(t, l, "vip")
	if got := check(t, l, "vip"); got.Allowed {
		t.Errorf("after removing exemption = %+v, want rejected", got)
	}
}

func TestRequestCompletedFloorsAtZero(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.RequestCompleted(ctx, "e"); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := l.InFlight(ctx, "e"); n != 0 {
		t.Fatalf("InFlight = %d, want 0", n)
	}
	check(t, l, "e")
	check(t, l, "e")
	l.RequestCompleted(ctx, "e")
	if n, _ := l.InFlight(ctx, "e"); n != 1 {
		t.Errorf("InFlight = %d, want 1", n)
	}
}

func TestClientConfigAdmin(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	if _, err := l.GetClientConfig(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetClientConfig(missing) = %v, want ErrNotFound", err)
	}
	cfg := model.RateLimitConfig{MaxRequestsPerMinute: 30, MaxConcurrentRequests: 2}
	if err := l.SetClientConfig(ctx, "a", cfg); err != nil {
		t.Fatal(err)
	}
	l.SetClientConfig(ctx, "b", model.RateLimitConfig{MaxRequestsPerMinute: 10})

	got, err := l.GetClientConfig(ctx, "a")
	if err != nil || *got != cfg {
		t.Fatalf("GetClientConfig = %+v, %v", got, err)
	}
	all, err := l.ListClientConfigs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all["a"] != cfg || all["b"].MaxRequestsPerMinute != 10 {
		t.Errorf("ListClientConfigs = %+v", all)
	}

	if err := l.DeleteClientConfig(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.GetClientConfig(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete = %v", err)
	}
	if all, _ := l.ListClientConfigs(ctx); len(all) != 1 {
		t.Errorf("ListClientConfigs after delete = %+v", all)
	}

	var ve *model.ValidationError
	if err := l.SetClientConfig(ctx, "a", model.RateLimitConfig{MaxRequestsPerMinute: -1}); !errors.As(err, &ve) {
		t.Errorf("negative limit = %v, want ValidationError", err)
	}
	if _, err := l.CheckRequest(ctx, " "); !errors.As(err, &ve) {
		t.Errorf("blank client = %v, want ValidationError", err)
	}
}

func TestGlobalConfigDefaults(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	got, err := l.GetGlobalConfig(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxRequestsPerMinute != DefaultMaxRequestsPerMinute || got.MaxConcurrentRequests != DefaultMaxConcurrentRequests {
		t.Errorf("GetGlobalConfig = %+v, want defaults", got)
	}
	l.SetGlobalConfig(ctx, model.RateLimitConfig{MaxRequestsPerMinute: 100})
	got, _ = l.GetGlobalConfig(ctx)
	if got.MaxRequestsPerMinute != 100 || got.MaxConcurrentRequests != DefaultMaxConcurrentRequests {
		t.Errorf("GetGlobalConfig = %+v", got)
	}
}

func TestConcurrentChecksRespectLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	l.SetClientConfig(ctx, "burst", model.RateLimitConfig{MaxRequestsPerMinute: 10, MaxConcurrentRequests: 100})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.CheckRequest(ctx, "burst")
			if err != nil {
				t.Error(err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Errorf("admitted %d concurrent requests, want 10", allowed)
	}
}
