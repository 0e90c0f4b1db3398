// Package ratelimit is the admission gate every work-creating request passes
// through: a 60-second sliding window of request markers plus an in-flight
// counter per client, both checked and updated by one Redis script.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/alfredjeanlab/runstream/internal/metrics"
	"github.com/alfredjeanlab/runstream/internal/model"
)

// ErrNotFound is returned when a client has no override.
var ErrNotFound = errors.New("not found")

// Built-in limits used when neither an override nor a global config sets one.
const (
	DefaultMaxRequestsPerMinute  = 60
	DefaultMaxConcurrentRequests = 10

	// Window is the sliding-window length.
	Window = 60 * time.Second
	// WindowTTL bounds the lifetime of an idle client's window key.
	WindowTTL = 70 * time.Second
	// ConcurrencyTTL releases in-flight slots leaked by callers that never
	// reported completion. Every admission refreshes it.
	ConcurrencyTTL = 10 * time.Minute
)

// checkScript prunes, counts and admits in one step.
//
// KEYS: window, inflight, client config, global config, exemptions.
// ARGV: client id, now ms, window ms, marker, default rpm, default
// concurrency, window ttl ms, inflight ttl ms.
var checkScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[5], ARGV[1]) == 1 then
  return {1, 'exempt'}
end
local now = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - tonumber(ARGV[3]))
local count = redis.call('ZCARD', KEYS[1])
local inflight = tonumber(redis.call('GET', KEYS[2]) or '0')

local function limit(field, default)
  local v = tonumber(redis.call('HGET', KEYS[3], field) or '0')
  if v and v > 0 then return v end
  v = tonumber(redis.call('HGET', KEYS[4], field) or '0')
  if v and v > 0 then return v end
  return tonumber(default)
end

if count >= limit('rpm', ARGV[5]) then
  return {0, 'rate'}
end
if inflight >= limit('concurrent', ARGV[6]) then
  return {0, 'concurrent'}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[8])
return {1, ''}
`)

// completeScript decrements the in-flight counter, never below zero.
var completeScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v <= 1 then
  redis.call('DEL', KEYS[1])
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// Decision is the outcome of CheckRequest. Reason is model.ReasonRate or
// model.ReasonConcurrent when the request is rejected, "exempt" when the
// client bypassed the check, and empty otherwise.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// ReasonExempt marks a decision made for an exempt client.
const ReasonExempt = "exempt"

// Option configures a Limiter.
type Option func(*Limiter)

// WithDefaults sets the built-in limits. Zero values keep the package defaults.
func WithDefaults(cfg model.RateLimitConfig) Option {
	return func(l *Limiter) {
		if cfg.MaxRequestsPerMinute > 0 {
			l.defaults.MaxRequestsPerMinute = cfg.MaxRequestsPerMinute
		}
		if cfg.MaxConcurrentRequests > 0 {
			l.defaults.MaxConcurrentRequests = cfg.MaxConcurrentRequests
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// Limiter implements the admission gate and its administrative surface.
type Limiter struct {
	rdb      redis.Cmdable
	prefix   string
	defaults model.RateLimitConfig
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New returns a Limiter storing its state under prefix.
func New(rdb redis.Cmdable, prefix string, opts ...Option) *Limiter {
	l := &Limiter{
		rdb:    rdb,
		prefix: prefix,
		defaults: model.RateLimitConfig{
			MaxRequestsPerMinute:  DefaultMaxRequestsPerMinute,
			MaxConcurrentRequests: DefaultMaxConcurrentRequests,
		},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ratelimit")
	return l
}

func (l *Limiter) key(parts ...string) string {
	k := l.prefix + ":rl"
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// CheckRequest admits or rejects one request from clientID. An admitted
// request holds an in-flight slot until RequestCompleted.
func (l *Limiter) CheckRequest(ctx context.Context, clientID string) (Decision, error) {
	if err := model.ValidateIDs("client_id", clientID); err != nil {
		return Decision{}, err
	}
	marker, err := gonanoid.New(12)
	if err != nil {
		return Decision{}, fmt.Errorf("generate marker: %w", err)
	}
	nowMs := l.now().UnixMilli()

	res, err := checkScript.Run(ctx, l.rdb,
		[]string{
			l.key("window", clientID),
			l.key("inflight", clientID),
			l.key("client", clientID),
			l.key("global"),
			l.key("exempt"),
		},
		clientID,
		nowMs,
		Window.Milliseconds(),
		strconv.FormatInt(nowMs, 10)+"-"+marker,
		l.defaults.MaxRequestsPerMinute,
		l.defaults.MaxConcurrentRequests,
		WindowTTL.Milliseconds(),
		ConcurrencyTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("check request for %s: %w", clientID, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("check request for %s: unexpected reply %v", clientID, res)
	}

	allowed, _ := res[0].(int64)
	reason, _ := res[1].(string)
	d := Decision{Allowed: allowed == 1, Reason: reason}

	result := "allowed"
	if !d.Allowed {
		result = "rejected"
		l.logger.Debug("request rejected", "client_id", clientID, "reason", reason)
	}
	l.metrics.Admission(result, reason)
	return d, nil
}

// RequestCompleted releases one in-flight slot for clientID.
func (l *Limiter) RequestCompleted(ctx context.Context, clientID string) error {
	if err := model.ValidateIDs("client_id", clientID); err != nil {
		return err
	}
	if err := completeScript.Run(ctx, l.rdb, []string{l.key("inflight", clientID)}).Err(); err != nil {
		return fmt.Errorf("complete request for %s: %w", clientID, err)
	}
	return nil
}

// InFlight returns the number of admitted, uncompleted requests of clientID.
func (l *Limiter) InFlight(ctx context.Context, clientID string) (int64, error) {
	n, err := l.rdb.Get(ctx, l.key("inflight", clientID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// SetClientConfig stores a per-client override.
func (l *Limiter) SetClientConfig(ctx context.Context, clientID string, cfg model.RateLimitConfig) error {
	if err := model.ValidateIDs("client_id", clientID); err != nil {
		return err
	}
	if err := model.ValidateRateLimitConfig(cfg); err != nil {
		return err
	}
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, l.key("client", clientID),
			"rpm", cfg.MaxRequestsPerMinute,
			"concurrent", cfg.MaxConcurrentRequests)
		p.SAdd(ctx, l.key("clients"), clientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set config for %s: %w", clientID, err)
	}
	return nil
}

// GetClientConfig returns the override for clientID or ErrNotFound.
func (l *Limiter) GetClientConfig(ctx context.Context, clientID string) (*model.RateLimitConfig, error) {
	if err := model.ValidateIDs("client_id", clientID); err != nil {
		return nil, err
	}
	cfg, ok, err := l.readConfig(ctx, l.key("client", clientID))
	if err != nil {
		return nil, fmt.Errorf("get config for %s: %w", clientID, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &cfg, nil
}

// DeleteClientConfig removes the override for clientID. Removing a missing
// override is not an error.
func (l *Limiter) DeleteClientConfig(ctx context.Context, clientID string) error {
	if err := model.ValidateIDs("client_id", clientID); err != nil {
		return err
	}
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, l.key("client", clientID))
		p.SRem(ctx, l.key("clients"), clientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete config for %s: %w", clientID, err)
	}
	return nil
}

// ListClientConfigs returns every override keyed by client id.
func (l *Limiter) ListClientConfigs(ctx context.Context) (map[string]model.RateLimitConfig, error) {
	ids, err := l.rdb.SMembers(ctx, l.key("clients")).Result()
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	out := make(map[string]model.RateLimitConfig, len(ids))
	for _, id := range ids {
		cfg, ok, err := l.readConfig(ctx, l.key("client", id))
		if err != nil {
			return nil, fmt.Errorf("list configs: %w", err)
		}
		if ok {
			out[id] = cfg
		}
	}
	return out, nil
}

// SetGlobalConfig stores the limits applied to clients without an override.
func (l *Limiter) SetGlobalConfig(ctx context.Context, cfg model.RateLimitConfig) error {
	if err := model.ValidateRateLimitConfig(cfg); err != nil {
		return err
	}
	err := l.rdb.HSet(ctx, l.key("global"),
		"rpm", cfg.MaxRequestsPerMinute,
		"concurrent", cfg.MaxConcurrentRequests).Err()
	if err != nil {
		return fmt.Errorf("set global config: %w", err)
	}
	return nil
}

// GetGlobalConfig returns the effective global limits; unset fields are
// filled from the built-in defaults.
func (l *Limiter) GetGlobalConfig(ctx context.Context) (model.RateLimitConfig, error) {
	cfg, _, err := l.readConfig(ctx, l.key("global"))
	if err != nil {
		return model.RateLimitConfig{}, fmt.Errorf("get global config: %w", err)
	}
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = l.defaults.MaxRequestsPerMinute
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = l.defaults.MaxConcurrentRequests
	}
	return cfg, nil
}

func (l *Limiter) AddExemption(ctx context.Context, clientID string) error {
	if err := model.ValidateIDs("client_id", clientID); err != nil {
		return err
	}
	if err := l.rdb.SAdd(ctx, l.key("exempt"), clientID).Err(); err != nil {
		return fmt.Errorf("add exemption %s: %w", clientID, err)
	}
	return nil
}

func (l *Limiter) RemoveExemption(ctx context.Context, clientID string) error {
	if err := model.ValidateIDs("client_id", clientID); err != nil {
		return err
	}
	if err := l.rdb.SRem(ctx, l.key("exempt"), clientID).Err(); err != nil {
		return fmt.Errorf("remove exemption %s: %w", clientID, err)
	}
	return nil
}

func (l *Limiter) IsExempt(ctx context.Context, clientID string) (bool, error) {
	ok, err := l.rdb.SIsMember(ctx, l.key("exempt"), clientID).Result()
	if err != nil {
		return false, fmt.Errorf("check exemption %s: %w", clientID, err)
	}
	return ok, nil
}

// ListExemptions returns exempt client ids in sorted order.
func (l *Limiter) ListExemptions(ctx context.Context) ([]string, error) {
	ids, err := l.rdb.SMembers(ctx, l.key("exempt")).Result()
	if err != nil {
		return nil, fmt.Errorf("list exemptions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *Limiter) readConfig(ctx context.Context, key string) (model.RateLimitConfig, bool, error) {
	fields, err := l.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return model.RateLimitConfig{}, false, err
	}
	if len(fields) == 0 {
		return model.RateLimitConfig{}, false, nil
	}
	var cfg model.RateLimitConfig
	cfg.MaxRequestsPerMinute, _ = strconv.Atoi(fields["rpm"])
	cfg.MaxConcurrentRequests, _ = strconv.Atoi(fields["concurrent"])
	return cfg, true, nil
}
