package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alfredjeanlab/runstream/internal/model"
)

// setRunScript upserts the meta hash. It returns 1 on success, or the current
// status when the move is not allowed.
//
// KEYS: meta, seq. ARGV: meta JSON, status, lastSeq, cancel flag, ttl ms.
var setRunScript = redis.NewScript(`
local ranks = {queued = 0, running = 1, succeeded = 2, failed = 2, cancelled = 2}
local cur = redis.call('HGET', KEYS[1], 'status')
local nxt = ARGV[2]
if cur and cur ~= nxt then
  local r = ranks[cur]
  if r == nil or r == 2 or ranks[nxt] <= r then
    return cur
  end
end
local last = tonumber(redis.call('HGET', KEYS[1], 'lastSeq') or '0')
local want = tonumber(ARGV[3])
if want > last then last = want end
local appended = tonumber(redis.call('GET', KEYS[2]) or '0')
if appended > last then last = appended end
redis.call('HSET', KEYS[1], 'meta', ARGV[1], 'status', nxt, 'lastSeq', string.format('%d', last))
if ARGV[4] == '1' then
  redis.call('HSET', KEYS[1], 'cancel', '1')
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// cancelScript sets the cancel flag on a live, non-terminal run.
var cancelScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st or st == 'succeeded' or st == 'failed' or st == 'cancelled' then
  return 0
end
redis.call('HSET', KEYS[1], 'cancel', '1')
return 1
`)

// appendScript allocates the next seq and stores the event under it. ARGV[1]
// is the event encoded without its seq; the script splices the seq in front.
//
// KEYS: seq, events, meta. ARGV: event JSON, ttl ms.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local member = '{"seq":' .. string.format('%d', seq) .. ',' .. string.sub(ARGV[1], 2)
redis.call('ZADD', KEYS[2], seq, member)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
if redis.call('EXISTS', KEYS[3]) == 1 then
  local last = tonumber(redis.call('HGET', KEYS[3], 'lastSeq') or '0')
  if seq > last then
    redis.call('HSET', KEYS[3], 'lastSeq', string.format('%d', seq))
  end
end
return seq
`)

// storedEvent is a RunEventRecord minus the seq assigned by appendScript.
type storedEvent struct {
	RunID     string          `json:"run_id"`
	EventName string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RedisStore implements Store on Redis. Keys are laid out as
// {prefix}:{kind}:{runID}:{meta|seq|events|snapshot}.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a RedisStore. A defaultTTL <= 0 uses DefaultTTL.
// The client is shared and is not closed by Close.
func NewRedisStore(rdb redis.Cmdable, prefix string, defaultTTL time.Duration) *RedisStore {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: defaultTTL}
}

func (s *RedisStore) key(kind, runID, suffix string) string {
	return s.prefix + ":" + kind + ":" + runID + ":" + suffix
}

func (s *RedisStore) ttlMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		ttl = s.ttl
	}
	return ttl.Milliseconds()
}

func (s *RedisStore) GetRun(ctx context.Context, kind, runID string) (*model.RunMeta, error) {
	if err := validateRun(kind, runID); err != nil {
		return nil, err
	}
	fields, err := s.rdb.HGetAll(ctx, s.key(kind, runID, "meta")).Result()
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	raw, ok := fields["meta"]
	if !ok {
		return nil, ErrNotFound
	}

	var m model.RunMeta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	// The hash fields are updated independently of the JSON and win.
	if st, ok := fields["status"]; ok {
		m.Status = model.RunStatus(st)
	}
	if v, ok := fields["lastSeq"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > m.LastSeq {
			m.LastSeq = n
		}
	}
	m.CancelRequested = m.CancelRequested || fields["cancel"] == "1"
	return &m, nil
}

func (s *RedisStore) SetRun(ctx context.Context, kind string, meta *model.RunMeta, ttl time.Duration) error {
	m, err := prepareMeta(kind, meta)
	if err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", m.RunID, err)
	}
	cancel := "0"
	if m.CancelRequested {
		cancel = "1"
	}

	res, err := setRunScript.Run(ctx, s.rdb,
		[]string{s.key(kind, m.RunID, "meta"), s.key(kind, m.RunID, "seq")},
		string(data), string(m.Status), m.LastSeq, cancel, s.ttlMillis(ttl),
	).Result()
	if err != nil {
		return fmt.Errorf("set run %s: %w", m.RunID, err)
	}
	if cur, ok := res.(string); ok {
		return fmt.Errorf("run %s: %s -> %s: %w", m.RunID, cur, m.Status, ErrInvalidTransition)
	}
	return nil
}

func (s *RedisStore) TryMarkCancelRequested(ctx context.Context, kind, runID string) (bool, error) {
	if err := validateRun(kind, runID); err != nil {
		return false, err
	}
	n, err := cancelScript.Run(ctx, s.rdb, []string{s.key(kind, runID, "meta")}).Int64()
	if err != nil {
		return false, fmt.Errorf("mark cancel %s: %w", runID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) IsCancelRequested(ctx context.Context, kind, runID string) (bool, error) {
	if err := validateRun(kind, runID); err != nil {
		return false, err
	}
	v, err := s.rdb.HGet(ctx, s.key(kind, runID, "meta"), "cancel").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cancel %s: %w", runID, err)
	}
	return v == "1", nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, kind, runID, eventName string, payload any, ttl time.Duration) (int64, error) {
	rec, err := s.AppendRecord(ctx, kind, runID, eventName, payload, ttl)
	return rec.Seq, err
}

func (s *RedisStore) AppendRecord(ctx context.Context, kind, runID, eventName string, payload any, ttl time.Duration) (model.RunEventRecord, error) {
	if err := validateRun(kind, runID); err != nil {
		return model.RunEventRecord{}, err
	}
	if strings.TrimSpace(eventName) == "" {
		return model.RunEventRecord{}, model.ValidateIDs("event", eventName)
	}
	raw, err := model.MarshalPayload(payload)
	if err != nil {
		return model.RunEventRecord{}, fmt.Errorf("marshal payload: %w", err)
	}
	ev := storedEvent{
		RunID:     runID,
		EventName: eventName,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return model.RunEventRecord{}, fmt.Errorf("encode event: %w", err)
	}

	seq, err := appendScript.Run(ctx, s.rdb,
		[]string{s.key(kind, runID, "seq"), s.key(kind, runID, "events"), s.key(kind, runID, "meta")},
		string(body), s.ttlMillis(ttl),
	).Int64()
	if err != nil {
		return model.RunEventRecord{}, fmt.Errorf("append event to %s: %w", runID, err)
	}
	return model.RunEventRecord{
		RunID:     runID,
		Seq:       seq,
		EventName: eventName,
		Payload:   raw,
		CreatedAt: ev.CreatedAt,
	}, nil
}

func (s *RedisStore) GetEvents(ctx context.Context, kind, runID string, afterSeq int64, limit int) ([]model.RunEventRecord, error) {
	if err := validateRun(kind, runID); err != nil {
		return nil, err
	}
	members, err := s.rdb.ZRangeByScore(ctx, s.key(kind, runID, "events"), &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(afterSeq, 10),
		Max:   "+inf",
		Count: int64(ClampLimit(limit)),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("get events of %s: %w", runID, err)
	}

	out := make([]model.RunEventRecord, 0, len(members))
	for _, member := range members {
		var rec model.RunEventRecord
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			return nil, fmt.Errorf("decode event of %s: %w", runID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) GetSnapshot(ctx context.Context, kind, runID string) (*model.RunSnapshot, error) {
	if err := validateRun(kind, runID); err != nil {
		return nil, err
	}
	raw, err := s.rdb.Get(ctx, s.key(kind, runID, "snapshot")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot of %s: %w", runID, err)
	}
	var snap model.RunSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot of %s: %w", runID, err)
	}
	return &snap, nil
}

func (s *RedisStore) SetSnapshot(ctx context.Context, kind, runID string, snap model.RunSnapshot, ttl time.Duration) error {
	if err := validateRun(kind, runID); err != nil {
		return err
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	if err := s.rdb.Set(ctx, s.key(kind, runID, "snapshot"), data, ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot of %s: %w", runID, err)
	}
	return nil
}

// Close is a no-op; the caller owns the Redis client.
func (s *RedisStore) Close() error { return nil }
