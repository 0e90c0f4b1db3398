package seq

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// raiseScript sets KEYS[1] to ARGV[1] only when the key is missing or lower.
var raiseScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]))
local floor = tonumber(ARGV[1])
if cur == nil or cur < floor then
  redis.call('SET', KEYS[1], ARGV[1])
  return floor
end
return cur
`)

// RedisCounter stores counters as plain Redis integers under prefix + streamID.
type RedisCounter struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRedisCounter returns a Counter using keys "<prefix>:seq:<streamID>".
func NewRedisCounter(rdb redis.Cmdable, prefix string) *RedisCounter {
	return &RedisCounter{rdb: rdb, prefix: prefix + ":seq:"}
}

func (c *RedisCounter) key(streamID string) string {
	return c.prefix + streamID
}

func (c *RedisCounter) Get(ctx context.Context, streamID string) (int64, bool, error) {
	s, err := c.rdb.Get(ctx, c.key(streamID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (c *RedisCounter) SetIfAbsent(ctx context.Context, streamID string, v int64) (bool, error) {
	return c.rdb.SetNX(ctx, c.key(streamID), v, 0).Result()
}

func (c *RedisCounter) RaiseTo(ctx context.Context, streamID string, v int64) error {
	return raiseScript.Run(ctx, c.rdb, []string{c.key(streamID)}, v).Err()
}

func (c *RedisCounter) IncrBy(ctx context.Context, streamID string, n int64) (int64, error) {
	return c.rdb.IncrBy(ctx, c.key(streamID), n).Result()
}
