package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript runs one fixed-window step atomically.
// KEYS[1] = bucket key
// ARGV[1] = limit
// ARGV[2] = window (ms)
// ARGV[3] = now (unix ms)
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "count", "start")
local count = tonumber(state[1])
local start = tonumber(state[2])

if not count or not start or now - start >= window then
    count = 0
    start = now
end

local allowed = 0
if count < limit then
    count = count + 1
    allowed = 1
end

redis.call("HSET", key, "count", count, "start", start)
redis.call("PEXPIRE", key, math.max(1, start + window - now))

return allowed
`)

// Redis is a Limiter shared by every replica that talks to the same Redis.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedis creates a limiter storing buckets under prefix (default "ratelimit").
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) key(subject, bucket string) string {
	return r.prefix + ":" + bucketKey(subject, bucket)
}

func (r *Redis) Consume(ctx context.Context, subject, bucket string, limit int, window time.Duration) (bool, error) {
	res, err := fixedWindowScript.Run(ctx, r.client, []string{r.key(subject, bucket)},
		limit, window.Milliseconds(), r.now().UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return res == 1, nil
}

func (r *Redis) Reset(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan rate-limit keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete rate-limit keys: %w", err)
	}
	return nil
}
