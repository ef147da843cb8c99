// Package ratelimit holds the per-platform post budget shared by every
// dispatcher process.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"content-pipeline/internal/telemetry"
)

// Budget is a distributed token bucket in Redis, one bucket per platform.
type Budget struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewBudget builds a bucket holding at most capacity posts, refilled at
// refillPerSecond. Idle buckets expire once they would be full again.
func NewBudget(client *redis.Client, capacity int, refillPerSecond float64, now func() time.Time) *Budget {
	if now == nil {
		now = time.Now
	}
	ttl := time.Hour
	if refillPerSecond > 0 {
		ttl = time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) + time.Minute
	}
	return &Budget{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      now,
	}
}

// Take consumes one post from the platform's budget if available and
// reports the tokens left.
func (b *Budget) Take(ctx context.Context, platform string) (bool, float64, error) {
	key := "budget:" + platform
	res, err := takeScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("post budget %s: %w", platform, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("post budget %s: unexpected reply %v", platform, res)
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		fmt.Sscan(v, &tokens)
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
	}
	return allowed, tokens, nil
}

// Lua numbers are truncated to integers on the way back, so tokens are
// returned as a string.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
