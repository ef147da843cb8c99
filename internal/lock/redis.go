package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"content-pipeline/internal/models"
)

// RedisManager keeps one hash per resource and relies on key expiry for the TTL.
type RedisManager struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisManager builds a Redis-backed lease manager.
func NewRedisManager(client *redis.Client, now func() time.Time) *RedisManager {
	return &RedisManager{client: client, prefix: "lock:", now: nowFunc(now)}
}

func (m *RedisManager) key(resource string) string {
	return m.prefix + resource
}

// Acquire implements Manager.
func (m *RedisManager) Acquire(ctx context.Context, resource, holder string, ttl time.Duration) (Lease, bool, error) {
	now := m.now()
	lease := Lease{
		Resource:   resource,
		Holder:     holder,
		Token:      newToken(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	res, err := acquireScript.Run(ctx, m.client, []string{m.key(resource)},
		holder, lease.Token, now.UnixMilli(), lease.ExpiresAt.UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return Lease{}, false, fmt.Errorf("redis acquire: %w", err)
	}
	if res != 1 {
		return Lease{}, false, nil
	}
	return lease, true, nil
}

// Renew implements Manager.
func (m *RedisManager) Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	now := m.now()
	if !now.Before(lease.ExpiresAt) {
		return Lease{}, ErrLeaseExpired
	}
	expires := now.Add(ttl)
	res, err := renewScript.Run(ctx, m.client, []string{m.key(lease.Resource)},
		lease.Token, expires.UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return Lease{}, fmt.Errorf("redis renew: %w", err)
	}
	if res != 1 {
		return Lease{}, ErrLeaseExpired
	}
	lease.ExpiresAt = expires
	return lease, nil
}

// Release implements Manager.
func (m *RedisManager) Release(ctx context.Context, lease Lease) error {
	if err := releaseScript.Run(ctx, m.client, []string{m.key(lease.Resource)}, lease.Token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Inspect implements Manager.
func (m *RedisManager) Inspect(ctx context.Context, resource string) (models.Lock, bool, error) {
	vals, err := m.client.HGetAll(ctx, m.key(resource)).Result()
	if err != nil {
		return models.Lock{}, false, fmt.Errorf("redis inspect: %w", err)
	}
	if len(vals) == 0 {
		return models.Lock{}, false, nil
	}
	acquired, _ := strconv.ParseInt(vals["acquired_at"], 10, 64)
	expires, _ := strconv.ParseInt(vals["expires_at"], 10, 64)
	return models.Lock{
		Resource:   resource,
		Holder:     vals["holder"],
		Token:      vals["token"],
		AcquiredAt: time.UnixMilli(acquired),
		ExpiresAt:  time.UnixMilli(expires),
	}, true, nil
}

var acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'token', ARGV[2], 'acquired_at', ARGV[3], 'expires_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'expires_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
