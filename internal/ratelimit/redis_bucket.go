package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketScript runs the refill-and-consume step atomically so concurrent
// workers across instances share one bucket. When ARGV[6] is 1 the call is
// a probe: tokens are refilled but never consumed. Returns
// {allowed, wait_ms}.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local n = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local rate = tonumber(ARGV[4])
local interval_ms = tonumber(ARGV[5])
local probe = tonumber(ARGV[6])

local state = redis.call("HMGET", key, "tokens", "last_refill_ms")
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
	tokens = max
	last = now_ms
end

local elapsed = now_ms - last
if elapsed >= interval_ms then
	tokens = max
elseif elapsed > 0 then
	tokens = math.min(max, tokens + elapsed * rate / interval_ms)
end

local allowed = 0
local wait_ms = 0
if tokens >= n then
	allowed = 1
	if probe == 0 then
		tokens = tokens - n
	end
else
	wait_ms = math.ceil((n - tokens) * interval_ms / rate)
end

redis.call("HSET", key, "tokens", tokens, "last_refill_ms", now_ms)
redis.call("PEXPIRE", key, interval_ms * 2)

return {allowed, wait_ms}
`)

// RedisBucket is the shared-state variant of Bucket: token accounting runs
// in a Lua script against the cache, so horizontally scaled instances
// enforce one limit between them.
type RedisBucket struct {
	client *redis.Client
	key    string
	cfg    Config
	now    func() time.Time
}

// NewRedisBucket creates a shared bucket for the tenant.
func NewRedisBucket(client *redis.Client, tenantID string, cfg Config) *RedisBucket {
	return &RedisBucket{
		client: client,
		key:    fmt.Sprintf("ratelimit:%s", tenantID),
		cfg:    cfg.normalized(),
		now:    time.Now,
	}
}

func (b *RedisBucket) run(ctx context.Context, n float64, probe bool) (bool, time.Duration, error) {
	probeArg := 0
	if probe {
		probeArg = 1
	}
	res, err := bucketScript.Run(ctx, b.client, []string{b.key},
		b.now().UnixMilli(),
		n,
		b.cfg.MaxTokens,
		b.cfg.TokensPerInterval,
		b.cfg.Interval.Milliseconds(),
		probeArg,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

// TryConsume takes n tokens if available. Disabled buckets always allow.
func (b *RedisBucket) TryConsume(ctx context.Context, n float64) (bool, error) {
	if !b.cfg.Enabled {
		return true, nil
	}
	allowed, _, err := b.run(ctx, n, false)
	return allowed, err
}

// WaitTime returns how long until n tokens will be available without
// consuming any.
func (b *RedisBucket) WaitTime(ctx context.Context, n float64) (time.Duration, error) {
	if !b.cfg.Enabled {
		return 0, nil
	}
	_, wait, err := b.run(ctx, n, true)
	return wait, err
}

// SharedLimiter adapts a RedisBucket to the context-free limiter shape the
// dispatch batcher consumes. Cache errors fail open: an unreachable bucket
// must not halt sending.
type SharedLimiter struct {
	bucket *RedisBucket
}

// Shared wraps a tenant's redis-backed bucket.
func Shared(client *redis.Client, tenantID string, cfg Config) *SharedLimiter {
	return &SharedLimiter{bucket: NewRedisBucket(client, tenantID, cfg)}
}

// TryConsume takes n tokens if available, allowing on cache errors.
func (l *SharedLimiter) TryConsume(n float64) bool {
	ok, err := l.bucket.TryConsume(context.Background(), n)
	if err != nil {
		return true
	}
	return ok
}

// WaitTime returns how long until n tokens will be available. On cache
// errors there is nothing to wait for.
func (l *SharedLimiter) WaitTime(n float64) time.Duration {
	wait, err := l.bucket.WaitTime(context.Background(), n)
	if err != nil {
		return 0
	}
	return wait
}
