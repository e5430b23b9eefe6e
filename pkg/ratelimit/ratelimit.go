// Package ratelimit provides a cross-process token bucket stored in Redis.
// The check-and-update runs as a single Lua script, so the bucket stays
// correct under contention from multiple server instances.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes atomically.
// KEYS[1] = bucket key
// ARGV[1] = max tokens
// ARGV[2] = refill rate (tokens per interval)
// ARGV[3] = refill interval (ms)
// ARGV[4] = cost (tokens to consume)
// ARGV[5] = now (unix ms)
// Returns {allowed, remaining, wait_ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = max_tokens
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = (elapsed / interval_ms) * refill_rate
    tokens = math.min(tokens + added, max_tokens)
    last_refill = now
end

local allowed = 0
local wait_ms = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
else
    local deficit = cost - tokens
    wait_ms = math.ceil((deficit / refill_rate) * interval_ms)
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("PEXPIRE", key, interval_ms * 10)

return {allowed, math.floor(tokens), wait_ms}
`)

// Config describes one named bucket.
type Config struct {
	MaxTokens        int64
	RefillRate       int64
	RefillIntervalMs int64
}

// Result is the outcome of a consume attempt.
type Result struct {
	Allowed         bool
	RemainingTokens int64
	WaitMs          int64
}

// Limiter gates outbound provider calls through named Redis buckets.
type Limiter struct {
	rdb   redis.UniversalClient
	clock func() time.Time
}

// New creates a Limiter.
func New(rdb redis.UniversalClient) *Limiter {
	return &Limiter{rdb: rdb, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

// TryConsume attempts to take n tokens from the named bucket without
// blocking.
func (l *Limiter) TryConsume(ctx context.Context, name string, cfg Config, n int64) (*Result, error) {
	key := "ratelimit:" + name
	now := l.clock().UnixMilli()

	res, err := tokenBucketScript.Run(ctx, l.rdb, []string{key},
		cfg.MaxTokens, cfg.RefillRate, cfg.RefillIntervalMs, n, now).Result()
	if err != nil {
		return nil, fmt.Errorf("ratelimit: script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	waitMs, _ := vals[2].(int64)

	return &Result{Allowed: allowed == 1, RemainingTokens: remaining, WaitMs: waitMs}, nil
}

// Consume blocks until n tokens are available or maxWait elapses, sleeping
// the bucket-suggested wait between attempts.
func (l *Limiter) Consume(ctx context.Context, name string, cfg Config, n int64, maxWait time.Duration) error {
	deadline := l.clock().Add(maxWait)
	for {
		res, err := l.TryConsume(ctx, name, cfg, n)
		if err != nil {
			return err
		}
		if res.Allowed {
			return nil
		}

		wait := time.Duration(res.WaitMs) * time.Millisecond
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		if l.clock().Add(wait).After(deadline) {
			return fmt.Errorf("ratelimit: %s: no tokens within %s", name, maxWait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
