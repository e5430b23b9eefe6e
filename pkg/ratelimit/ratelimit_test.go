package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb)
}

func TestLimiter_ExhaustionAndWaitHint(t *testing.T) {
	l := newLimiter(t)
	now := time.Now()
	l.WithClock(func() time.Time { return now })

	cfg := Config{MaxTokens: 5, RefillRate: 5, RefillIntervalMs: 1000}
	ctx := context.Background()

	// Exactly maxTokens consecutive consumes are allowed.
	for i := 0; i < 5; i++ {
		res, err := l.TryConsume(ctx, "apple-api", cfg, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "consume %d should be allowed", i+1)
	}

	// The next one is denied with a wait hint within one refill interval.
	res, err := l.TryConsume(ctx, "apple-api", cfg, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.WaitMs, int64(0))
	assert.LessOrEqual(t, res.WaitMs, cfg.RefillIntervalMs)
}

func TestLimiter_RefillRestoresTokens(t *testing.T) {
	l := newLimiter(t)
	now := time.Now()
	l.WithClock(func() time.Time { return now })

	cfg := Config{MaxTokens: 2, RefillRate: 2, RefillIntervalMs: 1000}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.TryConsume(ctx, "stripe-api", cfg, 1)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := l.TryConsume(ctx, "stripe-api", cfg, 1)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// A full interval later the bucket is back at capacity.
	now = now.Add(time.Second)
	res, err = l.TryConsume(ctx, "stripe-api", cfg, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.RemainingTokens)
}

func TestLimiter_BucketsAreIndependent(t *testing.T) {
	l := newLimiter(t)
	cfg := Config{MaxTokens: 1, RefillRate: 1, RefillIntervalMs: 60000}
	ctx := context.Background()

	res, err := l.TryConsume(ctx, "google-api", cfg, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.TryConsume(ctx, "google-api", cfg, 1)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// A different logical name has its own bucket.
	res, err = l.TryConsume(ctx, "recurly-api", cfg, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
