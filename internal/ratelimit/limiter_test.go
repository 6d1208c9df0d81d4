package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockfall/blockfall/internal/cache"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time { return c.current }

func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestLimiter(t *testing.T) (*Limiter, *fakeClock) {
	t.Helper()

	clock := &fakeClock{current: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := cache.NewMemoryStore(cache.WithClock(clock.Now))

	limiter, err := New(store, WithClock(clock.Now))
	require.NoError(t, err)
	return limiter, clock
}

func TestIsRateLimitedWithinWindow(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := limiter.IsRateLimited(ctx, "ip:10.0.0.1", 3, time.Minute)
		require.NoError(t, err)
		require.False(t, result.Limited)
		require.Equal(t, 3-(i+1), result.Remaining)
	}

	result, err := limiter.IsRateLimited(ctx, "ip:10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, result.Limited)
	require.Zero(t, result.Remaining)
}

func TestWindowExpiryClearsLimit(t *testing.T) {
	limiter, clock := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := limiter.IsRateLimited(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
	}

	clock.Advance(61 * time.Second)

	result, err := limiter.IsRateLimited(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, result.Limited)
	require.EqualValues(t, 1, result.Count)
}

func TestKeysAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := limiter.IsRateLimited(ctx, "a", 2, time.Minute)
		require.NoError(t, err)
	}

	result, err := limiter.IsRateLimited(ctx, "b", 2, time.Minute)
	require.NoError(t, err)
	require.False(t, result.Limited)
}

func TestResetClearsCounterEarly(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.IsRateLimited(ctx, "k", 2, time.Minute)
		require.NoError(t, err)
	}

	require.NoError(t, limiter.Reset(ctx, "k"))

	result, err := limiter.IsRateLimited(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	require.False(t, result.Limited)
	require.EqualValues(t, 1, result.Count)
}
