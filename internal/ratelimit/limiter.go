package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/blockfall/blockfall/internal/cache"
)

const keyPrefix = "rate-limit:"

// Result describes the outcome of a rate-limit check.
type Result struct {
	Limited   bool
	Count     int64
	Remaining int
	Reset     time.Time
}

// Limiter implements a fixed-window counter keyed by an arbitrary string
// (IP address, user id, composite). Counters live in the shared store so
// limits hold across instances when Redis backs it.
type Limiter struct {
	store cache.Store
	clock func() time.Time
}

// Option customises the Limiter.
type Option func(*Limiter)

// WithClock injects a custom time source, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New constructs a Limiter backed by the provided store.
func New(store cache.Store, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("rate limiter: store is required")
	}

	limiter := &Limiter{store: store, clock: time.Now}
	for _, opt := range opts {
		opt(limiter)
	}
	return limiter, nil
}

// IsRateLimited increments the counter for key and reports whether the
// post-increment count exceeds limit. The window TTL is set only on the
// first increment; remaining and reset are derived from the count and TTL.
func (l *Limiter) IsRateLimited(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	count, ttl, err := l.store.IncrementWithTTL(ctx, keyPrefix+key, window)
	if err != nil {
		return Result{}, err
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Limited:   count > int64(limit),
		Count:     count,
		Remaining: remaining,
		Reset:     l.clock().Add(ttl),
	}, nil
}

// Reset clears the counter for key ahead of its natural expiry.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Delete(ctx, keyPrefix+key)
}
