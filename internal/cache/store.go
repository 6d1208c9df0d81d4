package cache

import (
	"context"
	"time"
)

// Store represents a shared counter/value store used for rate limiting and
// other cross-request coordination.
type Store interface {
	// IncrementWithTTL atomically increments the key and sets the expiry
	// window only when the counter is created. It returns the post-increment
	// count and the remaining time-to-live.
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}
