package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store suitable for single-instance
// deployments and tests. It is concurrency-safe.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string]*memoryEntry
	clock func() time.Time
}

type memoryEntry struct {
	count     int64
	value     []byte
	expiresAt time.Time
}

// MemoryOption customises the MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock injects a custom time source, primarily for testing.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemoryStore constructs an in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		data:  make(map[string]*memoryEntry),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *MemoryStore) IncrementWithTTL(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}

	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &memoryEntry{expiresAt: now.Add(window)}
		s.data[key] = entry
	}

	entry.count++
	return entry.count, entry.expiresAt.Sub(now), nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	if !ok || now.After(entry.expiresAt) {
		delete(s.data, key)
		return nil, false, nil
	}
	return entry.value, entry.value != nil, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &memoryEntry{value: value, expiresAt: s.clock().Add(ttl)}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}
