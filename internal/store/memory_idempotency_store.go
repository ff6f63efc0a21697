package store

import (
	"context"
	"sync"
	"time"
)

// MemoryIdempotencyStore implements IdempotencyStore with an in-process map
type MemoryIdempotencyStore struct {
	mu    sync.Mutex
	keys  map[string]time.Time
	clock func() time.Time
}

// NewMemoryIdempotencyStore creates an empty in-memory idempotency store
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		keys:  make(map[string]time.Time),
		clock: time.Now,
	}
}

// Acquire attempts to claim key for ttl
func (s *MemoryIdempotencyStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if expiry, ok := s.keys[key]; ok && expiry.After(now) {
		return false, nil
	}
	s.keys[key] = now.Add(ttl)
	return true, nil
}

// Release removes a claimed key
func (s *MemoryIdempotencyStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, key)
	return nil
}

// Ping always succeeds
func (s *MemoryIdempotencyStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryIdempotencyStore) Close() error { return nil }
