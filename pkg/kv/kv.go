// Package kv abstracts the fast shared store used for round-robin cursors,
// realtime metric counters and active-user markers. All writes here are
// advisory: callers degrade gracefully when the store errors and never block
// the request path on it.
package kv

import (
	"context"
	"sync"
	"time"
)

// Store is safe for concurrent use. Incr must be atomic across processes
// sharing the same backing store.
type Store interface {
	// Incr adds delta to the counter at key and returns the new value. The
	// ttl is applied only when the key is created (or recreated after
	// expiry), so an active counter keeps its original deadline.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Set stores a string value with an optional ttl (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value at key; ok is false for missing or expired keys.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	Close() error
}

type memEntry struct {
	num       int64
	str       string
	expiresAt time.Time
}

// MemoryStore is the in-process implementation, used in tests and
// single-instance deployments.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memEntry
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]memEntry{}, now: time.Now}
}

func (m *MemoryStore) Incr(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.items[key]
	if !ok || e.expired(now) {
		e = memEntry{num: delta}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
	} else {
		e.num += delta
	}
	m.items[key] = e
	return e.num, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{str: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = e
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok || e.expired(m.now()) {
		delete(m.items, key)
		return "", false, nil
	}
	return e.str, true, nil
}

func (m *MemoryStore) Close() error { return nil }

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}
