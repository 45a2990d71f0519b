package cache

import (
	"context"
	"sync"
	"time"
)

// Entry is a stored result. Gen is the kind generation it was loaded under;
// entries from an older generation are never served.
type Entry struct {
	Value    []byte    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
	Gen      uint64    `json:"gen"`
}

// Backend stores entries. Implementations must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, key Key) (Entry, bool, error)
	// Set stores e. ttl is a hint for backends with native expiry; Cache
	// enforces the TTL itself.
	Set(ctx context.Context, key Key, e Entry, ttl time.Duration) error
	DeleteKind(ctx context.Context, kind Kind) (int, error)
	Flush(ctx context.Context) error
	// Purge removes entries stored before olderThan.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
	Len(ctx context.Context) (int, error)
}

// MemoryBackend keeps entries in a map.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[Key]Entry)}
}

func (m *MemoryBackend) Get(_ context.Context, key Key) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryBackend) Set(_ context.Context, key Key, e Entry, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = e
	return nil
}

func (m *MemoryBackend) DeleteKind(_ context.Context, kind Kind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.entries {
		if k.Kind == kind {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Flush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[Key]Entry)
	return nil
}

func (m *MemoryBackend) Purge(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if e.StoredAt.Before(olderThan) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Len(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}
