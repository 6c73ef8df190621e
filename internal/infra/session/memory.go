package session

import (
	"context"
	"sync"
	"time"

	"mcpkit/internal/domain"
)

type memoryEntry struct {
	data      domain.SessionData
	updatedAt time.Time
}

// MemoryBackend keeps session data in process memory. Entries idle longer
// than the TTL are dropped on read; a zero TTL keeps them until deleted.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryBackend creates an in-process backend.
func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (b *MemoryBackend) Get(_ context.Context, id string) (domain.SessionData, bool, error) {
	b.mu.RLock()
	entry, ok := b.entries[id]
	b.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if b.expired(entry.updatedAt) {
		b.mu.Lock()
		if current, still := b.entries[id]; still && current.updatedAt.Equal(entry.updatedAt) {
			delete(b.entries, id)
		}
		b.mu.Unlock()
		return nil, false, nil
	}
	return entry.data.Clone(), true, nil
}

func (b *MemoryBackend) Put(_ context.Context, id string, data domain.SessionData) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[id] = memoryEntry{data: data.Clone(), updatedAt: b.now()}
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

// Len returns the number of stored entries, expired ones included.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (b *MemoryBackend) expired(updatedAt time.Time) bool {
	return b.ttl > 0 && b.now().Sub(updatedAt) > b.ttl
}

var _ domain.SessionBackend = (*MemoryBackend)(nil)
