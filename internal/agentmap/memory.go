package agentmap

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	mapping   Mapping
	writtenAt time.Time
}

// MemoryStore keeps mappings in process memory with the same sliding TTL
// semantics as the durable backend.
type MemoryStore struct {
	entries map[string]memoryEntry
	mu      sync.RWMutex
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory mapping store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test hook.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Mapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[userID]
	if !ok || m.now().Sub(e.writtenAt) >= TTL {
		return nil, ErrNotFound
	}
	cp := e.mapping
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, userID string, mapping Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[userID] = memoryEntry{mapping: mapping, writtenAt: m.now()}
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
	return nil
}
