package convstate

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps slots in process memory. Used for tests, standalone
// mode, and as the degraded fallback.
type MemoryStore struct {
	channel string
	slots   map[string]*Context
	mu      sync.RWMutex
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store bound to channel.
func NewMemoryStore(channel string) *MemoryStore {
	return &MemoryStore{
		channel: channel,
		slots:   make(map[string]*Context),
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

// reclaimable mirrors the backend TTL: records this old would already have
// been dropped by the durable store.
func (m *MemoryStore) reclaimable(c *Context, now time.Time) bool {
	return now.Sub(c.UpdatedAt) >= storageTTL
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.slots[userID]
	if !ok || m.reclaimable(c, m.now()) {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, userID string, patch Patch) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	next := &Context{UserID: userID, Channel: m.channel, State: StateIdle}
	if cur, ok := m.slots[userID]; ok && !m.reclaimable(cur, now) {
		cp := *cur
		next = &cp
	}
	if err := patch(next); err != nil {
		return nil, err
	}
	next.UserID = userID
	next.Channel = m.channel
	next.UpdatedAt = now

	m.slots[userID] = next
	cp := *next
	return &cp, nil
}

func (m *MemoryStore) ScanWaiting(ctx context.Context) ([]*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var waiting []*Context
	for _, c := range m.slots {
		if c.State != StateWaitingExpert || m.reclaimable(c, now) {
			continue
		}
		cp := *c
		waiting = append(waiting, &cp)
	}
	return waiting, nil
}

func (m *MemoryStore) FindPendingForExpert(ctx context.Context, expertUserID string) (*Context, error) {
	waiting, err := m.ScanWaiting(ctx)
	if err != nil {
		return nil, err
	}
	if best := oldestWaiting(waiting, expertUserID); best != nil {
		return best, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Clear(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, userID)
	return nil
}
