package store

import (
	"context"
	"sync"
	"time"

	"github.com/parley/parley/internal/session"
)

// MemoryStore provides in-memory session storage. It mirrors the durable
// store's semantics exactly, including lazy expiry and per-session CAS
// linearization, but offers no cross-node durability.
type MemoryStore struct {
	sessions map[string]*session.Session
	byUser   map[string]map[string]struct{}
	history  map[string][]session.HistoryMessage
	mu       sync.RWMutex

	// now is swappable for tests.
	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*session.Session),
		byUser:   make(map[string]map[string]struct{}),
		history:  make(map[string][]session.HistoryMessage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test hook.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// Create persists a new session and indexes it under its user.
func (m *MemoryStore) Create(ctx context.Context, s *session.Session) error {
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return ErrAlreadyExists
	}
	m.sessions[s.ID] = s.Clone()
	ids, ok := m.byUser[s.UserID]
	if !ok {
		ids = make(map[string]struct{})
		m.byUser[s.UserID] = ids
	}
	ids[s.ID] = struct{}{}
	return nil
}

// Get returns a copy of a live session. Expired records read as absent.
func (m *MemoryStore) Get(ctx context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || s.Expired(m.now()) {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// QueryByUser joins the user's id set against the primary map. Absent
// entries indicate TTL expiry and are skipped without error.
func (m *MemoryStore) QueryByUser(ctx context.Context, userID string, opts QueryOptions) (*UserSessions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var live []*session.Session
	for id := range m.byUser[userID] {
		s, ok := m.sessions[id]
		if !ok {
			continue
		}
		if s.Expired(now) {
			if !opts.IncludeExpired {
				continue
			}
			cp := s.Clone()
			cp.Status = session.StatusExpired
			live = append(live, cp)
			continue
		}
		live = append(live, s.Clone())
	}
	return splitByRole(live, opts.perRole()), nil
}

// CASUpdate applies mutate under the store lock iff the stored summary
// version matches expectedVersion. The lock linearizes CAS per store, which
// subsumes the per-session requirement.
func (m *MemoryStore) CASUpdate(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	current, ok := m.sessions[id]
	if !ok || current.Expired(now) {
		return nil, ErrNotFound
	}
	if current.Summary.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Summary.Version = expectedVersion + 1
	next.Summary.LastUpdated = now
	next.Touch(now)
	if err := next.Validate(); err != nil {
		return nil, err
	}

	m.sessions[id] = next
	return next.Clone(), nil
}

// AppendHistory appends one message to the session's history list.
func (m *MemoryStore) AppendHistory(ctx context.Context, id string, msg session.HistoryMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	m.history[id] = append(m.history[id], msg)
	return nil
}

// ReadHistory returns up to limit of the most recent messages in
// chronological order.
func (m *MemoryStore) ReadHistory(ctx context.Context, id string, limit int) ([]session.HistoryMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.history[id]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]session.HistoryMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// PruneExpired drops expired records, their history, and their index
// membership.
func (m *MemoryStore) PruneExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	pruned := 0
	for id, s := range m.sessions {
		if !s.Expired(now) {
			continue
		}
		delete(m.sessions, id)
		delete(m.history, id)
		if ids, ok := m.byUser[s.UserID]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(m.byUser, s.UserID)
			}
		}
		pruned++
	}
	return pruned, nil
}
