// Package identity maintains a cached directory of users: display names,
// expert status, and the domains an expert answers for. The directory is
// read from an external source on a bounded cadence; lookups are lock-free
// reads of the current snapshot.
package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley/parley/internal/common/logger"
	"go.uber.org/zap"
)

// Defaults for the refresh cadence.
const (
	DefaultRefreshInterval = 5 * time.Minute
	DefaultGraceWindow     = time.Minute
)

// Record is one user's directory entry.
type Record struct {
	UserID        string   `json:"user_id" yaml:"user_id"`
	Name          string   `json:"name" yaml:"name"`
	IsExpert      bool     `json:"is_expert" yaml:"is_expert"`
	ExpertDomains []string `json:"expert_domains,omitempty" yaml:"expert_domains,omitempty"`
}

// Source loads the full directory. Implementations read an external table
// or a static file; the service owns caching and cadence.
type Source interface {
	Load(ctx context.Context) ([]Record, error)
}

// snapshot is an immutable directory view. A refresh publishes a whole new
// snapshot; readers never observe partial state.
type snapshot struct {
	records  map[string]Record
	byDomain map[string][]string // domain -> expert user ids, sorted
	loadedAt time.Time
	failedAt time.Time
}

func emptySnapshot() *snapshot {
	return &snapshot{
		records:  make(map[string]Record),
		byDomain: make(map[string][]string),
	}
}

// Service serves directory lookups from an atomically swapped snapshot.
type Service struct {
	source   Source
	interval time.Duration
	grace    time.Duration
	log      *logger.Logger

	current   atomic.Value // *snapshot
	refreshMu sync.Mutex
	now       func() time.Time
}

// NewService wires a source with its refresh cadence. Zero durations take
// the package defaults.
func NewService(source Source, interval, grace time.Duration, log *logger.Logger) *Service {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	if log == nil {
		log = logger.Default()
	}
	s := &Service{
		source:   source,
		interval: interval,
		grace:    grace,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.current.Store(emptySnapshot())
	return s
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	s.now = now
}

func (s *Service) snapshot() *snapshot {
	return s.current.Load().(*snapshot)
}

// Lookup returns the user's directory entry from the current snapshot.
func (s *Service) Lookup(userID string) (Record, bool) {
	r, ok := s.snapshot().records[userID]
	return r, ok
}

// DisplayName returns the user's name, falling back to the raw id for
// users the directory does not know.
func (s *Service) DisplayName(userID string) string {
	if r, ok := s.Lookup(userID); ok && r.Name != "" {
		return r.Name
	}
	return userID
}

// IsExpert reports whether the directory marks the user as an expert.
func (s *Service) IsExpert(userID string) bool {
	r, ok := s.Lookup(userID)
	return ok && r.IsExpert
}

// ExpertsFor returns the experts registered for domain in a stable order.
func (s *Service) ExpertsFor(domain string) []Record {
	snap := s.snapshot()
	ids := snap.byDomain[normalizeDomain(domain)]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if r, ok := snap.records[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Count returns the number of directory entries in the current snapshot.
func (s *Service) Count() int {
	return len(s.snapshot().records)
}

// LoadedAt returns when the current snapshot was read from the source.
func (s *Service) LoadedAt() time.Time {
	return s.snapshot().loadedAt
}

// Refresh reloads the directory when the cadence allows it. A successful
// load publishes a new snapshot; a failed one keeps the previous snapshot
// and backs off for the grace window. Safe for concurrent callers; only
// one refresh runs at a time.
func (s *Service) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	now := s.now()
	prev := s.snapshot()
	if !s.due(prev, now) {
		return nil
	}

	records, err := s.source.Load(ctx)
	if err != nil {
		failed := *prev
		failed.failedAt = now
		s.current.Store(&failed)
		s.log.WithError(err).Warn("identity refresh failed, keeping previous snapshot",
			zap.Int("entries", len(prev.records)))
		return fmt.Errorf("refresh identity directory: %w", err)
	}

	s.current.Store(build(records, now))
	s.log.Debug("identity directory refreshed", zap.Int("entries", len(records)))
	return nil
}

// due applies the cadence: never more often than the refresh interval, and
// after a failure not before the grace window has passed.
func (s *Service) due(prev *snapshot, now time.Time) bool {
	if !prev.failedAt.IsZero() && now.Sub(prev.failedAt) < s.grace {
		return false
	}
	if prev.loadedAt.IsZero() {
		return true
	}
	return now.Sub(prev.loadedAt) >= s.interval
}

func build(records []Record, now time.Time) *snapshot {
	snap := emptySnapshot()
	snap.loadedAt = now
	for _, r := range records {
		if r.UserID == "" {
			continue
		}
		snap.records[r.UserID] = r
		if !r.IsExpert {
			continue
		}
		for _, d := range r.ExpertDomains {
			d = normalizeDomain(d)
			if d == "" {
				continue
			}
			snap.byDomain[d] = append(snap.byDomain[d], r.UserID)
		}
	}
	for d := range snap.byDomain {
		sort.Strings(snap.byDomain[d])
	}
	return snap
}

func normalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}
