// Package store provides session persistence with a compare-and-swap update
// protocol. Two implementations share one contract: a Redis-backed store for
// durability across nodes and an in-memory store used for tests, standalone
// mode, and the degraded fallback.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/parley/parley/internal/session"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when no live record exists for the id.
	// Expired records surface as absent, never as an error distinct from
	// a genuinely missing one.
	ErrNotFound = errors.New("session not found")

	// ErrVersionConflict is returned when a CAS update observed a stale
	// summary version. Callers retry with a fresh read.
	ErrVersionConflict = errors.New("summary version conflict")

	// ErrAlreadyExists is returned when creating a session whose id is
	// already present.
	ErrAlreadyExists = errors.New("session already exists")
)

// MaxPerRole caps each role list returned by QueryByUser. Requests asking
// for more are clamped, never honored.
const MaxPerRole = 10

// QueryOptions tunes QueryByUser.
type QueryOptions struct {
	// IncludeExpired surfaces records past their TTL with status expired
	// instead of filtering them. Only the in-memory store can honor this
	// fully; the durable backend drops expired keys on its own.
	IncludeExpired bool

	// MaxPerRole bounds each role list; zero or out-of-range values are
	// clamped to the package cap.
	MaxPerRole int
}

func (o QueryOptions) perRole() int {
	if o.MaxPerRole <= 0 || o.MaxPerRole > MaxPerRole {
		return MaxPerRole
	}
	return o.MaxPerRole
}

// UserSessions is the dual-identity view of one user's live sessions.
type UserSessions struct {
	// AsUser holds sessions where the user is the asker (roles user and
	// expert_as_user).
	AsUser []*session.Session

	// AsExpert holds sessions where the user answers for someone else.
	AsExpert []*session.Session

	// Total counts live sessions across both lists before per-role caps.
	Total int
}

// Mutator transforms a session copy inside a CAS update. It must not touch
// the summary version; the store increments it on the successful write.
type Mutator func(*session.Session) error

// Store is the session persistence contract.
type Store interface {
	// Create persists a new session record and indexes it by user.
	Create(ctx context.Context, s *session.Session) error

	// Get returns a copy of a live session or ErrNotFound.
	Get(ctx context.Context, id string) (*session.Session, error)

	// QueryByUser joins the user's session-id set against the primary
	// records, filters expired entries, and returns role-split lists
	// sorted by last_active_at descending.
	QueryByUser(ctx context.Context, userID string, opts QueryOptions) (*UserSessions, error)

	// CASUpdate loads the current record, verifies the summary version
	// equals expectedVersion, applies mutate to a copy, increments the
	// version by one, rewrites the TTL for the record's status, and
	// atomically replaces the stored value. Returns ErrVersionConflict
	// on a stale expectation and ErrNotFound when the record is gone.
	CASUpdate(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*session.Session, error)

	// AppendHistory appends one full-text message to the session's
	// append-only history list.
	AppendHistory(ctx context.Context, id string, msg session.HistoryMessage) error

	// ReadHistory returns up to limit of the most recent history
	// messages in chronological order.
	ReadHistory(ctx context.Context, id string, limit int) ([]session.HistoryMessage, error)

	// PruneExpired removes index entries whose records have expired.
	// Stale index membership is never an error; the sweep only reclaims
	// space.
	PruneExpired(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// sortSessions orders by last_active_at descending, breaking ties by
// created_at descending, then session id lexicographically.
func sortSessions(list []*session.Session) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.LastActiveAt.Equal(b.LastActiveAt) {
			return a.LastActiveAt.After(b.LastActiveAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// splitByRole partitions live sessions into the dual-identity lists, sorts
// each, and applies the per-role cap.
func splitByRole(sessions []*session.Session, perRole int) *UserSessions {
	out := &UserSessions{Total: len(sessions)}
	for _, s := range sessions {
		if s.Role == session.RoleExpert {
			out.AsExpert = append(out.AsExpert, s)
		} else {
			out.AsUser = append(out.AsUser, s)
		}
	}
	sortSessions(out.AsUser)
	sortSessions(out.AsExpert)
	if len(out.AsUser) > perRole {
		out.AsUser = out.AsUser[:perRole]
	}
	if len(out.AsExpert) > perRole {
		out.AsExpert = out.AsExpert[:perRole]
	}
	return out
}
