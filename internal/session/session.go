// Package session defines the semantic conversation model: a session binds
// one user, in one role, to a thread of exchanges with the agent runtime.
// Records are value copies; the store owns the canonical state and all
// mutation goes through its compare-and-swap update.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Role identifies the capacity a user holds for a session. The role is
// frozen at creation and never changes for the session's lifetime.
type Role string

const (
	// RoleUser is an asker with no expert standing.
	RoleUser Role = "user"
	// RoleExpert is a domain expert answering on behalf of another user.
	RoleExpert Role = "expert"
	// RoleExpertAsUser is an expert asking a question of their own.
	RoleExpertAsUser Role = "expert_as_user"
)

// Status is the mutable lifecycle state of a session.
type Status string

const (
	// StatusActive is a session with an ongoing exchange.
	StatusActive Status = "active"
	// StatusWaitingExpert is a session parked until an expert replies.
	StatusWaitingExpert Status = "waiting_expert"
	// StatusResolved is a terminal state reached on final satisfaction.
	StatusResolved Status = "resolved"
	// StatusExpired is surfaced lazily: an expired record reads as absent.
	StatusExpired Status = "expired"
)

// SnapshotRole identifies the author of a summary exchange snapshot.
type SnapshotRole string

const (
	SnapshotRoleUser   SnapshotRole = "user"
	SnapshotRoleAgent  SnapshotRole = "agent"
	SnapshotRoleExpert SnapshotRole = "expert"
)

// TTL policy per status. Active and waiting sessions slide on activity;
// resolved sessions keep a fixed 24-hour tail from the transition.
const (
	ActiveTTL   = 7 * 24 * time.Hour
	ResolvedTTL = 24 * time.Hour
)

// MaxKeyPoints caps the summary's key-point list; the oldest entry is
// evicted first when the cap is exceeded.
const MaxKeyPoints = 10

// SnapshotMaxLen bounds the content stored in a summary snapshot. Full
// text goes to the message-history store, not the summary.
const SnapshotMaxLen = 200

var (
	// ErrRelatedUserRequired is returned when an expert session is created
	// without the asker it serves.
	ErrRelatedUserRequired = errors.New("expert session requires a related user id")
	// ErrTimestampOrder is returned when a record violates
	// created_at <= last_active_at <= expires_at.
	ErrTimestampOrder = errors.New("session timestamps out of order")
)

// Snapshot is a truncated copy of one message, kept in the summary so the
// router can judge continuations without loading full history.
type Snapshot struct {
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
	Role      SnapshotRole `json:"role"`
}

// NewSnapshot builds a snapshot with content truncated to SnapshotMaxLen.
func NewSnapshot(content string, role SnapshotRole, at time.Time) Snapshot {
	return Snapshot{Content: Truncate(content, SnapshotMaxLen), Timestamp: at, Role: role}
}

// Summary is the rolling per-session digest mutated on every turn.
// Version increments by exactly one on each successful CAS update; the
// store rejects writes whose expected version is stale.
type Summary struct {
	OriginalQuestion string    `json:"original_question"`
	LatestExchange   *Snapshot `json:"latest_exchange,omitempty"`
	KeyPoints        []string  `json:"key_points"`
	LastUpdated      time.Time `json:"last_updated"`
	Version          int64     `json:"version"`
}

// MergeKeyPoints appends points not already present, preserving insertion
// order and evicting the oldest entries once MaxKeyPoints is exceeded.
func (s *Summary) MergeKeyPoints(points []string) {
	seen := make(map[string]struct{}, len(s.KeyPoints))
	for _, p := range s.KeyPoints {
		seen[p] = struct{}{}
	}
	for _, p := range points {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		s.KeyPoints = append(s.KeyPoints, p)
		seen[p] = struct{}{}
	}
	if len(s.KeyPoints) > MaxKeyPoints {
		s.KeyPoints = s.KeyPoints[len(s.KeyPoints)-MaxKeyPoints:]
	}
}

// RecordExchange replaces the latest-exchange snapshot.
func (s *Summary) RecordExchange(snap Snapshot) {
	s.LatestExchange = &snap
}

// Session is one semantic conversation between a user (in a role) and the
// agent. Identity fields are immutable after creation; status, summary,
// counters and tags mutate only through the store's CAS update.
type Session struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Role          Role      `json:"role"`
	Status        Status    `json:"status"`
	Summary       Summary   `json:"summary"`
	RelatedUserID string    `json:"related_user_id,omitempty"` // asker served, set iff Role == RoleExpert
	Domain        string    `json:"domain,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	ResolvedAt    time.Time `json:"resolved_at,omitempty"` // status-transition time for the resolved TTL tail
	MessageCount  int       `json:"message_count"`
	Tags          []string  `json:"tags,omitempty"`

	// FullContextKey references the append-only message-history list for
	// this session. History is keyed, never embedded.
	FullContextKey string `json:"full_context_key"`
}

// New creates an active session for a user asking question in role.
// The summary starts at version 0 with the question frozen as original.
func New(userID string, role Role, question string, now time.Time) *Session {
	id := uuid.New().String()
	return &Session{
		ID:     id,
		UserID: userID,
		Role:   role,
		Status: StatusActive,
		Summary: Summary{
			OriginalQuestion: question,
			LastUpdated:      now,
			Version:          0,
		},
		CreatedAt:      now,
		LastActiveAt:   now,
		ExpiresAt:      now.Add(ActiveTTL),
		FullContextKey: "session_history:" + id,
	}
}

// Validate checks the record invariants that every persisted session must
// satisfy.
func (s *Session) Validate() error {
	if s.Role == RoleExpert && s.RelatedUserID == "" {
		return ErrRelatedUserRequired
	}
	if s.CreatedAt.After(s.LastActiveAt) || s.LastActiveAt.After(s.ExpiresAt) {
		return ErrTimestampOrder
	}
	return nil
}

// Touch records activity at now and rewrites the expiry for the current
// status: sliding 7 days while active or waiting, fixed 24 hours from the
// resolution transition once resolved.
func (s *Session) Touch(now time.Time) {
	s.LastActiveAt = now
	switch s.Status {
	case StatusResolved:
		base := s.ResolvedAt
		if base.IsZero() {
			base = now
		}
		s.ExpiresAt = base.Add(ResolvedTTL)
	default:
		s.ExpiresAt = now.Add(ActiveTTL)
	}
}

// Resolve transitions the session to resolved at now and tightens the TTL
// to the 24-hour tail in the same value mutation, so the store's CAS write
// lands state, summary, and expiry atomically.
func (s *Session) Resolve(now time.Time) {
	s.Status = StatusResolved
	s.ResolvedAt = now
	s.LastActiveAt = now
	s.ExpiresAt = now.Add(ResolvedTTL)
}

// Expired reports whether the record's TTL has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Clone returns a deep copy so callers never alias stored state.
func (s *Session) Clone() *Session {
	cp := *s
	if s.Summary.LatestExchange != nil {
		snap := *s.Summary.LatestExchange
		cp.Summary.LatestExchange = &snap
	}
	cp.Summary.KeyPoints = append([]string(nil), s.Summary.KeyPoints...)
	cp.Tags = append([]string(nil), s.Tags...)
	return &cp
}

// Truncate shortens s to at most n runes, appending an ellipsis marker when
// content was dropped.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// HistoryMessage is one full-text entry in a session's append-only history
// list. Unlike summary snapshots, history content is never truncated.
type HistoryMessage struct {
	ID        string       `json:"id"`
	Role      SnapshotRole `json:"role"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewHistoryMessage builds a history entry with a fresh id.
func NewHistoryMessage(role SnapshotRole, content string, at time.Time) HistoryMessage {
	return HistoryMessage{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: at,
	}
}
