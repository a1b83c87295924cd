// Package convstate tracks per-user expert-mediation state. Each user owns
// one slot keyed <channel>:conv_state:<user>; the record moves IDLE ->
// WAITING_FOR_EXPERT when an expert is contacted and WAITING_FOR_EXPERT ->
// COMPLETED when the reply lands. A waiting record times out 24 hours after
// contact and is surfaced by the periodic scan, never silently dropped.
package convstate

import (
	"context"
	"errors"
	"time"
)

// State is the mediation phase of a user's slot.
type State string

const (
	StateIdle          State = "IDLE"
	StateWaitingExpert State = "WAITING_FOR_EXPERT"
	StateCompleted     State = "COMPLETED"
)

// Timeout is the absolute window from contact within which an expert reply
// counts. Past it the record is reported timed out.
const Timeout = 24 * time.Hour

// storageTTL keeps records in the backend long enough for the sweep to
// surface a timeout before the key is reclaimed.
const storageTTL = 48 * time.Hour

// ErrNotFound is returned when the user has no conversation-state slot.
var ErrNotFound = errors.New("conversation state not found")

// Context is one user's mediation slot.
type Context struct {
	UserID       string    `json:"user_id"`
	Channel      string    `json:"channel"`
	State        State     `json:"state"`
	UserQuestion string    `json:"user_question,omitempty"`
	Domain       string    `json:"domain,omitempty"`
	ExpertUserID string    `json:"expert_user_id,omitempty"`
	ExpertName   string    `json:"expert_name,omitempty"`
	ContactedAt  time.Time `json:"contacted_at,omitempty"`
	RemindedAt   time.Time `json:"reminded_at,omitempty"`
	ExpertReply  string    `json:"expert_reply,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TimedOut reports whether a waiting record has outlived the reply window.
func (c *Context) TimedOut(now time.Time) bool {
	return c.State == StateWaitingExpert &&
		!c.ContactedAt.IsZero() &&
		now.Sub(c.ContactedAt) >= Timeout
}

// Patch mutates a slot inside Update. The slot passed in is a copy; the
// store persists it only when the patch returns nil.
type Patch func(*Context) error

// Store is the conversation-state contract. A store instance is bound to
// one channel; keys are prefixed accordingly.
type Store interface {
	// Get returns the user's slot or ErrNotFound.
	Get(ctx context.Context, userID string) (*Context, error)

	// Update applies patch to the user's slot, creating an IDLE slot
	// first when none exists, and persists the result.
	Update(ctx context.Context, userID string, patch Patch) (*Context, error)

	// ScanWaiting returns every record in WAITING_FOR_EXPERT, including
	// ones already past the reply window. Callers classify them.
	ScanWaiting(ctx context.Context) ([]*Context, error)

	// FindPendingForExpert returns the waiting record addressed to the
	// expert that has been waiting longest, or ErrNotFound.
	FindPendingForExpert(ctx context.Context, expertUserID string) (*Context, error)

	// Clear removes the user's slot. Clearing an absent slot is not an
	// error.
	Clear(ctx context.Context, userID string) error

	// Close releases backend resources.
	Close() error
}

// oldestWaiting picks the record with the earliest contact time.
func oldestWaiting(records []*Context, expertUserID string) *Context {
	var best *Context
	for _, r := range records {
		if r.ExpertUserID != expertUserID {
			continue
		}
		if best == nil || r.ContactedAt.Before(best.ContactedAt) {
			best = r
		}
	}
	return best
}
