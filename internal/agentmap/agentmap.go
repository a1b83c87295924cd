// Package agentmap persists the per-user link between a routed session and
// the agent runtime's own conversation id. The agent id is empty on a
// user's first turn; the runtime's terminal result allocates one, and later
// turns pass it back as a resume token.
package agentmap

import (
	"context"
	"errors"
	"time"
)

// TTL slides on every write. A user idle for this long starts a fresh
// agent-side conversation.
const TTL = 7 * 24 * time.Hour

// ErrNotFound is returned when the user has no mapping.
var ErrNotFound = errors.New("agent session mapping not found")

// Mapping links one user to the session the router is maintaining and the
// agent runtime conversation that carries its context.
type Mapping struct {
	InternalSessionID string `json:"internal_session_id" redis:"internal_session_id"`
	AgentSessionID    string `json:"agent_session_id,omitempty" redis:"agent_session_id"`
}

// Store is the mapping contract.
type Store interface {
	// Get returns the user's mapping or ErrNotFound.
	Get(ctx context.Context, userID string) (*Mapping, error)

	// Put upserts the mapping and slides its TTL.
	Put(ctx context.Context, userID string, m Mapping) error

	// Clear removes the mapping. Clearing an absent mapping is not an
	// error.
	Clear(ctx context.Context, userID string) error

	// Close releases backend resources.
	Close() error
}
