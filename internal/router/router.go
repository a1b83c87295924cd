// Package router decides whether an inbound message continues one of the
// user's live sessions or starts a new one. Two engines implement the same
// decision rules: the default delegates to the agent runtime under a
// routing prompt, the rules engine applies them deterministically when no
// runtime is configured.
package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/identity"
	"github.com/parley/parley/internal/session"
	"github.com/parley/parley/internal/session/store"
)

// Request carries everything an engine may consider for one decision.
// Candidate lists arrive sorted by last_active_at descending, the order
// the session store returns them in.
type Request struct {
	UserID   string
	Message  string
	Identity identity.Record
	Sessions *store.UserSessions
	Now      time.Time
}

// candidates flattens both lists preserving their origin role.
func (r Request) candidates() []candidate {
	if r.Sessions == nil {
		return nil
	}
	out := make([]candidate, 0, len(r.Sessions.AsUser)+len(r.Sessions.AsExpert))
	for _, s := range r.Sessions.AsUser {
		out = append(out, candidate{s, MatchedUser})
	}
	for _, s := range r.Sessions.AsExpert {
		out = append(out, candidate{s, MatchedExpert})
	}
	return out
}

func (r Request) empty() bool {
	return r.Sessions == nil || (len(r.Sessions.AsUser) == 0 && len(r.Sessions.AsExpert) == 0)
}

type candidate struct {
	session *session.Session
	role    string
}

// Engine produces a raw decision for a non-empty candidate set. Engines
// return an error only when the context is done; routing failures degrade
// to NEW_SESSION decisions instead.
type Engine interface {
	Route(ctx context.Context, req Request) (Decision, error)
}

// Router wraps an engine with the fast path and decision sanitation shared
// by all engines.
type Router struct {
	engine Engine
	log    *logger.Logger
}

// New builds a router over the given engine.
func New(engine Engine, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{engine: engine, log: log.WithFields(zap.String("component", "router"))}
}

// Route decides where req.Message belongs. With no candidates the decision
// is NEW_SESSION at full confidence and the engine is never consulted.
func (r *Router) Route(ctx context.Context, req Request) (Decision, error) {
	if req.empty() {
		return Decision{Decision: NewSession, Confidence: 1.0, Reasoning: "no history"}, nil
	}

	d, err := r.engine.Route(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	d = sanitize(d, req)

	if d.AuditRequired() {
		r.log.Warn("low-confidence routing decision",
			zap.String("user_id", req.UserID),
			zap.String("decision", d.Decision),
			zap.Float64("confidence", d.Confidence),
			zap.String("reasoning", d.Reasoning))
	}
	return d, nil
}

// sanitize clamps the confidence, verifies the decision names a real
// candidate, derives the matched role from the list the candidate actually
// sits in, and forces NEW_SESSION below the confidence floor.
func sanitize(d Decision, req Request) Decision {
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}

	if d.IsNewSession() {
		d.Decision = NewSession
		d.MatchedRole = ""
		return d
	}

	role := ""
	for _, c := range req.candidates() {
		if c.session.ID == d.Decision {
			role = c.role
			break
		}
	}
	if role == "" {
		return Decision{
			Decision:   NewSession,
			Confidence: 0,
			Reasoning:  fmt.Sprintf("router error: decision %q is not a candidate", d.Decision),
		}
	}
	d.MatchedRole = role

	if d.Confidence < ConfidenceFloor {
		return Decision{
			Decision:   NewSession,
			Confidence: d.Confidence,
			Reasoning:  d.Reasoning + " (below confidence floor)",
		}
	}
	return d
}
