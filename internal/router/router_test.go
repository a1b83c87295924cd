package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/session"
	"github.com/parley/parley/internal/session/store"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

type stubEngine struct {
	decision Decision
	err      error
	calls    int
}

func (s *stubEngine) Route(ctx context.Context, req Request) (Decision, error) {
	s.calls++
	return s.decision, s.err
}

func oneCandidate() *store.UserSessions {
	return &store.UserSessions{
		AsUser: []*session.Session{
			mkSession("s1", "emp001", session.StatusActive, "expense", at(0)),
		},
		AsExpert: []*session.Session{
			mkSession("x1", "emp001", session.StatusWaitingExpert, "benefits", at(0)),
		},
	}
}

func TestRouterFastPathSkipsEngine(t *testing.T) {
	engine := &stubEngine{}
	r := New(engine, newTestLogger())

	d, err := r.Route(context.Background(), Request{UserID: "emp999", Message: "anything", Now: clock})
	require.NoError(t, err)
	assert.Equal(t, NewSession, d.Decision)
	assert.Equal(t, 1.0, d.Confidence)
	assert.Equal(t, "no history", d.Reasoning)
	assert.Empty(t, d.MatchedRole)
	assert.Zero(t, engine.calls, "the semantic judge must not run without candidates")
}

func TestRouterRejectsUnknownSession(t *testing.T) {
	engine := &stubEngine{decision: Decision{Decision: "phantom", Confidence: 0.95}}
	r := New(engine, newTestLogger())

	d, err := r.Route(context.Background(), Request{UserID: "emp001", Message: "hello again", Sessions: oneCandidate(), Now: clock})
	require.NoError(t, err)
	assert.Equal(t, NewSession, d.Decision)
	assert.Zero(t, d.Confidence)
	assert.Contains(t, d.Reasoning, "not a candidate")
}

func TestRouterForcesNewSessionBelowFloor(t *testing.T) {
	engine := &stubEngine{decision: Decision{Decision: "s1", Confidence: 0.4, Reasoning: "weak guess"}}
	r := New(engine, newTestLogger())

	d, err := r.Route(context.Background(), Request{UserID: "emp001", Message: "hello again", Sessions: oneCandidate(), Now: clock})
	require.NoError(t, err)
	assert.Equal(t, NewSession, d.Decision)
	assert.InDelta(t, 0.4, d.Confidence, 1e-9)
	assert.Contains(t, d.Reasoning, "below confidence floor")
	assert.Empty(t, d.MatchedRole)
}

func TestRouterDerivesMatchedRole(t *testing.T) {
	// The engine claims "user" for a session that lives in the expert
	// list; the derived role wins.
	engine := &stubEngine{decision: Decision{Decision: "x1", Confidence: 0.9, MatchedRole: MatchedUser}}
	r := New(engine, newTestLogger())

	d, err := r.Route(context.Background(), Request{UserID: "emp001", Message: "hello again", Sessions: oneCandidate(), Now: clock})
	require.NoError(t, err)
	assert.Equal(t, "x1", d.Decision)
	assert.Equal(t, MatchedExpert, d.MatchedRole)
}

func TestRouterClampsConfidence(t *testing.T) {
	engine := &stubEngine{decision: Decision{Decision: "s1", Confidence: 1.7}}
	r := New(engine, newTestLogger())

	d, err := r.Route(context.Background(), Request{UserID: "emp001", Message: "hello again", Sessions: oneCandidate(), Now: clock})
	require.NoError(t, err)
	assert.Equal(t, 1.0, d.Confidence)
}

func TestDecisionBands(t *testing.T) {
	assert.True(t, Decision{Confidence: 0.69}.AuditRequired())
	assert.False(t, Decision{Confidence: 0.7}.AuditRequired())
	assert.True(t, Decision{Decision: NewSession}.IsNewSession())
	assert.True(t, Decision{}.IsNewSession())
	assert.False(t, Decision{Decision: "s1"}.IsNewSession())
}
