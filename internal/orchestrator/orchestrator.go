// Package orchestrator runs the per-message turn pipeline: identify the
// sender, pick or create a session, stream one agent turn, fold the outcome
// back into the session summary, and hand the reply text to the adapter.
// It is the only component that mutates session summaries and the only
// place internal errors become user-visible text.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/agent"
	"github.com/parley/parley/internal/agent/pool"
	"github.com/parley/parley/internal/agentmap"
	"github.com/parley/parley/internal/audit"
	"github.com/parley/parley/internal/channels"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/convstate"
	"github.com/parley/parley/internal/events"
	"github.com/parley/parley/internal/events/bus"
	"github.com/parley/parley/internal/faq"
	"github.com/parley/parley/internal/identity"
	"github.com/parley/parley/internal/metadata"
	"github.com/parley/parley/internal/prompts"
	"github.com/parley/parley/internal/router"
	"github.com/parley/parley/internal/session"
	"github.com/parley/parley/internal/session/store"
	"github.com/parley/parley/internal/tracing"
)

// User-visible failure strings. Adapters send these verbatim; nothing else
// in the process produces user-facing error text.
const (
	// replyEmptyStream covers an agent turn that yielded nothing usable.
	replyEmptyStream = "No response from the knowledge base, please try again later."

	// replyPoolBusy covers permit acquisition timing out.
	replyPoolBusy = "The assistant is at capacity right now. Please retry in a moment."

	// noteSummaryStall is appended to an otherwise good reply when the
	// summary write lost its version race on every retry. The answer
	// still ships; the note warns that thread context may not carry.
	noteSummaryStall = "\n\n(Sorry, this exchange could not be saved, so I may lose this thread's context.)"
)

// casBackoff is the wait schedule between summary-update retries after a
// version conflict.
var casBackoff = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}

var (
	// ErrShuttingDown is returned for turns arriving during drain.
	ErrShuttingDown = errors.New("orchestrator shutting down")

	// ErrInvalidMessage is returned for inbound messages missing a
	// sender or content.
	ErrInvalidMessage = errors.New("invalid inbound message")
)

// TurnRunner executes one agent turn under a concurrency cap. *pool.Pool
// implements it.
type TurnRunner interface {
	RunTurn(ctx context.Context, opts agent.Options, prompt string) (*agent.TurnResult, error)
}

// Sender pushes messages to users outside the request/reply path. Expert
// contacts and relays go through it. *channels.Registry implements it.
type Sender interface {
	Push(ctx context.Context, channel, userID, content string, kind channels.Kind) error
}

// Config carries the orchestrator's startup parameters.
type Config struct {
	// Agent is the option template for turns. System prompts and resume
	// ids are filled in per turn; everything else passes through.
	Agent agent.Options
}

// Deps are the collaborators the pipeline needs. Journal and FAQs are
// optional; a nil value disables that concern.
type Deps struct {
	Sessions store.Store
	Conv     convstate.Store
	AgentMap agentmap.Store
	Identity *identity.Service
	Router   *router.Router
	Turns    TurnRunner
	Journal  *audit.Journal
	FAQs     *faq.Store
	Prompts  *prompts.Pack
	Sender   Sender
	Bus      bus.EventBus
}

// Orchestrator implements channels.Handler over the full turn pipeline.
type Orchestrator struct {
	cfg      Config
	sessions store.Store
	conv     convstate.Store
	agentMap agentmap.Store
	ident    *identity.Service
	router   *router.Router
	turns    TurnRunner
	journal  *audit.Journal
	faqs     *faq.Store
	prompts  *prompts.Pack
	sender   Sender
	bus      bus.EventBus
	log      *logger.Logger
	tracer   trace.Tracer

	now func() time.Time

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

var _ channels.Handler = (*Orchestrator)(nil)

// New builds an orchestrator. All Deps except Journal and FAQs must be set.
func New(cfg Config, deps Deps, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		sessions: deps.Sessions,
		conv:     deps.Conv,
		agentMap: deps.AgentMap,
		ident:    deps.Identity,
		router:   deps.Router,
		turns:    deps.Turns,
		journal:  deps.Journal,
		faqs:     deps.FAQs,
		prompts:  deps.Prompts,
		sender:   deps.Sender,
		bus:      deps.Bus,
		log:      log.WithFields(zap.String("component", "orchestrator")),
		tracer:   tracing.Tracer("orchestrator"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the orchestrator's time source. Test hook.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Shutdown stops accepting turns and waits for in-flight ones to finish or
// the context to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain turns: %w", ctx.Err())
	}
}

// begin registers an in-flight turn unless the orchestrator is draining.
func (o *Orchestrator) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.draining {
		return false
	}
	o.inflight.Add(1)
	return true
}

// Handle runs one inbound message through the pipeline and returns the
// user-visible reply. Errors are returned only when there is nothing
// sensible to say to the user (bad input, cancellation, drain); every other
// failure is translated into reply text here.
func (o *Orchestrator) Handle(ctx context.Context, msg *channels.InboundMessage) (string, error) {
	if msg == nil || msg.User.UserID == "" || strings.TrimSpace(msg.Content) == "" {
		return "", ErrInvalidMessage
	}
	if !o.begin() {
		return "", ErrShuttingDown
	}
	defer o.inflight.Done()

	userID := msg.User.UserID
	ctx, span := o.tracer.Start(ctx, "turn", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("channel", msg.User.Channel),
	)

	log := o.log.WithFields(
		zap.String("user_id", userID),
		zap.String("channel", msg.User.Channel),
	)
	o.publish(ctx, events.TurnStarted, map[string]any{
		"user_id": userID,
		"channel": msg.User.Channel,
	})

	// Identify. A missing directory entry never blocks a turn; the
	// sender proceeds as an unknown non-expert.
	rec, known := o.ident.Lookup(userID)
	if !known {
		rec = identity.Record{UserID: userID, Name: msg.User.Name}
	}
	displayName := rec.Name
	if displayName == "" {
		displayName = userID
	}

	// Candidate sessions. A backend failure here degrades to routing
	// with no candidates rather than losing the turn.
	candidates, err := o.sessions.QueryByUser(ctx, userID, store.QueryOptions{})
	if err != nil {
		log.Error("candidate query failed, forcing a fresh session", zap.Error(err))
		candidates = nil
	}

	decision, err := o.route(ctx, log, userID, msg.Content, rec, candidates)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(
		attribute.Bool("routing.new_session", decision.IsNewSession()),
		attribute.Float64("routing.confidence", decision.Confidence),
	)

	s, err := o.materialize(ctx, log, rec, decision, msg.Content)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(
		attribute.String("session_id", s.ID),
		attribute.String("role", string(s.Role)),
	)

	// Resume token from the user's prior agent conversation, if any.
	resume := ""
	if m, err := o.agentMap.Get(ctx, userID); err == nil {
		resume = m.AgentSessionID
	} else if !errors.Is(err, agentmap.ErrNotFound) {
		log.Warn("agent session lookup failed, starting fresh", zap.Error(err))
	}

	result, err := o.runTurn(ctx, s.Role, resume, userID, displayName, msg.Content)
	if err != nil {
		span.RecordError(err)
		return o.turnFailure(ctx, log, userID, err)
	}
	span.SetAttributes(
		attribute.Int("turn.num_turns", result.NumTurns),
		attribute.Int64("turn.duration_ms", result.DurationMS),
	)
	if result.IsError {
		log.Warn("agent reported an error result",
			zap.String("session_id", s.ID),
			zap.String("result", session.Truncate(result.ResultText, 200)))
		o.publish(ctx, events.TurnFailed, map[string]any{
			"user_id":    userID,
			"session_id": s.ID,
			"error":      result.ResultText,
		})
		if text := strings.TrimSpace(result.ResultText); text != "" {
			return text, nil
		}
		return replyEmptyStream, nil
	}

	meta, cleaned := metadata.Extract(result.Text)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		cleaned = replyEmptyStream
	}

	emitted := cleaned
	updated, casErr := o.updateSummary(ctx, s, cleaned, meta)
	if casErr != nil {
		span.SetAttributes(attribute.Bool("summary.stalled", true))
		log.Error("summary update failed, delivering the reply anyway",
			zap.Error(casErr),
			zap.String("session_id", s.ID),
			zap.Int64("observed_version", s.Summary.Version))
		o.publish(ctx, events.SummaryConflictExhausted, map[string]any{
			"user_id":    userID,
			"session_id": s.ID,
		})
		emitted += noteSummaryStall
	} else {
		s = updated
	}

	o.appendHistory(ctx, log, s, msg.Content, result.Text)

	// Side-effect order within a turn: summary update, then resume-token
	// persistence, then the outbound send (performed by the adapter with
	// the returned text). Later failures never roll back earlier steps.
	if result.AgentSessionID != "" && result.AgentSessionID != resume {
		err := o.agentMap.Put(ctx, userID, agentmap.Mapping{
			InternalSessionID: s.ID,
			AgentSessionID:    result.AgentSessionID,
		})
		if err != nil {
			log.Warn("agent session mapping write failed", zap.Error(err))
		}
	}

	if meta.Resolved() && casErr == nil {
		o.publish(ctx, events.SessionResolved, map[string]any{
			"user_id":    userID,
			"session_id": s.ID,
		})
	}

	switch {
	case meta != nil && meta.ExpertRouted && s.Role != session.RoleExpert:
		o.startMediation(ctx, log, msg, s, meta)
	case s.Role == session.RoleExpert && meta.Resolved():
		o.completeMediation(ctx, log, msg, s)
	}

	o.publish(ctx, events.TurnCompleted, map[string]any{
		"user_id":     userID,
		"session_id":  s.ID,
		"duration_ms": result.DurationMS,
		"num_turns":   result.NumTurns,
		"tool_uses":   len(result.ToolUses),
	})
	return emitted, nil
}

// route picks the session decision for the message. Engine-routed decisions
// are journaled; sub-threshold confidence is additionally logged.
func (o *Orchestrator) route(ctx context.Context, log *logger.Logger, userID, content string, rec identity.Record, candidates *store.UserSessions) (router.Decision, error) {
	ctx, span := o.tracer.Start(ctx, "turn.route")
	defer span.End()

	decision, err := o.router.Route(ctx, router.Request{
		UserID:   userID,
		Message:  content,
		Identity: rec,
		Sessions: candidates,
		Now:      o.now(),
	})
	if err != nil {
		return router.Decision{}, fmt.Errorf("route message: %w", err)
	}

	routed := candidates != nil && len(candidates.AsUser)+len(candidates.AsExpert) > 0
	if routed && o.journal != nil {
		o.journal.RecordDecision(userID, content, decision)
	}
	if routed && decision.AuditRequired() {
		log.Warn("low-confidence routing decision",
			zap.String("decision", decision.Decision),
			zap.Float64("confidence", decision.Confidence),
			zap.String("reasoning", decision.Reasoning))
	}
	return decision, nil
}

// materialize loads the routed session or creates a fresh one. A routed id
// that disappeared between query and load falls back to a fresh session.
// New sessions for directory experts carry the expert-as-user role; true
// expert sessions are created only by mediation, which knows the asker.
func (o *Orchestrator) materialize(ctx context.Context, log *logger.Logger, rec identity.Record, d router.Decision, question string) (*session.Session, error) {
	if !d.IsNewSession() {
		s, err := o.sessions.Get(ctx, d.Decision)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load routed session %s: %w", d.Decision, err)
		}
		log.Warn("routed session vanished, starting fresh", zap.String("session_id", d.Decision))
	}

	role := session.RoleUser
	if rec.IsExpert {
		role = session.RoleExpertAsUser
	}
	s := session.New(rec.UserID, role, question, o.now())
	if err := o.sessions.Create(ctx, s); err != nil {
		// The turn still runs; the summary write will fail and be
		// logged, but the user gets an answer.
		log.Error("session create failed", zap.Error(err), zap.String("session_id", s.ID))
	} else {
		o.publish(ctx, events.SessionCreated, map[string]any{
			"user_id":    s.UserID,
			"session_id": s.ID,
			"role":       string(s.Role),
		})
	}
	return s, nil
}

// runTurn resolves the role's prompt preset and executes the exchange on
// the turn pool.
func (o *Orchestrator) runTurn(ctx context.Context, role session.Role, resume, userID, displayName, content string) (*agent.TurnResult, error) {
	ctx, span := o.tracer.Start(ctx, "turn.agent",
		trace.WithAttributes(attribute.Bool("resumed", resume != "")))
	defer span.End()

	preset := o.prompts.ForRole(role)
	opts := o.cfg.Agent
	opts.SystemPrompt = preset.System
	opts.AppendPrompt = preset.Append
	opts.Resume = resume
	return o.turns.RunTurn(ctx, opts, prompts.FormatUserMessage(userID, displayName, content))
}

// turnFailure translates a failed agent exchange into reply text. Only
// cancellation propagates as an error.
func (o *Orchestrator) turnFailure(ctx context.Context, log *logger.Logger, userID string, err error) (string, error) {
	o.publish(ctx, events.TurnFailed, map[string]any{
		"user_id": userID,
		"error":   err.Error(),
	})
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return "", err
	case errors.Is(err, pool.ErrPoolExhausted):
		log.Warn("turn rejected, pool exhausted", zap.Error(err))
		return replyPoolBusy, nil
	default:
		log.Error("agent turn failed", zap.Error(err))
		return replyEmptyStream, nil
	}
}

// updateSummary folds the exchange into the session record under CAS,
// retrying version conflicts on the backoff schedule. The snapshot keeps
// the agent's reply; the user's full text lives in history only. The
// mutator also lands the resolved-status transition so status, summary,
// and the tightened TTL commit in one write.
func (o *Orchestrator) updateSummary(ctx context.Context, s *session.Session, agentText string, meta *metadata.TurnMetadata) (*session.Session, error) {
	mutate := func(cur *session.Session) error {
		now := o.now()
		cur.Summary.RecordExchange(session.NewSnapshot(agentText, session.SnapshotRoleAgent, now))
		if meta != nil {
			cur.Summary.MergeKeyPoints(meta.KeyPoints)
		}
		cur.Summary.LastUpdated = now
		cur.MessageCount += 2
		if meta.Resolved() {
			cur.Resolve(now)
		} else {
			cur.Touch(now)
		}
		return nil
	}
	return o.casRetry(ctx, s.ID, s.Summary.Version, mutate)
}

// casRetry drives one mutation through the store's CAS, re-reading the
// version and backing off between conflicted attempts.
func (o *Orchestrator) casRetry(ctx context.Context, id string, expected int64, mutate store.Mutator) (*session.Session, error) {
	for attempt := 0; ; attempt++ {
		updated, err := o.sessions.CASUpdate(ctx, id, expected, mutate)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= len(casBackoff) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(casBackoff[attempt]):
		}
		cur, gerr := o.sessions.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		expected = cur.Summary.Version
	}
}

// casTransition applies a mutation to the session's current version with
// the standard retry schedule.
func (o *Orchestrator) casTransition(ctx context.Context, id string, mutate store.Mutator) (*session.Session, error) {
	cur, err := o.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.casRetry(ctx, id, cur.Summary.Version, mutate)
}

// appendHistory writes the full-fidelity exchange to the session's history
// list. Best effort: history loss is logged, never surfaced.
func (o *Orchestrator) appendHistory(ctx context.Context, log *logger.Logger, s *session.Session, userText, agentText string) {
	now := o.now()
	author := session.SnapshotRoleUser
	if s.Role == session.RoleExpert {
		author = session.SnapshotRoleExpert
	}
	for _, m := range []session.HistoryMessage{
		session.NewHistoryMessage(author, userText, now),
		session.NewHistoryMessage(session.SnapshotRoleAgent, agentText, now),
	} {
		if err := o.sessions.AppendHistory(ctx, s.ID, m); err != nil {
			log.Warn("history append failed", zap.Error(err), zap.String("session_id", s.ID))
			return
		}
	}
}

// publish emits a domain event, logging delivery failures at debug since
// events are advisory.
func (o *Orchestrator) publish(ctx context.Context, eventType string, data map[string]any) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		o.log.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}
