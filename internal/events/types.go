// Package events provides event types and utilities for the Parley event system.
package events

// Event types for agent turns
const (
	TurnStarted   = "turn.started"
	TurnCompleted = "turn.completed"
	TurnFailed    = "turn.failed"
)

// Event types for routing decisions
const (
	RoutingAudited = "routing.audited" // confidence below the audit threshold
	RoutingAlert   = "routing.alert"   // confidence below the alert threshold
)

// Event types for sessions
const (
	SessionCreated           = "session.created"
	SessionResolved          = "session.resolved"
	SummaryConflictExhausted = "summary.conflict_exhausted"
)

// Event types for store health
const (
	StoreDegraded = "store.degraded"
)

// Event types for expert mediation
const (
	ExpertContacted = "expert.contacted"
	ExpertResolved  = "expert.resolved"
	ExpertReminded  = "expert.reminded"
	ExpertTimedOut  = "expert.timed_out"
)

// Event types for FAQ capture
const (
	FAQCaptured = "faq.captured"
)

// BuildRoutingWildcardSubject creates a wildcard subscription for all routing events.
func BuildRoutingWildcardSubject() string {
	return "routing.*"
}
