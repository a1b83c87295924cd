package router

// NewSession is the sentinel decision meaning no candidate continues this
// message; the orchestrator creates a fresh session.
const NewSession = "NEW_SESSION"

// Matched-role values. Empty means absent (a NEW_SESSION decision).
const (
	MatchedUser   = "user"
	MatchedExpert = "expert"
)

// Confidence bands. Decisions below the audit threshold are journaled;
// decisions below the floor are forced to NEW_SESSION.
const (
	ConfidenceFloor = 0.5
	AuditThreshold  = 0.7
)

// Decision is the router's verdict for one inbound message.
type Decision struct {
	// Decision is a candidate session id or the NewSession sentinel.
	Decision string `json:"decision"`

	// Confidence is the router's own estimate in [0,1].
	Confidence float64 `json:"confidence"`

	// Reasoning is a short human-readable justification, kept for the
	// audit journal.
	Reasoning string `json:"reasoning"`

	// MatchedRole says which identity list the decision came from:
	// "user", "expert", or empty for NEW_SESSION.
	MatchedRole string `json:"matched_role,omitempty"`
}

// IsNewSession reports whether the decision is the fresh-session sentinel.
func (d Decision) IsNewSession() bool {
	return d.Decision == NewSession || d.Decision == ""
}

// AuditRequired reports whether the decision falls below the audit band.
func (d Decision) AuditRequired() bool {
	return d.Confidence < AuditThreshold
}
