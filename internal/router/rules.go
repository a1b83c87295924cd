package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/parley/parley/internal/session"
)

// RulesEngine applies the routing decision rules deterministically. It is
// the stand-in when no agent runtime is configured and the reference for
// the routing scenarios; scoring is plain token overlap, so it is only as
// good as the language it sees.
type RulesEngine struct{}

// NewRulesEngine builds the deterministic engine.
func NewRulesEngine() *RulesEngine { return &RulesEngine{} }

const (
	// staleCutoff ends time-first matching: when every candidate has
	// been idle longer than this, a short reply starts a new session.
	staleCutoff = 72 * time.Hour

	// weakenCutoff weakens a time-first match when the newest candidate
	// has been idle longer than this.
	weakenCutoff = 2 * time.Hour
)

type messageKind int

const (
	kindFuzzy messageKind = iota
	kindTopical
	kindAnswer
)

// Route classifies the message and matches it time-first (fuzzy replies)
// or semantic-first (topical messages). Answer-shaped messages from a user
// with pending expert sessions are restricted to those sessions.
func (e *RulesEngine) Route(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	cands := req.candidates()
	if len(cands) == 0 {
		return Decision{Decision: NewSession, Confidence: 1.0, Reasoning: "no history"}, nil
	}

	kind := classify(req.Message)

	if kind == kindAnswer {
		if waiting := waitingExpert(cands); len(waiting) > 0 {
			return routeTopical(req.Message, waiting, true), nil
		}
	}

	if kind == kindFuzzy {
		return routeFuzzy(req, cands), nil
	}
	return routeTopical(req.Message, cands, false), nil
}

// routeFuzzy matches a short or sentiment reply to the most recently
// active candidate.
func routeFuzzy(req Request, cands []candidate) Decision {
	ordered := orderByPrecedence(cands)
	newest := ordered[0]

	idle := req.Now.Sub(newest.session.LastActiveAt)
	if idle > staleCutoff {
		return Decision{
			Decision:   NewSession,
			Confidence: 0.9,
			Reasoning:  "short reply but every candidate has been idle beyond 72 hours",
		}
	}

	conf := 0.8
	reason := "short reply continues the most recent session"
	if idle > weakenCutoff {
		conf = 0.6
		reason = "short reply; the most recent session is over two hours stale"
	}
	return Decision{
		Decision:    newest.session.ID,
		Confidence:  conf,
		Reasoning:   reason,
		MatchedRole: newest.role,
	}
}

// routeTopical picks the strongest token-overlap match regardless of
// recency, breaking ties by recency. restricted marks the expert-answer
// path, where a pending session is preferred over opening a new one even
// without overlap.
func routeTopical(message string, cands []candidate, restricted bool) Decision {
	msgTokens := tokenize(message)

	var best candidate
	bestScore := 0.0
	for _, c := range orderByPrecedence(cands) {
		score := overlapScore(msgTokens, c.session)
		if score > bestScore {
			best, bestScore = c, score
		}
	}

	if bestScore == 0 {
		if restricted {
			// An answer with no lexical anchor still belongs to the
			// pending set; take the most recent and flag it weak.
			newest := orderByPrecedence(cands)[0]
			return Decision{
				Decision:    newest.session.ID,
				Confidence:  0.6,
				Reasoning:   "answer-shaped reply with pending expert sessions but no topical anchor",
				MatchedRole: newest.role,
			}
		}
		return Decision{
			Decision:   NewSession,
			Confidence: 0.85,
			Reasoning:  "no candidate covers this topic",
		}
	}

	return Decision{
		Decision:    best.session.ID,
		Confidence:  0.6 + 0.35*bestScore,
		Reasoning:   fmt.Sprintf("topical match on %q", best.session.Summary.OriginalQuestion),
		MatchedRole: best.role,
	}
}

// orderByPrecedence sorts newest first; on equal activity an active
// session beats a waiting one, then ids keep the order stable.
func orderByPrecedence(cands []candidate) []candidate {
	ordered := append([]candidate(nil), cands...)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].session, ordered[j].session
		if !a.LastActiveAt.Equal(b.LastActiveAt) {
			return a.LastActiveAt.After(b.LastActiveAt)
		}
		if (a.Status == session.StatusActive) != (b.Status == session.StatusActive) {
			return a.Status == session.StatusActive
		}
		return a.ID < b.ID
	})
	return ordered
}

func waitingExpert(cands []candidate) []candidate {
	var waiting []candidate
	for _, c := range cands {
		if c.role == MatchedExpert && c.session.Status == session.StatusWaitingExpert {
			waiting = append(waiting, c)
		}
	}
	return waiting
}

// classify buckets a message per the decision rules: fuzzy replies are
// short or pure confirmation/sentiment tokens; answer-shaped messages
// assert or direct rather than ask; everything else is topical.
func classify(msg string) messageKind {
	trimmed := strings.TrimSpace(msg)
	if utf8.RuneCountInString(trimmed) < 10 || isConfirmation(trimmed) {
		return kindFuzzy
	}
	if isAnswerShaped(trimmed) {
		return kindAnswer
	}
	return kindTopical
}

var confirmations = map[string]struct{}{
	"ok": {}, "okay": {}, "k": {}, "kk": {},
	"yes": {}, "no": {}, "yep": {}, "nope": {}, "sure": {},
	"thanks": {}, "thank you": {}, "thx": {}, "ty": {},
	"got it": {}, "understood": {}, "noted": {}, "roger": {},
	"great": {}, "good": {}, "nice": {}, "fine": {}, "cool": {},
	"perfect": {}, "clear": {}, "satisfied": {}, "done": {},
	"that works": {}, "sounds good": {}, "all good": {},
}

func isConfirmation(msg string) bool {
	norm := strings.ToLower(strings.TrimRight(msg, " \t!.?,;"))
	_, ok := confirmations[norm]
	return ok
}

var questionLeads = []string{
	"how", "what", "when", "where", "who", "why", "which",
	"can", "could", "do", "does", "did", "is", "are", "should", "would",
}

var assertionMarkers = []string{
	"bring", "must ", "should ", "need to", "needs to", "required",
	"use ", "go to", "submit", "attach", "follow", "make sure",
}

func isAnswerShaped(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.ContainsAny(msg, "?？") {
		return false
	}
	first := lower
	if i := strings.IndexFunc(lower, unicode.IsSpace); i > 0 {
		first = lower[:i]
	}
	for _, lead := range questionLeads {
		if first == lead {
			return false
		}
	}
	if strings.Contains(msg, ":") || strings.Contains(msg, "：") {
		return true
	}
	for _, marker := range assertionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "to": {}, "in": {}, "on": {}, "at": {},
	"for": {}, "with": {}, "and": {}, "or": {}, "be": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "do": {}, "does": {}, "did": {}, "have": {}, "has": {},
	"how": {}, "many": {}, "much": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "why": {}, "which": {}, "must": {}, "should": {}, "can": {},
	"could": {}, "will": {}, "would": {}, "may": {}, "i": {}, "you": {},
	"my": {}, "your": {}, "we": {}, "our": {}, "it": {}, "its": {},
	"this": {}, "that": {}, "me": {}, "by": {}, "from": {}, "as": {},
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, stop := stopwords[f]; stop {
			continue
		}
		tokens[f] = struct{}{}
	}
	return tokens
}

// overlapScore is the fraction of the candidate's vocabulary present in
// the message, over the original question, key points, and the latest
// exchange snapshot.
func overlapScore(msgTokens map[string]struct{}, s *session.Session) float64 {
	parts := []string{s.Summary.OriginalQuestion}
	parts = append(parts, s.Summary.KeyPoints...)
	if s.Summary.LatestExchange != nil {
		parts = append(parts, s.Summary.LatestExchange.Content)
	}
	candTokens := tokenize(strings.Join(parts, " "))
	if len(candTokens) == 0 || len(msgTokens) == 0 {
		return 0
	}
	overlap := 0
	for tok := range candTokens {
		if _, ok := msgTokens[tok]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(candTokens))
}
