package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/parley/parley/internal/agent/wire"
	"github.com/parley/parley/internal/metadata"
	"github.com/parley/parley/internal/session"
)

// respond scripts one turn: system message first, then the scenario the
// message asks for, then the terminal result.
func respond(enc *json.Encoder, st *state, content string) {
	started := time.Now()
	emitSystem(enc, st)

	if decision, ok := routeDecision(content); ok {
		emitText(enc, st, decision)
		emitResult(enc, st, wire.ResultSuccess, false, "routing decision emitted", started)
		return
	}

	body := messageBody(content)
	cmd, arg := splitCommand(body)

	switch cmd {
	case "/error":
		emitText(enc, st, "Simulating a runtime failure...")
		emitResult(enc, st, wire.ResultErrorDuring, true, "mock runtime: scripted failure", started)
		return

	case "/exhaust":
		emitText(enc, st, "Spinning on the problem without converging...")
		emitResult(enc, st, wire.ResultErrorMaxTurn, true, "mock runtime: turn limit reached", started)
		return

	case "/think":
		emitAssistant(enc, st, wire.ContentBlock{
			Type:     wire.BlockThinking,
			Thinking: "Let me work out what the question actually needs before answering.",
		})
		emitText(enc, st, cannedAnswer(arg))

	case "/tools":
		emitToolCalls(enc, st)
		emitText(enc, st, cannedAnswer(arg))

	case "/resolve":
		text := arg
		if text == "" {
			text = "Consider it settled."
		}
		m := activeMeta(text)
		m.SessionStatus = metadata.StatusResolved
		emitText(enc, st, text+"\n\n"+metaFence(m))

	case "/expert":
		domain, question := splitWord(arg)
		if domain == "" {
			emitText(enc, st, "Usage: /expert <domain> [question]")
			break
		}
		if question == "" {
			question = "escalated without a restated question"
		}
		m := metadata.TurnMetadata{
			KeyPoints:        []string{session.Truncate(question, 80)},
			AnswerSource:     metadata.SourceNone,
			SessionStatus:    metadata.StatusActive,
			Confidence:       0.3,
			ExpertRouted:     true,
			Domain:           domain,
			OriginalQuestion: question,
		}
		emitText(enc, st, fmt.Sprintf(
			"The knowledge base has nothing on this. Passing your question to the %s expert.\n\n%s",
			domain, metaFence(m)))

	case "/slow":
		delay := 5 * time.Second
		question := arg
		if word, rest := splitWord(arg); word != "" {
			if d, err := time.ParseDuration(word); err == nil && d > 0 {
				delay = d
				question = rest
			}
		}
		time.Sleep(delay)
		emitText(enc, st, cannedAnswer(question))

	default:
		if strings.HasPrefix(body, "/") {
			emitText(enc, st, "Unknown command: "+cmd+
				". Available: /error, /exhaust, /think, /tools, /resolve, /expert, /slow.")
			break
		}
		emitText(enc, st, cannedAnswer(body))
	}

	emitResult(enc, st, wire.ResultSuccess, false, "turn complete", started)
}

// emitSystem opens the turn with the init message carrying the session id
// the service stores as its resume token.
func emitSystem(enc *json.Encoder, st *state) {
	_ = enc.Encode(wire.Message{
		Type:      wire.TypeSystem,
		Subtype:   "init",
		SessionID: st.sessionID,
		Model:     st.model,
		Tools:     st.allowed,
	})
}

func emitAssistant(enc *json.Encoder, st *state, blocks ...wire.ContentBlock) {
	_ = enc.Encode(wire.Message{
		Type: wire.TypeAssistant,
		Message: &wire.AssistantMessage{
			Role:    "assistant",
			Content: blocks,
			Model:   st.model,
		},
	})
}

func emitText(enc *json.Encoder, st *state, text string) {
	emitAssistant(enc, st, wire.ContentBlock{Type: wire.BlockText, Text: text})
}

func emitResult(enc *json.Encoder, st *state, subtype string, isError bool, payload string, started time.Time) {
	raw, _ := json.Marshal(payload)
	elapsed := time.Since(started).Milliseconds()
	_ = enc.Encode(wire.Message{
		Type:          wire.TypeResult,
		Subtype:       subtype,
		SessionID:     st.sessionID,
		Result:        raw,
		DurationMS:    elapsed,
		DurationAPIMS: elapsed,
		IsError:       isError,
		NumTurns:      1,
		CostUSD:       0.0042,
		Usage:         &wire.Usage{InputTokens: 1500, OutputTokens: 500},
	})
}

// toolCatalog is one plausible invocation per tool the runtime knows.
// /tools emits the whitelisted subset.
var toolCatalog = []wire.ContentBlock{
	{Type: wire.BlockToolUse, Name: wire.ToolRead, Input: map[string]any{"file_path": "faq.md"}},
	{Type: wire.BlockToolUse, Name: wire.ToolGrep, Input: map[string]any{"pattern": "expense", "path": "."}},
	{Type: wire.BlockToolUse, Name: wire.ToolGlob, Input: map[string]any{"pattern": "**/*.md"}},
	{Type: wire.BlockToolUse, Name: wire.ToolWrite, Input: map[string]any{"file_path": "notes/draft.md", "content": "# Draft"}},
	{Type: wire.BlockToolUse, Name: wire.ToolBash, Input: map[string]any{"command": "ls"}},
	{Type: wire.BlockToolUse, Name: wire.ToolWebSearch, Input: map[string]any{"query": "expense policy 2025"}},
}

func emitToolCalls(enc *json.Encoder, st *state) {
	n := 0
	for _, block := range toolCatalog {
		if !st.allows(block.Name) {
			continue
		}
		block.ID = fmt.Sprintf("toolu_mock_%02d", n)
		n++
		emitAssistant(enc, st, block)
	}
}

// cannedAnswer is the default reply: it quotes the question and carries an
// active metadata block so the session summary pipeline has something to
// record.
func cannedAnswer(question string) string {
	quoted := session.Truncate(question, 120)
	if quoted == "" {
		quoted = "(empty message)"
	}
	return fmt.Sprintf(
		"Here is what the knowledge base has on that:\n\n> %s\n\nThis is a scripted reply from the mock runtime.\n\n%s",
		quoted, metaFence(activeMeta(question)))
}

func activeMeta(question string) metadata.TurnMetadata {
	m := metadata.TurnMetadata{
		AnswerSource:  metadata.SourceKnowledge,
		SessionStatus: metadata.StatusActive,
		Confidence:    0.9,
	}
	if q := session.Truncate(question, 80); q != "" {
		m.KeyPoints = []string{q}
	}
	return m
}

// metaFence renders the fenced block the service extracts for the session
// summary.
func metaFence(m metadata.TurnMetadata) string {
	raw, _ := json.Marshal(m)
	return "```metadata\n" + string(raw) + "\n```"
}

// mockDecision mirrors the JSON verdict the routing preset asks for.
type mockDecision struct {
	Decision    string  `json:"decision"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
	MatchedRole string  `json:"matched_role,omitempty"`
}

// routeDecision recognizes and answers routing turns. Chat turns open with
// a bracketed identity header; routing turns are a bare JSON object
// carrying candidate lists.
func routeDecision(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return "", false
	}
	var p struct {
		Message string `json:"message"`
		User    struct {
			IsExpert bool `json:"is_expert"`
		} `json:"user"`
		AsUser []struct {
			SessionID string `json:"session_id"`
		} `json:"as_user_candidates"`
		AsExpert []struct {
			SessionID string `json:"session_id"`
		} `json:"as_expert_candidates"`
	}
	if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
		return "", false
	}
	if p.AsUser == nil && p.AsExpert == nil {
		return "", false
	}

	var d mockDecision
	switch {
	case strings.Contains(strings.ToLower(p.Message), "new topic"):
		d = mockDecision{Decision: "NEW_SESSION", Confidence: 1, Reasoning: "message asks for a new topic"}
	case p.User.IsExpert && len(p.AsExpert) > 0:
		d = mockDecision{Decision: p.AsExpert[0].SessionID, Confidence: 0.95, Reasoning: "expert continues their newest assignment", MatchedRole: "expert"}
	case len(p.AsUser) > 0:
		d = mockDecision{Decision: p.AsUser[0].SessionID, Confidence: 0.9, Reasoning: "newest session continues", MatchedRole: "user"}
	default:
		d = mockDecision{Decision: "NEW_SESSION", Confidence: 1, Reasoning: "no candidates"}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// messageBody strips the identity header the service prepends to chat
// turns, leaving what the person actually typed.
func messageBody(content string) string {
	if strings.HasPrefix(content, "[user_id: ") {
		if i := strings.IndexByte(content, '\n'); i >= 0 {
			return strings.TrimSpace(content[i+1:])
		}
	}
	return strings.TrimSpace(content)
}

// splitCommand separates a leading slash command from its argument. A body
// without a leading slash is all argument.
func splitCommand(body string) (cmd, arg string) {
	if !strings.HasPrefix(body, "/") {
		return "", body
	}
	if i := strings.IndexByte(body, ' '); i > 0 {
		return strings.ToLower(body[:i]), strings.TrimSpace(body[i+1:])
	}
	return strings.ToLower(body), ""
}

// splitWord peels the first word off s.
func splitWord(s string) (word, rest string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}
