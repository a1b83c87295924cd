// Package metadata extracts the structured block the agent embeds at the
// end of a reply. The block travels as a fenced code block tagged
// "metadata" (preferred) or "json"; it is parsed for the session summary
// and stripped from the text before anything user-visible is emitted.
package metadata

import (
	"encoding/json"
	"strings"
)

// Answer sources the agent reports.
const (
	SourceFAQ       = "FAQ"
	SourceKnowledge = "knowledge_base"
	SourceExpert    = "expert"
	SourceNone      = "none"
)

// Session status values inside the block.
const (
	StatusActive   = "active"
	StatusResolved = "resolved"
)

// TurnMetadata mirrors the fenced block's JSON object.
type TurnMetadata struct {
	KeyPoints     []string `json:"key_points"`
	AnswerSource  string   `json:"answer_source"`
	SessionStatus string   `json:"session_status"`
	Confidence    float64  `json:"confidence,omitempty"`

	// Expert mediation hints.
	ExpertRouted     bool   `json:"expert_routed,omitempty"`
	ExpertUserID     string `json:"expert_user_id,omitempty"`
	Domain           string `json:"domain,omitempty"`
	ExpertName       string `json:"expert_name,omitempty"`
	OriginalQuestion string `json:"original_question,omitempty"`
}

// Resolved reports whether the agent marked the session finished.
func (m *TurnMetadata) Resolved() bool {
	return m != nil && strings.EqualFold(m.SessionStatus, StatusResolved)
}

// Extract scans text for the first parseable fenced metadata block and
// returns it along with the text with that block removed. Fences tagged
// "metadata" are preferred over "json" wherever they appear. When no fence
// parses, the metadata is nil and the text comes back untouched.
func Extract(text string) (*TurnMetadata, string) {
	for _, tag := range []string{"metadata", "json"} {
		if meta, cleaned, ok := extractTagged(text, tag); ok {
			return meta, cleaned
		}
	}
	return nil, text
}

// extractTagged finds the first fence of the given tag whose body is a
// well-formed metadata object. Fences that fail to parse stay in the text
// and the scan continues past them.
func extractTagged(text, tag string) (*TurnMetadata, string, bool) {
	marker := "```" + tag
	off := 0
	for {
		i := strings.Index(text[off:], marker)
		if i < 0 {
			return nil, "", false
		}
		start := off + i
		rest := text[start+len(marker):]

		// The tag must end its line; "```jsonc" is not a "json" fence.
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return nil, "", false
		}
		if strings.TrimSpace(rest[:nl]) != "" {
			off = start + len(marker)
			continue
		}

		body := rest[nl+1:]
		closing := strings.Index(body, "```")
		if closing < 0 {
			return nil, "", false
		}

		var meta TurnMetadata
		if err := json.Unmarshal([]byte(strings.TrimSpace(body[:closing])), &meta); err != nil {
			off = start + len(marker)
			continue
		}
		meta.normalize()

		end := start + len(marker) + nl + 1 + closing + len("```")
		return &meta, splice(text, start, end), true
	}
}

func (m *TurnMetadata) normalize() {
	m.AnswerSource = strings.TrimSpace(m.AnswerSource)
	m.SessionStatus = strings.ToLower(strings.TrimSpace(m.SessionStatus))
	m.Domain = strings.TrimSpace(m.Domain)
	points := m.KeyPoints[:0]
	for _, p := range m.KeyPoints {
		if p = strings.TrimSpace(p); p != "" {
			points = append(points, p)
		}
	}
	m.KeyPoints = points
}

// splice removes text[start:end] and tidies the seam so the cleaned reply
// has no dangling blank lines where the block used to be.
func splice(text string, start, end int) string {
	before := strings.TrimRight(text[:start], " \t\n")
	after := strings.TrimLeft(text[end:], " \t\n")
	switch {
	case before == "":
		return after
	case after == "":
		return before
	default:
		return before + "\n\n" + after
	}
}
