package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBlock = "```metadata\n" +
	`{"key_points":["sick leave","medical certificate"],"answer_source":"knowledge_base","session_status":"active","confidence":0.9}` +
	"\n```"

func TestExtractMetadataFence(t *testing.T) {
	text := "You can request sick leave through the portal.\n\n" + sampleBlock + "\n"

	meta, cleaned := Extract(text)
	require.NotNil(t, meta)
	assert.Equal(t, []string{"sick leave", "medical certificate"}, meta.KeyPoints)
	assert.Equal(t, SourceKnowledge, meta.AnswerSource)
	assert.Equal(t, StatusActive, meta.SessionStatus)
	assert.InDelta(t, 0.9, meta.Confidence, 1e-9)
	assert.False(t, meta.Resolved())

	assert.Equal(t, "You can request sick leave through the portal.", cleaned)
	assert.NotContains(t, cleaned, "```")
}

func TestExtractPrefersMetadataOverJSON(t *testing.T) {
	text := "```json\n{\"answer_source\":\"FAQ\",\"session_status\":\"active\"}\n```\n" +
		"Some answer.\n" +
		"```metadata\n{\"answer_source\":\"expert\",\"session_status\":\"resolved\"}\n```"

	meta, cleaned := Extract(text)
	require.NotNil(t, meta)
	assert.Equal(t, SourceExpert, meta.AnswerSource)
	assert.True(t, meta.Resolved())

	// Only the metadata fence is stripped; the json one stays.
	assert.Contains(t, cleaned, "```json")
	assert.NotContains(t, cleaned, "```metadata")
}

func TestExtractJSONFallback(t *testing.T) {
	text := "Answer body.\n```json\n{\"key_points\":[\"vpn\"],\"answer_source\":\"FAQ\",\"session_status\":\"resolved\"}\n```"

	meta, cleaned := Extract(text)
	require.NotNil(t, meta)
	assert.Equal(t, SourceFAQ, meta.AnswerSource)
	assert.True(t, meta.Resolved())
	assert.Equal(t, "Answer body.", cleaned)
}

func TestExtractMalformedLeavesTextIntact(t *testing.T) {
	text := "Answer.\n```metadata\n{not valid json\n```\n"

	meta, cleaned := Extract(text)
	assert.Nil(t, meta)
	assert.Equal(t, text, cleaned)
}

func TestExtractSkipsMalformedFence(t *testing.T) {
	text := "```metadata\n{broken\n```\n" +
		"Real answer.\n" +
		"```metadata\n{\"answer_source\":\"none\",\"session_status\":\"active\"}\n```"

	meta, cleaned := Extract(text)
	require.NotNil(t, meta)
	assert.Equal(t, SourceNone, meta.AnswerSource)

	// The unparseable fence stays where it was.
	assert.Contains(t, cleaned, "{broken")
	assert.Contains(t, cleaned, "Real answer.")
	assert.NotContains(t, cleaned, "answer_source")
}

func TestExtractNoFence(t *testing.T) {
	text := "Just a plain reply with no block."
	meta, cleaned := Extract(text)
	assert.Nil(t, meta)
	assert.Equal(t, text, cleaned)
}

func TestExtractUnterminatedFence(t *testing.T) {
	text := "Reply.\n```metadata\n{\"session_status\":\"active\"}"
	meta, cleaned := Extract(text)
	assert.Nil(t, meta)
	assert.Equal(t, text, cleaned)
}

func TestExtractIgnoresOtherTags(t *testing.T) {
	text := "Reply.\n```jsonc\n{\"session_status\":\"active\"}\n```"
	meta, cleaned := Extract(text)
	assert.Nil(t, meta)
	assert.Equal(t, text, cleaned)
}

func TestExtractMidTextSeam(t *testing.T) {
	text := "Before.\n\n" + sampleBlock + "\n\nAfter."
	meta, cleaned := Extract(text)
	require.NotNil(t, meta)
	assert.Equal(t, "Before.\n\nAfter.", cleaned)
}

func TestNormalizeTidiesFields(t *testing.T) {
	text := "```metadata\n{\"key_points\":[\" vpn \",\"\",\"mfa\"],\"answer_source\":\" FAQ \",\"session_status\":\"RESOLVED\"}\n```"

	meta, _ := Extract(text)
	require.NotNil(t, meta)
	assert.Equal(t, []string{"vpn", "mfa"}, meta.KeyPoints)
	assert.Equal(t, SourceFAQ, meta.AnswerSource)
	assert.True(t, meta.Resolved())
}

func TestResolvedNilReceiver(t *testing.T) {
	var meta *TurnMetadata
	assert.False(t, meta.Resolved())
}
