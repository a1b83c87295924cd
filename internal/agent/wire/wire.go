// Package wire defines the agent runtime's newline-delimited stream-json
// protocol. The runtime CLI emits one JSON object per stdout line; the
// message type determines which fields are populated.
package wire

import "encoding/json"

// Message types from the runtime CLI.
const (
	// TypeSystem is the initial system message with session info.
	TypeSystem = "system"
	// TypeAssistant contains content blocks from the assistant.
	TypeAssistant = "assistant"
	// TypeResult is the terminal message closing a turn.
	TypeResult = "result"
	// TypeUser is a user message (prompt) written to stdin.
	TypeUser = "user"
)

// Content block types inside assistant messages.
const (
	BlockText     = "text"
	BlockThinking = "thinking"
	BlockToolUse  = "tool_use"
)

// Result subtypes.
const (
	ResultSuccess      = "success"
	ResultErrorDuring  = "error_during_execution"
	ResultErrorMaxTurn = "error_max_turns"
)

// Message represents one line from the runtime CLI stdout.
type Message struct {
	// Type is the message type (system, assistant, result).
	Type string `json:"type"`

	// For system messages
	SessionID string   `json:"session_id,omitempty"`
	Subtype   string   `json:"subtype,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	// For assistant messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For result messages.
	// Result carries the final text on success and an error string
	// otherwise; both decode from the same field.
	Result        json.RawMessage `json:"result,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	DurationAPIMS int64           `json:"duration_api_ms,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`
	CostUSD       float64         `json:"total_cost_usd,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`
}

// AssistantMessage contains the assistant's response content.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ResultText decodes the Result field. It is usually a bare JSON string;
// some runtime builds wrap it as {"text": ...} instead, so both forms are
// accepted.
func (m *Message) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Result, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// UserMessage is written to the runtime's stdin to provide a prompt.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// NewUserMessage wraps content in the stream-json envelope.
func NewUserMessage(content string) *UserMessage {
	return &UserMessage{
		Type: TypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
}

// Tool names accepted by the knowledge-base runtime whitelist.
const (
	ToolRead      = "Read"
	ToolGrep      = "Grep"
	ToolGlob      = "Glob"
	ToolWrite     = "Write"
	ToolBash      = "Bash"
	ToolWebSearch = "WebSearch"
)
