package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/parley/parley/internal/agent/wire"
	"github.com/parley/parley/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// newStreamClient wires a client to canned stdout without a subprocess.
func newStreamClient(stdout string) (*Client, *bytes.Buffer) {
	var stdin bytes.Buffer
	c := NewClient(Options{}, newTestLogger())
	c.stdin = nopWriteCloser{&stdin}
	c.stdout = strings.NewReader(stdout)
	return c, &stdin
}

func TestClient_RunAccumulatesTurn(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"agent-abc","model":"claude","tools":["Read","Grep"]}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"The deployment "}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"Read","input":{"file_path":"runbook.md"}},{"type":"text","text":"needs a rollback."}]}}`,
		`{"type":"result","subtype":"success","session_id":"agent-abc","result":"done","duration_ms":1500,"num_turns":2,"is_error":false,"usage":{"input_tokens":10,"output_tokens":20}}`,
	}, "\n")

	client, stdin := newStreamClient(stream)
	result, err := client.Run(context.Background(), "how do I roll back?")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Text != "The deployment needs a rollback." {
		t.Errorf("Text = %q, want concatenated assistant text", result.Text)
	}
	if result.AgentSessionID != "agent-abc" {
		t.Errorf("AgentSessionID = %q, want %q", result.AgentSessionID, "agent-abc")
	}
	if result.NumTurns != 2 {
		t.Errorf("NumTurns = %d, want 2", result.NumTurns)
	}
	if result.DurationMS != 1500 {
		t.Errorf("DurationMS = %d, want 1500", result.DurationMS)
	}
	if result.IsError {
		t.Error("IsError = true, want false")
	}
	if len(result.ToolUses) != 1 || result.ToolUses[0].Name != wire.ToolRead {
		t.Errorf("ToolUses = %+v, want one Read invocation", result.ToolUses)
	}
	if result.Usage == nil || result.Usage.OutputTokens != 20 {
		t.Errorf("Usage = %+v, want output_tokens=20", result.Usage)
	}

	// The prompt must have been written as a stream-json user envelope.
	var sent wire.UserMessage
	if err := json.Unmarshal(bytes.TrimSpace(stdin.Bytes()), &sent); err != nil {
		t.Fatalf("failed to parse sent prompt: %v", err)
	}
	if sent.Type != wire.TypeUser {
		t.Errorf("sent Type = %q, want %q", sent.Type, wire.TypeUser)
	}
	if sent.Message.Content != "how do I roll back?" {
		t.Errorf("sent Content = %q", sent.Message.Content)
	}
}

func TestClient_RunErrorResult(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"agent-err"}`,
		`{"type":"result","subtype":"error_during_execution","session_id":"agent-err","result":"rate limited","is_error":true,"num_turns":1}`,
	}, "\n")

	client, _ := newStreamClient(stream)
	result, err := client.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !result.IsError {
		t.Error("IsError = false, want true")
	}
	if result.ResultText != "rate limited" {
		t.Errorf("ResultText = %q, want %q", result.ResultText, "rate limited")
	}
	if result.Text != "" {
		t.Errorf("Text = %q, want empty on error result", result.Text)
	}
}

func TestClient_RunFallsBackToResultText(t *testing.T) {
	// No assistant text blocks; the terminal result carries the reply.
	stream := `{"type":"result","subtype":"success","session_id":"agent-x","result":"short answer","is_error":false,"num_turns":1}`

	client, _ := newStreamClient(stream)
	result, err := client.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Text != "short answer" {
		t.Errorf("Text = %q, want result payload fallback", result.Text)
	}
}

func TestClient_RunSkipsMalformedLines(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"system","session_id":"agent-ok"}`,
		`this is not json`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"fine"}]}}`,
		`{"type":"result","subtype":"success","result":"fine","is_error":false}`,
	}, "\n")

	client, _ := newStreamClient(stream)
	result, err := client.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Text != "fine" {
		t.Errorf("Text = %q, want %q", result.Text, "fine")
	}
	if result.AgentSessionID != "agent-ok" {
		t.Errorf("AgentSessionID = %q, want %q", result.AgentSessionID, "agent-ok")
	}
}

func TestClient_RunEmptyStream(t *testing.T) {
	client, _ := newStreamClient("")
	_, err := client.Run(context.Background(), "hi")
	if !errors.Is(err, ErrEmptyTurn) {
		t.Errorf("Run() error = %v, want ErrEmptyTurn", err)
	}
}

func TestClient_RunStreamWithoutResult(t *testing.T) {
	stream := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"partial"}]}}`

	client, _ := newStreamClient(stream)
	_, err := client.Run(context.Background(), "hi")
	if err == nil {
		t.Fatal("Run() error = nil, want error for truncated stream")
	}
	if !strings.Contains(err.Error(), "terminal result") {
		t.Errorf("Run() error = %v, want mention of missing terminal result", err)
	}
}

func TestClient_RunNotConnected(t *testing.T) {
	client := NewClient(Options{}, newTestLogger())
	_, err := client.Run(context.Background(), "hi")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Run() error = %v, want ErrNotConnected", err)
	}
}

func TestClient_RunCancelledContext(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"system","session_id":"agent-abc"}`,
		`{"type":"result","subtype":"success","result":"done","is_error":false}`,
	}, "\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client, _ := newStreamClient(stream)
	_, err := client.Run(ctx, "hi")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestClient_DisconnectBeforeConnect(t *testing.T) {
	client := NewClient(Options{}, newTestLogger())
	if err := client.Disconnect(); err != nil {
		t.Errorf("Disconnect() before Connect error = %v, want nil", err)
	}
}

func TestOptions_CliArgs(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "protocol flags only",
			opts: Options{},
			want: []string{"-p", "--output-format=stream-json", "--input-format=stream-json", "--verbose"},
		},
		{
			name: "fresh turn with model and tools",
			opts: Options{
				Model:        "claude-sonnet",
				AllowedTools: []string{"Read", "Grep", "Glob"},
			},
			want: []string{
				"-p", "--output-format=stream-json", "--input-format=stream-json", "--verbose",
				"--model", "claude-sonnet",
				"--allowedTools", "Read,Grep,Glob",
			},
		},
		{
			name: "resumed turn with prompts",
			opts: Options{
				Resume:       "agent-sess-9",
				SystemPrompt: "You are a knowledge base assistant.",
				AppendPrompt: "Answer in the user's language.",
			},
			want: []string{
				"-p", "--output-format=stream-json", "--input-format=stream-json", "--verbose",
				"--resume", "agent-sess-9",
				"--system-prompt", "You are a knowledge base assistant.",
				"--append-system-prompt", "Answer in the user's language.",
			},
		},
		{
			name: "extras come last",
			opts: Options{
				Model: "claude-sonnet",
				Args:  []string{"--max-turns", "8"},
			},
			want: []string{
				"-p", "--output-format=stream-json", "--input-format=stream-json", "--verbose",
				"--model", "claude-sonnet",
				"--max-turns", "8",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.opts.cliArgs()
			if len(got) != len(tt.want) {
				t.Fatalf("cliArgs() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("cliArgs()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestOptions_CliEnv(t *testing.T) {
	opts := Options{AuthToken: "tok-123", BaseURL: "https://proxy.internal"}
	env := opts.cliEnv()

	hasToken, hasURL := false, false
	for _, e := range env {
		if e == "ANTHROPIC_AUTH_TOKEN=tok-123" {
			hasToken = true
		}
		if e == "ANTHROPIC_BASE_URL=https://proxy.internal" {
			hasURL = true
		}
	}
	if !hasToken {
		t.Error("cliEnv() missing ANTHROPIC_AUTH_TOKEN entry")
	}
	if !hasURL {
		t.Error("cliEnv() missing ANTHROPIC_BASE_URL entry")
	}

	if got, want := len(Options{}.cliEnv()), len(os.Environ()); got != want {
		t.Errorf("cliEnv() without credentials has %d entries, want %d (parent env only)", got, want)
	}
}
