// Package agent runs turns against the knowledge-base runtime: a local CLI
// speaking newline-delimited stream-json over stdio. A client owns exactly
// one subprocess and performs exactly one turn; the pool constructs a fresh
// client per borrow and tears it down in the same task.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley/parley/internal/agent/wire"
	"github.com/parley/parley/internal/common/logger"
)

var (
	// ErrEmptyTurn is returned when the runtime stream ends without any
	// assistant content or terminal result.
	ErrEmptyTurn = errors.New("agent stream produced no messages")

	// ErrNotConnected is returned when Run is called before Connect.
	ErrNotConnected = errors.New("agent client is not connected")
)

// disconnectGrace bounds how long Disconnect waits for the runtime to exit
// after stdin closes before killing it.
const disconnectGrace = 5 * time.Second

// ToolUse records one tool invocation observed during a turn. Telemetry
// only; nothing downstream acts on it.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// TurnResult is the accumulated outcome of one turn.
type TurnResult struct {
	// Text is the concatenation of the assistant's text blocks with the
	// metadata block still embedded.
	Text string

	// AgentSessionID is the runtime's conversation id, used as the
	// resume token on the user's next turn.
	AgentSessionID string

	NumTurns   int
	DurationMS int64
	IsError    bool

	// ResultText is the terminal result payload, the error text when
	// IsError is set.
	ResultText string

	ToolUses []ToolUse
	Usage    *wire.Usage
}

// Client drives one runtime subprocess through one turn.
type Client struct {
	opts Options
	log  *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	stderrMu   sync.Mutex
	stderrTail []string

	wg       sync.WaitGroup
	waitOnce sync.Once
	waitErr  error
}

// NewClient builds an unconnected client.
func NewClient(opts Options, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		opts: opts,
		log:  log.WithFields(zap.String("component", "agent-client")),
	}
}

// Connect launches the runtime subprocess and wires its pipes. The process
// is deliberately not bound to ctx; teardown is explicit via Disconnect so
// a cancelled caller cannot orphan the pipes mid-write.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(c.opts.Command, c.opts.cliArgs()...)
	cmd.Dir = c.opts.WorkDir
	cmd.Env = c.opts.cliEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent runtime: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = stdout

	c.wg.Add(1)
	go c.drainStderr(stderr)

	c.log.Debug("agent runtime started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("workdir", c.opts.WorkDir),
		zap.Bool("resume", c.opts.Resume != ""))
	return nil
}

// Run sends the prompt and consumes the stream until the terminal result.
// Assistant text blocks accumulate into TurnResult.Text; tool-use blocks
// are recorded for telemetry.
func (c *Client) Run(ctx context.Context, prompt string) (*TurnResult, error) {
	if c.stdout == nil || c.stdin == nil {
		return nil, ErrNotConnected
	}

	if err := c.send(wire.NewUserMessage(prompt)); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	result := &TurnResult{}
	var text strings.Builder
	sawMessage := false

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg wire.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn("skipping unparseable stream line", zap.Error(err))
			continue
		}
		sawMessage = true

		switch msg.Type {
		case wire.TypeSystem:
			if msg.SessionID != "" {
				result.AgentSessionID = msg.SessionID
			}

		case wire.TypeAssistant:
			if msg.Message == nil {
				continue
			}
			for _, block := range msg.Message.Content {
				switch block.Type {
				case wire.BlockText:
					text.WriteString(block.Text)
				case wire.BlockToolUse:
					result.ToolUses = append(result.ToolUses, ToolUse{
						ID:    block.ID,
						Name:  block.Name,
						Input: block.Input,
					})
					c.log.Debug("agent tool use", zap.String("tool", block.Name))
				}
			}

		case wire.TypeResult:
			if msg.SessionID != "" {
				result.AgentSessionID = msg.SessionID
			}
			result.NumTurns = msg.NumTurns
			result.DurationMS = msg.DurationMS
			result.IsError = msg.IsError
			result.ResultText = msg.ResultText()
			result.Usage = msg.Usage
			result.Text = text.String()
			if result.Text == "" && !msg.IsError {
				result.Text = result.ResultText
			}
			return result, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read agent stream: %w (stderr: %s)", err, c.stderrSummary())
	}
	if !sawMessage {
		return nil, fmt.Errorf("%w (stderr: %s)", ErrEmptyTurn, c.stderrSummary())
	}
	return nil, fmt.Errorf("agent stream ended without a terminal result (stderr: %s)", c.stderrSummary())
}

// Disconnect closes stdin, waits briefly for a clean exit, and kills the
// process if it lingers. Always safe to call, including after a failed
// Connect.
func (c *Client) Disconnect() error {
	if c.cmd == nil {
		return nil
	}

	if c.stdin != nil {
		_ = c.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(disconnectGrace):
		c.log.Warn("agent runtime did not exit, killing", zap.Int("pid", c.cmd.Process.Pid))
		_ = c.cmd.Process.Kill()
		<-done
	}

	c.wg.Wait()
	return nil
}

func (c *Client) wait() {
	c.waitOnce.Do(func() {
		c.waitErr = c.cmd.Wait()
		if c.waitErr != nil {
			c.log.Debug("agent runtime exited with error", zap.Error(c.waitErr))
		}
	})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal user message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write to agent runtime: %w", err)
	}
	return nil
}

// drainStderr keeps the tail of the runtime's stderr for error reports.
func (c *Client) drainStderr(r io.Reader) {
	defer c.wg.Done()

	const keep = 20
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.stderrMu.Lock()
		c.stderrTail = append(c.stderrTail, scanner.Text())
		if len(c.stderrTail) > keep {
			c.stderrTail = c.stderrTail[len(c.stderrTail)-keep:]
		}
		c.stderrMu.Unlock()
	}
}

func (c *Client) stderrSummary() string {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	if len(c.stderrTail) == 0 {
		return "<empty>"
	}
	return strings.Join(c.stderrTail, " | ")
}
