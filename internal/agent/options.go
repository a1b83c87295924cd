package agent

import (
	"os"
	"strings"
)

// Options parameterize one client launch. Each borrowed client gets its own
// subprocess; nothing here is shared between turns.
type Options struct {
	// Command is the runtime CLI binary, resolved on PATH when relative.
	Command string

	// Args are extra arguments appended after the protocol flags.
	Args []string

	// Model overrides the runtime's default model when non-empty.
	Model string

	// WorkDir is the knowledge-base root the runtime works in.
	WorkDir string

	// AuthToken is handed to the runtime as its bearer token.
	AuthToken string

	// BaseURL points the runtime at an alternate API endpoint.
	BaseURL string

	// AllowedTools is the tool whitelist for this turn.
	AllowedTools []string

	// SystemPrompt replaces the runtime's system prompt. Resolved from
	// the prompt pack at process startup.
	SystemPrompt string

	// AppendPrompt is appended after the system prompt.
	AppendPrompt string

	// Resume is the agent-side session id to continue. Empty starts a
	// fresh agent conversation; the terminal result carries the id the
	// runtime allocated.
	Resume string
}

// cliArgs assembles the runtime invocation. The protocol flags come first
// so operator-supplied extras can override them.
func (o Options) cliArgs() []string {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.Resume != "" {
		args = append(args, "--resume", o.Resume)
	}
	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(o.AllowedTools, ","))
	}
	if o.SystemPrompt != "" {
		args = append(args, "--system-prompt", o.SystemPrompt)
	}
	if o.AppendPrompt != "" {
		args = append(args, "--append-system-prompt", o.AppendPrompt)
	}
	return append(args, o.Args...)
}

// cliEnv builds the subprocess environment. The parent environment is
// inherited so PATH and proxy settings survive.
func (o Options) cliEnv() []string {
	env := os.Environ()
	if o.AuthToken != "" {
		env = append(env, "ANTHROPIC_AUTH_TOKEN="+o.AuthToken)
	}
	if o.BaseURL != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+o.BaseURL)
	}
	return env
}
