// The mock-runtime command stands in for the knowledge-base runtime CLI
// during development and end-to-end tests: it speaks the same
// newline-delimited stream-json protocol over stdio and answers with
// scripted responses, so the full service runs without runtime
// credentials. Point agent.command at the built binary.
//
// Scripted commands inside the message body:
//
//	/error           terminal error result
//	/exhaust         error result after hitting the turn limit
//	/think           thinking block before the answer
//	/tools           one tool call per whitelisted tool
//	/resolve [text]  reply with text and mark the session resolved
//	/expert <domain> [question]  escalate the question to a domain expert
//	/slow [duration] answer after a delay, default 5s
//
// Anything else gets a canned knowledge-base answer echoing the question.
// Routing turns are recognized by their candidate payload and answered
// with a deterministic decision: the newest matching candidate continues
// unless the message asks for a new topic.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/parley/parley/internal/agent/wire"
)

func main() {
	st := newState(os.Args)

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg wire.UserMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type != wire.TypeUser {
			continue
		}
		respond(enc, st, msg.Message.Content)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-runtime: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// state carries the invocation parameters the service passes on the
// runtime command line. The session id doubles as the resume token: a
// resumed turn keeps the id it was handed, a fresh one mints its own.
type state struct {
	sessionID string
	model     string
	allowed   []string
}

func newState(args []string) *state {
	st := &state{
		sessionID: flagValue(args, "--resume"),
		model:     flagValue(args, "--model"),
	}
	if st.sessionID == "" {
		st.sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())
	}
	if st.model == "" {
		st.model = "mock-default"
	}
	if raw := flagValue(args, "--allowedTools"); raw != "" {
		for _, tool := range strings.Split(raw, ",") {
			if tool = strings.TrimSpace(tool); tool != "" {
				st.allowed = append(st.allowed, tool)
			}
		}
	}
	return st
}

// allows reports whether the whitelist admits the tool. An absent
// whitelist admits everything.
func (st *state) allows(tool string) bool {
	if len(st.allowed) == 0 {
		return true
	}
	for _, t := range st.allowed {
		if t == tool {
			return true
		}
	}
	return false
}

// flagValue extracts a flag from args, accepting both "--flag value" and
// "--flag=value" forms.
func flagValue(args []string, name string) string {
	for i := 1; i < len(args); i++ {
		if args[i] == name && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(args[i], name+"=") {
			return strings.TrimPrefix(args[i], name+"=")
		}
	}
	return ""
}
