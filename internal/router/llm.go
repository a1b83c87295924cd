package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parley/parley/internal/agent"
	"github.com/parley/parley/internal/agent/pool"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/session"
)

// LLMEngine submits the routing request to the agent runtime and parses
// its strict-JSON verdict. Every runtime failure degrades to NEW_SESSION;
// routing must never take a turn down with it.
type LLMEngine struct {
	pool   *pool.Pool
	base   agent.Options
	prompt string
	log    *logger.Logger
}

// NewLLMEngine builds an engine borrowing from p. base carries the runtime
// binary and credentials; prompt is the routing preset installed as the
// system prompt.
func NewLLMEngine(p *pool.Pool, base agent.Options, prompt string, log *logger.Logger) *LLMEngine {
	if log == nil {
		log = logger.Default()
	}
	return &LLMEngine{
		pool:   p,
		base:   base,
		prompt: prompt,
		log:    log.WithFields(zap.String("component", "router-llm")),
	}
}

// Route runs one routing turn. The runtime gets no tools and no resume
// token; each decision is an independent conversation.
func (e *LLMEngine) Route(ctx context.Context, req Request) (Decision, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return degraded(fmt.Sprintf("router error: encode request: %v", err)), nil
	}

	opts := e.base
	opts.SystemPrompt = e.prompt
	opts.AllowedTools = nil
	opts.Resume = ""

	var result *agent.TurnResult
	err = e.pool.WithClient(ctx, opts, func(ctx context.Context, c *agent.Client) error {
		r, err := c.Run(ctx, payload)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		e.log.Warn("routing turn failed", zap.Error(err))
		return degraded(fmt.Sprintf("router error: %v", err)), nil
	}
	if result.IsError {
		e.log.Warn("routing turn returned an error result", zap.String("result", result.ResultText))
		return degraded(fmt.Sprintf("router error: %s", result.ResultText)), nil
	}

	d, err := parseDecision(result.Text)
	if err != nil {
		e.log.Warn("unparseable routing reply", zap.Error(err), zap.String("reply", session.Truncate(result.Text, 200)))
		return degraded(fmt.Sprintf("router error: %v", err)), nil
	}
	return d, nil
}

func degraded(reason string) Decision {
	return Decision{Decision: NewSession, Confidence: 0, Reasoning: reason}
}

// routePayload is the structured request handed to the runtime as the user
// message. Candidate lists keep the store's recency order.
type routePayload struct {
	Time     string          `json:"time"`
	User     payloadUser     `json:"user"`
	Message  string          `json:"message"`
	AsUser   []candidateView `json:"as_user_candidates"`
	AsExpert []candidateView `json:"as_expert_candidates"`
}

type payloadUser struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name,omitempty"`
	IsExpert bool   `json:"is_expert"`
}

type candidateView struct {
	SessionID        string    `json:"session_id"`
	Status           string    `json:"status"`
	OriginalQuestion string    `json:"original_question"`
	KeyPoints        []string  `json:"key_points,omitempty"`
	LatestExchange   string    `json:"latest_exchange,omitempty"`
	LastActiveAt     time.Time `json:"last_active_at"`
}

func buildPayload(req Request) (string, error) {
	p := routePayload{
		Time: req.Now.UTC().Format(time.RFC3339),
		User: payloadUser{
			UserID:   req.Identity.UserID,
			Name:     req.Identity.Name,
			IsExpert: req.Identity.IsExpert,
		},
		Message:  req.Message,
		AsUser:   viewList(req.Sessions.AsUser),
		AsExpert: viewList(req.Sessions.AsExpert),
	}
	if p.User.UserID == "" {
		p.User.UserID = req.UserID
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func viewList(list []*session.Session) []candidateView {
	views := make([]candidateView, 0, len(list))
	for _, s := range list {
		v := candidateView{
			SessionID:        s.ID,
			Status:           string(s.Status),
			OriginalQuestion: s.Summary.OriginalQuestion,
			KeyPoints:        s.Summary.KeyPoints,
			LastActiveAt:     s.LastActiveAt,
		}
		if s.Summary.LatestExchange != nil {
			v.LatestExchange = s.Summary.LatestExchange.Content
		}
		views = append(views, v)
	}
	return views
}

// parseDecision extracts the first well-formed decision object from the
// runtime's reply, tolerating prose or fences around it.
func parseDecision(text string) (Decision, error) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		var d Decision
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		if err := dec.Decode(&d); err != nil {
			continue
		}
		if d.Decision != "" {
			return d, nil
		}
	}
	return Decision{}, fmt.Errorf("no decision object in reply")
}
