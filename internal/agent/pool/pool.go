// Package pool bounds concurrency against the agent runtime. A pool reuses
// a permit budget, never client instances: every borrow constructs a fresh
// client, connects it, and tears it down inside the same task, which is the
// runtime's structured-concurrency requirement.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/parley/parley/internal/agent"
	"github.com/parley/parley/internal/common/logger"
)

// ErrPoolExhausted is returned when no permit frees up within the pool's
// maximum wait.
var ErrPoolExhausted = errors.New("agent pool exhausted")

// Config sizes one pool.
type Config struct {
	// Name labels the pool in logs and stats ("turns", "router").
	Name string

	// Size is the maximum number of concurrent borrows.
	Size int

	// MaxWait bounds how long a borrow waits for a permit. Zero waits
	// for the caller's context only.
	MaxWait time.Duration
}

// Stats is a point-in-time snapshot of pool usage.
type Stats struct {
	Name           string `json:"name"`
	MaxConcurrency int    `json:"max_concurrency"`
	Active         int    `json:"active"`
	Available      int    `json:"available"`
	TotalRequests  int64  `json:"total_requests"`
}

// Pool hands out permits for agent turns.
type Pool struct {
	cfg Config
	sem *semaphore.Weighted
	log *logger.Logger

	active   atomic.Int64
	requests atomic.Int64
}

// New builds a pool with the given budget.
func New(cfg Config, log *logger.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if log == nil {
		log = logger.Default()
	}
	return &Pool{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.Size)),
		log: log.WithFields(zap.String("component", "agent-pool"), zap.String("pool", cfg.Name)),
	}
}

// WithClient borrows a permit, builds and connects a client from opts, and
// runs fn with it. The client is disconnected and the permit released when
// fn returns, panics, or the caller is cancelled mid-turn; teardown itself
// is not subject to the caller's context.
func (p *Pool) WithClient(ctx context.Context, opts agent.Options, fn func(ctx context.Context, c *agent.Client) error) error {
	p.requests.Add(1)

	acquireCtx := ctx
	if p.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.MaxWait)
		defer cancel()
	}
	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: no permit within %s (size %d)", ErrPoolExhausted, p.cfg.MaxWait, p.cfg.Size)
	}
	defer p.sem.Release(1)

	p.active.Add(1)
	defer p.active.Add(-1)

	client := agent.NewClient(opts, p.log)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect agent client: %w", err)
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			p.log.Warn("agent client teardown failed", zap.Error(err))
		}
	}()

	return fn(ctx, client)
}

// RunTurn borrows a client and runs a single prompt through it, returning
// the terminal result. It is WithClient specialized to the one-exchange
// shape every orchestrated turn has.
func (p *Pool) RunTurn(ctx context.Context, opts agent.Options, prompt string) (*agent.TurnResult, error) {
	var result *agent.TurnResult
	err := p.WithClient(ctx, opts, func(ctx context.Context, c *agent.Client) error {
		r, err := c.Run(ctx, prompt)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Stats reports current usage.
func (p *Pool) Stats() Stats {
	active := int(p.active.Load())
	return Stats{
		Name:           p.cfg.Name,
		MaxConcurrency: p.cfg.Size,
		Active:         active,
		Available:      p.cfg.Size - active,
		TotalRequests:  p.requests.Load(),
	}
}
