// Package reminder runs the periodic maintenance jobs: the waiting-expert
// reminder and timeout scan, identity snapshot refreshes, and the expired-
// session sweep. Timeouts are surfaced to the asker, never silently
// dropped.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/channels"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/convstate"
	"github.com/parley/parley/internal/events"
	"github.com/parley/parley/internal/events/bus"
	"github.com/parley/parley/internal/identity"
	"github.com/parley/parley/internal/session/store"
)

var (
	ErrAlreadyRunning = errors.New("reminder scheduler already running")
	ErrNotRunning     = errors.New("reminder scheduler not running")

	// errSlotMoved aborts a reminder stamp when the slot left the
	// waiting state between scan and update.
	errSlotMoved = errors.New("slot left the waiting state")
)

// jobTimeout bounds one scheduled job run.
const jobTimeout = 2 * time.Minute

// Sender pushes proactive messages to users. *channels.Registry
// implements it.
type Sender interface {
	Push(ctx context.Context, channel, userID, content string, kind channels.Kind) error
}

// Config holds the scheduler's cadences.
type Config struct {
	// ExpertScanSchedule is the cron spec for the waiting-expert scan.
	ExpertScanSchedule string

	// RemindAfter is how long a question may wait before the expert is
	// nudged; it also spaces repeat nudges.
	RemindAfter time.Duration

	// IdentitySchedule drives directory refresh attempts. The identity
	// service applies its own cadence and grace window on top, so this
	// may tick faster than the refresh interval.
	IdentitySchedule string

	// SweepSchedule is the cron spec for the expired-session sweep.
	SweepSchedule string
}

// DefaultConfig returns the standard cadences.
func DefaultConfig() Config {
	return Config{
		ExpertScanSchedule: "@every 1h",
		RemindAfter:        4 * time.Hour,
		IdentitySchedule:   "@every 1m",
		SweepSchedule:      "@daily",
	}
}

// Stats is a point-in-time snapshot of scheduler activity.
type Stats struct {
	Running  bool  `json:"running"`
	Reminded int64 `json:"reminded"`
	TimedOut int64 `json:"timed_out"`
	Pruned   int64 `json:"pruned"`
}

// Scheduler owns the cron engine and the jobs it drives.
type Scheduler struct {
	cfg      Config
	conv     convstate.Store
	sessions store.Store
	ident    *identity.Service
	sender   Sender
	bus      bus.EventBus
	log      *logger.Logger
	now      func() time.Time

	reminded atomic.Int64
	timedOut atomic.Int64
	pruned   atomic.Int64

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New builds a scheduler. The identity service may be nil when no
// directory is configured; sender and conv are required for the expert
// scan, sessions for the sweep.
func New(cfg Config, conv convstate.Store, sessions store.Store, ident *identity.Service, sender Sender, eventBus bus.EventBus, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	if cfg.RemindAfter <= 0 {
		cfg.RemindAfter = DefaultConfig().RemindAfter
	}
	return &Scheduler{
		cfg:      cfg,
		conv:     conv,
		sessions: sessions,
		ident:    ident,
		sender:   sender,
		bus:      eventBus,
		log:      log.WithFields(zap.String("component", "reminder")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the scheduler's time source. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Start registers the jobs and begins firing them on schedule.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	c := cron.New()
	if s.cfg.ExpertScanSchedule != "" {
		if _, err := c.AddFunc(s.cfg.ExpertScanSchedule, s.runExpertScan); err != nil {
			return fmt.Errorf("schedule expert scan %q: %w", s.cfg.ExpertScanSchedule, err)
		}
	}
	if s.ident != nil && s.cfg.IdentitySchedule != "" {
		if _, err := c.AddFunc(s.cfg.IdentitySchedule, s.runIdentityRefresh); err != nil {
			return fmt.Errorf("schedule identity refresh %q: %w", s.cfg.IdentitySchedule, err)
		}
	}
	if s.sessions != nil && s.cfg.SweepSchedule != "" {
		if _, err := c.AddFunc(s.cfg.SweepSchedule, s.runSweep); err != nil {
			return fmt.Errorf("schedule session sweep %q: %w", s.cfg.SweepSchedule, err)
		}
	}
	c.Start()
	s.cron = c
	s.running = true
	s.log.Info("reminder scheduler started",
		zap.String("expert_scan", s.cfg.ExpertScanSchedule),
		zap.Duration("remind_after", s.cfg.RemindAfter),
		zap.String("sweep", s.cfg.SweepSchedule))
	return nil
}

// Stop halts the schedule and waits for any running job to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.log.Info("reminder scheduler stopped")
	return nil
}

// IsRunning reports whether the schedule is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats reports job counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Running:  s.IsRunning(),
		Reminded: s.reminded.Load(),
		TimedOut: s.timedOut.Load(),
		Pruned:   s.pruned.Load(),
	}
}

func (s *Scheduler) runExpertScan() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := s.scanWaiting(ctx); err != nil {
		s.log.Error("expert scan failed", zap.Error(err))
	}
}

func (s *Scheduler) runIdentityRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := s.ident.Refresh(ctx); err != nil {
		s.log.Warn("identity refresh failed, serving previous snapshot", zap.Error(err))
	}
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := s.sweepExpired(ctx); err != nil {
		s.log.Error("session sweep failed", zap.Error(err))
	}
}

// scanWaiting classifies every waiting slot: past the reply window it times
// out, past the reminder threshold the expert is nudged.
func (s *Scheduler) scanWaiting(ctx context.Context) error {
	waiting, err := s.conv.ScanWaiting(ctx)
	if err != nil {
		return fmt.Errorf("scan waiting slots: %w", err)
	}
	now := s.now()
	for _, slot := range waiting {
		switch {
		case slot.TimedOut(now):
			s.timeoutSlot(ctx, slot)
		case s.remindDue(slot, now):
			s.remindExpert(ctx, slot, now)
		}
	}
	return nil
}

// remindDue reports whether the expert should be nudged now: the question
// has waited past the threshold and any previous nudge is at least a full
// threshold old.
func (s *Scheduler) remindDue(slot *convstate.Context, now time.Time) bool {
	if slot.ContactedAt.IsZero() || now.Sub(slot.ContactedAt) < s.cfg.RemindAfter {
		return false
	}
	return slot.RemindedAt.IsZero() || now.Sub(slot.RemindedAt) >= s.cfg.RemindAfter
}

func (s *Scheduler) remindExpert(ctx context.Context, slot *convstate.Context, now time.Time) {
	asker := slot.UserID
	if s.ident != nil {
		asker = s.ident.DisplayName(slot.UserID)
	}
	text := fmt.Sprintf("Reminder: %s is still waiting for your answer (asked %s ago):\n\n%s",
		asker, now.Sub(slot.ContactedAt).Round(time.Minute), slot.UserQuestion)
	if err := s.sender.Push(ctx, slot.Channel, slot.ExpertUserID, text, channels.KindMarkdown); err != nil {
		s.log.Error("expert reminder send failed",
			zap.Error(err), zap.String("expert_user_id", slot.ExpertUserID))
		return
	}

	_, err := s.conv.Update(ctx, slot.UserID, func(c *convstate.Context) error {
		if c.State != convstate.StateWaitingExpert || c.ExpertUserID != slot.ExpertUserID {
			return errSlotMoved
		}
		c.RemindedAt = now
		return nil
	})
	if err != nil && !errors.Is(err, errSlotMoved) {
		s.log.Warn("reminder stamp failed", zap.Error(err), zap.String("user_id", slot.UserID))
	}

	s.reminded.Add(1)
	s.log.Info("expert reminded",
		zap.String("expert_user_id", slot.ExpertUserID),
		zap.String("user_id", slot.UserID))
	s.publish(ctx, events.ExpertReminded, map[string]any{
		"user_id":        slot.UserID,
		"expert_user_id": slot.ExpertUserID,
		"domain":         slot.Domain,
	})
}

// timeoutSlot tells the asker their question went unanswered and clears the
// slot so they can ask again.
func (s *Scheduler) timeoutSlot(ctx context.Context, slot *convstate.Context) {
	text := fmt.Sprintf("Sorry, your question was not answered within %d hours:\n\n%s\n\nPlease send it again if it still matters.",
		int(convstate.Timeout.Hours()), slot.UserQuestion)
	if err := s.sender.Push(ctx, slot.Channel, slot.UserID, text, channels.KindMarkdown); err != nil {
		s.log.Error("timeout notice send failed", zap.Error(err), zap.String("user_id", slot.UserID))
	}
	if err := s.conv.Clear(ctx, slot.UserID); err != nil {
		s.log.Error("slot clear failed", zap.Error(err), zap.String("user_id", slot.UserID))
		return
	}

	s.timedOut.Add(1)
	s.log.Warn("expert mediation timed out",
		zap.String("user_id", slot.UserID),
		zap.String("expert_user_id", slot.ExpertUserID),
		zap.Time("contacted_at", slot.ContactedAt))
	s.publish(ctx, events.ExpertTimedOut, map[string]any{
		"user_id":        slot.UserID,
		"expert_user_id": slot.ExpertUserID,
		"domain":         slot.Domain,
	})
}

// sweepExpired prunes expired session records and their index entries.
// Expiry is lazy everywhere else, so the sweep only reclaims space.
func (s *Scheduler) sweepExpired(ctx context.Context) error {
	n, err := s.sessions.PruneExpired(ctx)
	if err != nil {
		return fmt.Errorf("prune expired sessions: %w", err)
	}
	if n > 0 {
		s.pruned.Add(int64(n))
		s.log.Info("expired sessions pruned", zap.Int("count", n))
	}
	return nil
}

func (s *Scheduler) publish(ctx context.Context, eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "reminder", data)); err != nil {
		s.log.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}
