package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/events"
	"github.com/parley/parley/internal/events/bus"
	"github.com/parley/parley/internal/session"
)

// FailoverStore fronts a durable store with an in-memory fallback. The
// first infrastructure failure latches the process into degraded mode:
// every later operation is served by the fallback, a store.degraded event
// is published once, and the process never migrates back. Records created
// before the failure stay in the durable backend and reappear after a
// restart; continuity, not durability, is what degraded mode preserves.
type FailoverStore struct {
	primary  Store
	fallback Store
	bus      bus.EventBus
	log      *logger.Logger

	degraded    atomic.Bool
	fallbackOps atomic.Int64
	tripOnce    sync.Once
}

var _ Store = (*FailoverStore)(nil)

// NewFailoverStore wraps primary with an in-memory fallback. eventBus may
// be nil, in which case degradation is only logged.
func NewFailoverStore(primary Store, log *logger.Logger, eventBus bus.EventBus) *FailoverStore {
	if log == nil {
		log = logger.Default()
	}
	return &FailoverStore{
		primary:  primary,
		fallback: NewMemoryStore(),
		bus:      eventBus,
		log:      log,
	}
}

// Degraded reports whether the store has latched onto the fallback.
func (f *FailoverStore) Degraded() bool {
	return f.degraded.Load()
}

// FallbackOps counts operations served by the in-memory fallback since the
// trip. The health surface reports it alongside the degraded flag.
func (f *FailoverStore) FallbackOps() int64 {
	return f.fallbackOps.Load()
}

// serveFallback counts and returns the fallback store.
func (f *FailoverStore) serveFallback() Store {
	f.fallbackOps.Add(1)
	return f.fallback
}

// infrastructureError separates backend failures from the domain errors a
// healthy store returns in normal operation.
func infrastructureError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrAlreadyExists):
		return false
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, session.ErrRelatedUserRequired),
		errors.Is(err, session.ErrTimestampOrder):
		return false
	}
	return true
}

// trip latches degraded mode exactly once.
func (f *FailoverStore) trip(ctx context.Context, cause error) {
	f.tripOnce.Do(func() {
		f.degraded.Store(true)
		f.log.WithError(cause).Error("session store degraded, serving from in-memory fallback")
		if f.bus == nil {
			return
		}
		evt := bus.NewEvent(events.StoreDegraded, "session-store", map[string]any{
			"error": cause.Error(),
		})
		if err := f.bus.Publish(context.WithoutCancel(ctx), events.StoreDegraded, evt); err != nil {
			f.log.WithError(err).Warn("failed to publish store degraded event")
		}
	})
}

func (f *FailoverStore) Create(ctx context.Context, s *session.Session) error {
	if f.degraded.Load() {
		return f.serveFallback().Create(ctx, s)
	}
	err := f.primary.Create(ctx, s)
	if infrastructureError(err) {
		f.trip(ctx, err)
		return f.serveFallback().Create(ctx, s)
	}
	return err
}

func (f *FailoverStore) Get(ctx context.Context, id string) (*session.Session, error) {
	if f.degraded.Load() {
		return f.serveFallback().Get(ctx, id)
	}
	s, err := f.primary.Get(ctx, id)
	if infrastructureError(err) {
		f.trip(ctx, err)
		return f.serveFallback().Get(ctx, id)
	}
	return s, err
}

func (f *FailoverStore) QueryByUser(ctx context.Context, userID string, opts QueryOptions) (*UserSessions, error) {
	if f.degraded.Load() {
		return f.serveFallback().QueryByUser(ctx, userID, opts)
	}
	out, err := f.primary.QueryByUser(ctx, userID, opts)
	if infrastructureError(err) {
		f.trip(ctx, err)
		return f.serveFallback().QueryByUser(ctx, userID, opts)
	}
	return out, err
}

func (f *FailoverStore) CASUpdate(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*session.Session, error) {
	if f.degraded.Load() {
		return f.serveFallback().CASUpdate(ctx, id, expectedVersion, mutate)
	}
	// Track the mutator's own error so a domain failure inside the
	// callback is never mistaken for a backend failure.
	var mutateErr error
	tracked := func(s *session.Session) error {
		mutateErr = mutate(s)
		return mutateErr
	}
	out, err := f.primary.CASUpdate(ctx, id, expectedVersion, tracked)
	if err != nil && mutateErr != nil && errors.Is(err, mutateErr) {
		return nil, err
	}
	if infrastructureError(err) {
		f.trip(ctx, err)
		return f.serveFallback().CASUpdate(ctx, id, expectedVersion, mutate)
	}
	return out, err
}

func (f *FailoverStore) AppendHistory(ctx context.Context, id string, msg session.HistoryMessage) error {
	if f.degraded.Load() {
		return f.serveFallback().AppendHistory(ctx, id, msg)
	}
	err := f.primary.AppendHistory(ctx, id, msg)
	if infrastructureError(err) {
		f.trip(ctx, err)
		return f.serveFallback().AppendHistory(ctx, id, msg)
	}
	return err
}

func (f *FailoverStore) ReadHistory(ctx context.Context, id string, limit int) ([]session.HistoryMessage, error) {
	if f.degraded.Load() {
		return f.serveFallback().ReadHistory(ctx, id, limit)
	}
	msgs, err := f.primary.ReadHistory(ctx, id, limit)
	if infrastructureError(err) {
		f.trip(ctx, err)
		return f.serveFallback().ReadHistory(ctx, id, limit)
	}
	return msgs, err
}

func (f *FailoverStore) PruneExpired(ctx context.Context) (int, error) {
	if f.degraded.Load() {
		return f.serveFallback().PruneExpired(ctx)
	}
	n, err := f.primary.PruneExpired(ctx)
	if infrastructureError(err) {
		f.trip(ctx, err)
		return f.serveFallback().PruneExpired(ctx)
	}
	return n, err
}

// Close closes both backends.
func (f *FailoverStore) Close() error {
	return errors.Join(f.primary.Close(), f.fallback.Close())
}
