package channels

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/logger"
)

// Registration modes. Auto registers an adapter only when its
// configuration is complete; enabled makes missing configuration a
// startup error; disabled skips the adapter entirely.
const (
	ModeAuto     = "auto"
	ModeEnabled  = "enabled"
	ModeDisabled = "disabled"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrNotConfigured  = errors.New("channel adapter not configured")
)

// Registry holds the configured adapters and dispatches parsed messages
// to the turn handler.
type Registry struct {
	adapters map[string]Adapter
	handler  Handler
	log      *logger.Logger
}

// NewRegistry creates an empty registry. The handler receives every
// dispatched message.
func NewRegistry(handler Handler, log *logger.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		handler:  handler,
		log:      log.WithFields(zap.String("component", "channel-registry")),
	}
}

// Register adds an adapter under the given mode. In auto mode an
// unconfigured adapter is skipped silently; in enabled mode it is a
// startup error naming the missing variables.
func (r *Registry) Register(a Adapter, mode string) error {
	name := a.Channel()
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeDisabled:
		r.log.Info("channel disabled", zap.String("channel", name))
		return nil
	case ModeEnabled:
		if !a.IsConfigured() {
			missing := MissingEnv(a)
			if len(missing) == 0 {
				// Values can also arrive via the config file, in which
				// case the env filter sees nothing; list the full set.
				missing = a.RequiredEnv()
			}
			return fmt.Errorf("%w: channel %s enabled but missing env: %s",
				ErrNotConfigured, name, strings.Join(missing, ", "))
		}
	case ModeAuto, "":
		if !a.IsConfigured() {
			r.log.Info("channel not configured, skipping",
				zap.String("channel", name),
				zap.Strings("missing_env", MissingEnv(a)))
			return nil
		}
	default:
		return fmt.Errorf("channel %s: unknown mode %q", name, mode)
	}
	if _, dup := r.adapters[name]; dup {
		return fmt.Errorf("channel %s registered twice", name)
	}
	r.adapters[name] = a
	r.log.Info("channel registered", zap.String("channel", name))
	return nil
}

// Get returns the adapter for a channel. Unknown channels are a hard
// error, never a silent no-op.
func (r *Registry) Get(channel string) (Adapter, error) {
	a, ok := r.adapters[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return a, nil
}

// Channels lists the registered channel names.
func (r *Registry) Channels() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// Dispatch runs one parsed message through the handler and sends the
// reply back over the same channel. A send failure is surfaced to the
// caller; the handled turn is not undone.
func (r *Registry) Dispatch(ctx context.Context, channel string, msg *InboundMessage) error {
	a, err := r.Get(channel)
	if err != nil {
		return err
	}
	if msg.Kind == KindEvent {
		reply, err := a.HandleEvent(ctx, msg)
		if err != nil {
			return fmt.Errorf("handle %s event: %w", channel, err)
		}
		if reply == "" {
			return nil
		}
		if err := a.Send(ctx, msg.User.UserID, reply, KindText, nil); err != nil {
			return fmt.Errorf("send %s event reply: %w", channel, err)
		}
		return nil
	}
	reply, err := r.handler.Handle(ctx, msg)
	if err != nil {
		return fmt.Errorf("handle %s message: %w", channel, err)
	}
	if reply == "" {
		return nil
	}
	if err := a.Send(ctx, msg.User.UserID, reply, KindMarkdown, nil); err != nil {
		r.log.Error("reply delivery failed",
			zap.String("channel", channel),
			zap.String("user_id", msg.User.UserID),
			zap.Error(err))
		return fmt.Errorf("send %s reply: %w", channel, err)
	}
	return nil
}

// Push sends a proactive message to a user over the named channel,
// outside any inbound exchange. Expert contact, relays, and reminders
// go through here.
func (r *Registry) Push(ctx context.Context, channel, userID, content string, kind Kind) error {
	a, err := r.Get(channel)
	if err != nil {
		return err
	}
	if err := a.Send(ctx, userID, content, kind, nil); err != nil {
		return fmt.Errorf("push to %s over %s: %w", userID, channel, err)
	}
	return nil
}

// MissingEnv lists the adapter's required variables that are unset.
func MissingEnv(a Adapter) []string {
	var missing []string
	for _, key := range a.RequiredEnv() {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}
