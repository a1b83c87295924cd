// Package channels defines the adapter contract every messaging platform
// implements and the registry that routes parsed messages between adapters
// and the turn handler. Adapters own their inbound HTTP surface and all
// platform crypto; by the time a message reaches the registry it is
// verified and parsed.
package channels

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
)

// Kind classifies message content.
type Kind string

const (
	KindText     Kind = "text"
	KindMarkdown Kind = "markdown"
	KindImage    Kind = "image"
	KindFile     Kind = "file"
	KindEvent    Kind = "event"
)

// User identifies the sender on a specific channel.
type User struct {
	UserID  string `json:"user_id"`
	Channel string `json:"channel"`
	Name    string `json:"name,omitempty"`
}

// Attachment references platform-hosted media.
type Attachment struct {
	Type    string `json:"type"`
	MediaID string `json:"media_id,omitempty"`
	URL     string `json:"url,omitempty"`
	Name    string `json:"name,omitempty"`
}

// InboundMessage is the normalized form every adapter parses into.
type InboundMessage struct {
	MessageID   string            `json:"message_id"`
	User        User              `json:"user"`
	Content     string            `json:"content"`
	Kind        Kind              `json:"kind"`
	Timestamp   time.Time         `json:"timestamp"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// Raw preserves the decrypted platform payload for debugging.
	Raw []byte `json:"-"`
}

// UserInfo is the identity fragment a platform can supply about a user.
type UserInfo struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name,omitempty"`
	Department string `json:"department,omitempty"`
	Email      string `json:"email,omitempty"`
	Mobile     string `json:"mobile,omitempty"`
}

// SignatureParams carries a platform callback's verification inputs.
type SignatureParams struct {
	Signature string
	Timestamp string
	Nonce     string

	// Payload is the echo token on the URL-verification exchange and
	// the encrypted envelope otherwise.
	Payload string
}

// Handler consumes one parsed inbound message and returns the reply text.
// The orchestrator implements it.
type Handler interface {
	Handle(ctx context.Context, msg *InboundMessage) (string, error)
}

// Dispatcher routes a verified, parsed message through the handler and
// delivers the reply. *Registry implements it; adapters call it from
// their receive endpoints after acknowledging the platform.
type Dispatcher interface {
	Dispatch(ctx context.Context, channel string, msg *InboundMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *InboundMessage) (string, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg *InboundMessage) (string, error) {
	return f(ctx, msg)
}

// Adapter is the per-platform contract.
type Adapter interface {
	// Channel returns the adapter's registry tag ("wecom", "webchat").
	Channel() string

	// IsConfigured reports whether every required variable is present.
	IsConfigured() bool

	// RequiredEnv lists the environment variables the adapter needs.
	RequiredEnv() []string

	// VerifySignature validates a platform callback.
	VerifySignature(p SignatureParams) bool

	// Parse normalizes a verified (and, where applicable, decrypted)
	// platform payload.
	Parse(raw []byte) (*InboundMessage, error)

	// Send delivers content to a user. For image and file kinds the
	// content is a platform media id.
	Send(ctx context.Context, userID, content string, kind Kind, opts map[string]string) error

	// SendBatch delivers to many users; implementations default to a
	// per-user fan-out.
	SendBatch(ctx context.Context, userIDs []string, content string, kind Kind, opts map[string]string) []error

	// GetUserInfo fetches the platform's identity fragment for a user.
	GetUserInfo(ctx context.Context, userID string) (*UserInfo, error)

	// HandleEvent reacts to non-message platform events (subscribe,
	// enter-chat). The returned string, when non-empty, is sent back.
	HandleEvent(ctx context.Context, msg *InboundMessage) (string, error)

	// RegisterRoutes mounts the adapter's inbound HTTP endpoints.
	RegisterRoutes(rg *gin.RouterGroup)
}

// FanOut is the default SendBatch: sequential per-user sends, one error
// slot per recipient.
func FanOut(ctx context.Context, a Adapter, userIDs []string, content string, kind Kind, opts map[string]string) []error {
	errs := make([]error, len(userIDs))
	for i, id := range userIDs {
		errs[i] = a.Send(ctx, id, content, kind, opts)
	}
	return errs
}
