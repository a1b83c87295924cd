// Package webchat implements the browser channel: token-checked REST
// ingress for questions, WebSocket push for replies.
package webchat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/channels"
	"github.com/parley/parley/internal/common/config"
	"github.com/parley/parley/internal/common/logger"
)

// ChannelName tags this adapter in the registry and in session keys.
const ChannelName = "webchat"

// dispatchTimeout bounds the background turn started after the POST ack.
const dispatchTimeout = 5 * time.Minute

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Adapter serves the web chat UI. It is always configured; the ingress
// token is optional hardening.
type Adapter struct {
	cfg        config.WebChatConfig
	hub        *Hub
	dispatcher channels.Dispatcher
	log        *logger.Logger
}

func New(cfg config.WebChatConfig, dispatcher channels.Dispatcher, log *logger.Logger) *Adapter {
	l := log.WithFields(zap.String("component", "webchat-adapter"))
	return &Adapter{
		cfg:        cfg,
		hub:        NewHub(log),
		dispatcher: dispatcher,
		log:        l,
	}
}

func (a *Adapter) Channel() string { return ChannelName }

// IsConfigured is always true: the browser channel has no mandatory
// platform credentials.
func (a *Adapter) IsConfigured() bool { return true }

func (a *Adapter) RequiredEnv() []string { return nil }

// Hub exposes the delivery hub for shutdown wiring.
func (a *Adapter) Hub() *Hub { return a.hub }

// VerifySignature checks the ingress bearer token. An empty configured
// token disables the check.
func (a *Adapter) VerifySignature(p channels.SignatureParams) bool {
	if a.cfg.Token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(p.Signature), []byte(a.cfg.Token)) == 1
}

// inboundPayload is the JSON body POSTed by the web UI.
type inboundPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	Kind      string `json:"kind"`
}

// Parse normalizes a web UI payload.
func (a *Adapter) Parse(raw []byte) (*channels.InboundMessage, error) {
	var p inboundPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("webchat: parse payload: %w", err)
	}
	if strings.TrimSpace(p.UserID) == "" {
		return nil, fmt.Errorf("webchat: user_id is required")
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, fmt.Errorf("webchat: content is required")
	}
	kind := channels.Kind(p.Kind)
	if kind == "" {
		kind = channels.KindText
	}
	switch kind {
	case channels.KindText, channels.KindMarkdown:
	default:
		return nil, fmt.Errorf("webchat: cannot receive kind %q", kind)
	}
	msgID := p.MessageID
	if msgID == "" {
		msgID = uuid.New().String()
	}
	return &channels.InboundMessage{
		MessageID: msgID,
		User: channels.User{
			UserID:  p.UserID,
			Channel: ChannelName,
			Name:    p.Name,
		},
		Content:   p.Content,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Raw:       raw,
	}, nil
}

// outboundPayload is what the browser receives over the socket.
type outboundPayload struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Send pushes a reply to every live connection the user holds. A user
// with no open socket is an error the caller can surface.
func (a *Adapter) Send(_ context.Context, userID, content string, kind channels.Kind, _ map[string]string) error {
	switch kind {
	case channels.KindText, channels.KindMarkdown:
	default:
		return fmt.Errorf("webchat: cannot send kind %q", kind)
	}
	payload, err := json.Marshal(outboundPayload{
		Type:      "message",
		Content:   content,
		Kind:      string(kind),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if delivered := a.hub.DeliverTo(userID, payload); delivered == 0 {
		return fmt.Errorf("webchat: user %s has no live connection", userID)
	}
	return nil
}

func (a *Adapter) SendBatch(ctx context.Context, userIDs []string, content string, kind channels.Kind, opts map[string]string) []error {
	return channels.FanOut(ctx, a, userIDs, content, kind, opts)
}

// GetUserInfo returns the thin fragment the browser channel knows; the
// identity directory fills in the rest.
func (a *Adapter) GetUserInfo(_ context.Context, userID string) (*channels.UserInfo, error) {
	return &channels.UserInfo{UserID: userID}, nil
}

// HandleEvent is a no-op; the browser channel has no platform events.
func (a *Adapter) HandleEvent(_ context.Context, _ *channels.InboundMessage) (string, error) {
	return "", nil
}

// RegisterRoutes mounts the REST ingress and the reply socket.
func (a *Adapter) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/messages", a.handleMessage)
	rg.GET("/ws", a.handleSocket)
}

// bearerToken pulls the presented token from the Authorization header or
// the token query parameter.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("token")
}

// handleMessage acknowledges immediately and runs the turn in the
// background; the reply arrives over the user's socket.
func (a *Adapter) handleMessage(c *gin.Context) {
	if !a.VerifySignature(channels.SignatureParams{Signature: bearerToken(c)}) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return
	}
	msg, err := a.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "message_id": msg.MessageID})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := a.dispatcher.Dispatch(ctx, ChannelName, msg); err != nil {
			a.log.Error("background dispatch failed",
				zap.String("user_id", msg.User.UserID),
				zap.String("message_id", msg.MessageID),
				zap.Error(err))
		}
	}()
}

// handleSocket upgrades the reply socket for one user.
func (a *Adapter) handleSocket(c *gin.Context) {
	if !a.VerifySignature(channels.SignatureParams{Signature: bearerToken(c)}) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newConn(userID, sock, a.log)
	a.hub.register(conn)
	go conn.writePump()
	conn.readPump(a.hub)
}
