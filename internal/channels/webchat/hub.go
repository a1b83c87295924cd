package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Inbound frames are pongs and close notifications only; turns
	// arrive over the REST endpoint.
	maxMessageSize = 4 * 1024
)

// conn is one browser WebSocket, owned by its write pump.
type conn struct {
	userID string
	sock   *websocket.Conn
	send   chan []byte
	log    *logger.Logger
}

func newConn(userID string, sock *websocket.Conn, log *logger.Logger) *conn {
	return &conn{
		userID: userID,
		sock:   sock,
		send:   make(chan []byte, 64),
		log:    log.WithFields(zap.String("user_id", userID)),
	}
}

// readPump watches connection liveness. Text frames from the browser are
// discarded; ingress is the REST endpoint.
func (c *conn) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		_ = c.sock.Close()
	}()
	c.sock.SetReadLimit(maxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.sock.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump drains the send buffer and keeps the peer alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub tracks live connections per user. A user may hold several tabs;
// deliveries fan out to all of them.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*conn]bool
	log   *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		conns: make(map[string]map[*conn]bool),
		log:   log.WithFields(zap.String("component", "webchat-hub")),
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.userID] == nil {
		h.conns[c.userID] = make(map[*conn]bool)
	}
	h.conns[c.userID][c] = true
	h.log.Debug("connection registered", zap.String("user_id", c.userID))
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[c.userID]; ok && set[c] {
		delete(set, c)
		close(c.send)
		if len(set) == 0 {
			delete(h.conns, c.userID)
		}
	}
	h.log.Debug("connection unregistered", zap.String("user_id", c.userID))
}

// DeliverTo queues a payload on every connection the user holds and
// returns how many accepted it. A full buffer counts as a miss; the
// write pump will tear that connection down on its own.
func (h *Hub) DeliverTo(userID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.conns[userID] {
		select {
		case c.send <- payload:
			delivered++
		default:
			h.log.Warn("send buffer full, dropping delivery", zap.String("user_id", userID))
		}
	}
	return delivered
}

// Connected reports whether the user holds at least one live connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// ConnectionCount returns the total number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

// CloseAll tears down every connection, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, set := range h.conns {
		for c := range set {
			close(c.send)
		}
		delete(h.conns, userID)
	}
}
