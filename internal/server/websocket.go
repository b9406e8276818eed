package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
)

const (
	writeWait     = 5 * time.Second
	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // read-only event feed
	},
}

// DecisionEvent is pushed to every WebSocket client after each decision.
type DecisionEvent struct {
	Type       string            `json:"type"`
	Algorithm  limiter.Algorithm `json:"algorithm"`
	ClientID   string            `json:"client_id"`
	Cost       int               `json:"cost"`
	Allowed    bool              `json:"allowed"`
	Level      float64           `json:"level"`
	Remaining  int               `json:"remaining"`
	RetryAfter float64           `json:"retry_after,omitempty"` // seconds
	Degraded   bool              `json:"degraded,omitempty"`
	At         time.Time         `json:"at"`
}

// NewDecisionEvent converts a decision into its wire event.
func NewDecisionEvent(d limiter.Decision) DecisionEvent {
	return DecisionEvent{
		Type:       "decision",
		Algorithm:  d.Algorithm,
		ClientID:   d.ClientID,
		Cost:       d.Cost,
		Allowed:    d.Allowed,
		Level:      d.Level,
		Remaining:  d.Remaining,
		RetryAfter: d.RetryAfter.Seconds(),
		Degraded:   d.Degraded,
		At:         d.At,
	}
}

// Hub tracks WebSocket clients and broadcasts decision events to them.
// Each client has its own send queue drained by a writer goroutine, so a
// slow reader never delays Broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty Hub. A nil logger uses slog.Default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger.With("component", "ws_hub"),
	}
}

// HandleWebSocket upgrades the connection and registers the client until it
// disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, sendQueueSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	go h.writePump(c)
	// Clients never send anything useful; reading detects the disconnect.
	go func() {
		defer h.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) writePump(c *wsClient) {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("websocket write failed", "error", err)
			h.remove(c)
			return
		}
	}
}

// remove unregisters c and closes its connection. Safe to call repeatedly.
func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// Broadcast queues ev for every client without blocking. Clients whose
// queue is full are dropped.
func (h *Hub) Broadcast(ev DecisionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encoding decision event", "error", err)
		return
	}

	h.mu.Lock()
	var slow []*wsClient
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client", "remote", c.conn.RemoteAddr().String())
		h.remove(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}
