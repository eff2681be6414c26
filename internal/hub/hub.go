// Package hub owns client WebSocket connections: upgrade, connect-time
// state sync, classified event fan-out, and heartbeat-based liveness.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conductor/internal/observability"
)

const (
	// DefaultHeartbeat is the ping interval; sockets that miss a pong for a
	// full interval are terminated.
	DefaultHeartbeat = 30 * time.Second

	writeWait       = 10 * time.Second
	maxPayloadBytes = 1 << 20
	sendBufferSize  = 64
)

// StateFunc supplies the connect-time state_sync payload.
type StateFunc func() *StateSyncMessage

// Hub fans broadcast messages out to connected clients.
type Hub struct {
	mu        sync.Mutex
	clients   map[*client]struct{}
	closed    bool
	getState  StateFunc
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	metrics   *observability.Metrics
	logger    *slog.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewHub creates a hub. getState may be nil (no state_sync is sent);
// heartbeat <= 0 selects the default. metrics may be nil.
func NewHub(getState StateFunc, heartbeat time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:   make(map[*client]struct{}),
		getState:  getState,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		metrics: metrics,
		logger:  logger,
	}
}

// HandleUpgrade upgrades the request and runs the client until its socket
// closes. The first message sent is the state_sync snapshot.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}

	if h.getState != nil {
		if raw, err := json.Marshal(h.getState()); err == nil {
			c.enqueue(raw)
			h.countSent(MsgStateSync)
		} else {
			h.logger.Error("state sync marshal failed", "error", err)
		}
	}

	go h.writeLoop(c)
	h.readLoop(c)
	h.remove(c)
}

// readLoop drains (and discards) inbound frames; the command plane is
// HTTP. It keeps the pong deadline fresh and returns on socket error.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.heartbeat * 2)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.heartbeat * 2))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a payload to the client's writer without blocking. A full
// buffer means the client is too slow; it gets dropped.
func (c *client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		c.terminate()
		return false
	}
}

func (c *client) terminate() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (h *Hub) remove(c *client) {
	c.terminate()
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if present && h.metrics != nil {
		h.metrics.WSConnections.Dec()
	}
}

// Broadcast sends a message to every connected client. Closed or stalled
// sockets are skipped; one bad socket never affects the others.
func (h *Hub) Broadcast(msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "type", msg.MessageType(), "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueue(raw)
	}
	h.countSent(msg.MessageType())
}

// PublishClassifiedEvent wraps a classified envelope in the event wire
// format and broadcasts it.
func (h *Hub) PublishClassifiedEvent(c Classified) {
	secondary := c.SecondaryWorkspaces
	if secondary == nil {
		secondary = []string{}
	}
	h.Broadcast(&EventMessage{
		Type:                MsgEvent,
		Workspace:           c.Workspace,
		SecondaryWorkspaces: secondary,
		Envelope:            c.Envelope,
	})
}

// GetConnectionCount returns the number of connected clients.
func (h *Hub) GetConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close terminates every client and rejects future upgrades.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range targets {
		c.terminate()
		if h.metrics != nil {
			h.metrics.WSConnections.Dec()
		}
	}
}

func (h *Hub) countSent(msgType string) {
	if h.metrics != nil {
		h.metrics.WSMessagesSent.WithLabelValues(msgType).Inc()
	}
}
