// Package notify pushes alarm transitions and engine status snapshots to
// websocket subscribers (operator UIs, notification gateways).
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/powerman/structlog"

	"github.com/softpoint/logicd/internal/alarms"
)

var log = structlog.New()

const (
	writeWait      = 5 * time.Second
	sendBufferSize = 64
	maxClients     = 32
)

type event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub fans events out to connected clients. A client that cannot keep up is
// dropped rather than allowed to block the broadcast.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{
		clients: map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// AlarmTransition implements alarms.Notifier.
func (h *Hub) AlarmTransition(t alarms.Transition) {
	h.broadcast(event{Type: "alarm", Data: t})
}

// Status broadcasts an engine observability snapshot.
func (h *Hub) Status(v interface{}) {
	h.broadcast(event{Type: "status", Data: v})
}

func (h *Hub) broadcast(e event) {
	buf, err := json.Marshal(e)
	if err != nil {
		log.PrintErr("event not marshaled", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- buf:
		default:
			delete(h.clients, c)
			close(c.send)
			log.Warn("slow subscriber dropped")
		}
	}
}

// ServeHTTP upgrades the request to a websocket subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	if n >= maxClients {
		http.Error(w, "too many subscribers", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.PrintErr("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	defer func() { _ = c.conn.Close() }()
	for buf := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
			h.drop(c)
			return
		}
	}
}

// readPump discards inbound messages and detects the peer going away.
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, f := h.clients[c]; f {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
}
