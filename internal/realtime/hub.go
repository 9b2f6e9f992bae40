// Package realtime pushes refetch signals to connected storefront and admin
// clients over WebSockets. Events carry no payload beyond what changed; the
// clients reload the affected resource over REST.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Audience selects which connected clients receive an event.
type Audience string

const (
	AudienceAll    Audience = "all"
	AudienceAdmins Audience = "admins"
	AudienceUser   Audience = "user"
)

// Event is a refetch signal.
type Event struct {
	Type     string    `json:"type"`
	Action   string    `json:"action"`
	ID       string    `json:"id,omitempty"`
	At       time.Time `json:"at"`
	Audience Audience  `json:"audience"`
	UserID   string    `json:"user_id,omitempty"`
}

// Publisher is what the HTTP handlers depend on.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// Client is one WebSocket connection.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	isAdmin bool
}

// Hub tracks connected clients and fans events out to them.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	upgrader websocket.Upgrader
	log      zerolog.Logger
	onCount  func(n int)
}

// NewHub creates a hub. A nil checkOrigin enforces same-origin upgrades.
func NewHub(log zerolog.Logger, checkOrigin func(r *http.Request) bool) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		log: log,
	}
}

// OnClientCount registers a callback invoked whenever the client count changes.
func (h *Hub) OnClientCount(fn func(n int)) { h.onCount = fn }

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve upgrades the request and registers the connection. userID may be
// empty for anonymous shoppers.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string, isAdmin bool) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), userID: userID, isAdmin: isAdmin}
	h.register(c)
	go c.writePump()
	go c.readPump()
	return nil
}

// Publish delivers ev to every matching local client.
func (h *Hub) Publish(_ context.Context, ev Event) {
	h.Deliver(ev)
}

// Deliver fans ev out to the local clients. Clients whose buffers are full
// are disconnected rather than blocking the publisher.
func (h *Hub) Deliver(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.Audience == "" {
		ev.Audience = AudienceAll
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("realtime marshal")
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn().Str("user_id", c.userID).Msg("realtime client too slow, dropping")
		h.unregister(c)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()
	for c := range clients {
		close(c.send)
	}
	h.notifyCount()
}

func (c *Client) wants(ev Event) bool {
	switch ev.Audience {
	case AudienceAdmins:
		return c.isAdmin
	case AudienceUser:
		return c.userID != "" && c.userID == ev.UserID
	default:
		return true
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.notifyCount()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		h.notifyCount()
	}
}

func (h *Hub) notifyCount() {
	if h.onCount != nil {
		h.onCount(h.Count())
	}
}

// readPump only handles control frames; clients never send data.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
