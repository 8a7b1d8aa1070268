package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"carelink/internal/core"
	"carelink/internal/logging"
	"carelink/pkg"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Message is one frame sent to a websocket client.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Error     string          `json:"error,omitempty"`
}

const (
	typePong  = "pong"
	typeError = "error"
)

// Client is one connected websocket, bound to the actor of its token.
type Client struct {
	ID    string
	actor pkg.Actor
	conn  *websocket.Conn
	hub   *Hub
	send  chan []byte
}

type outbound struct {
	actor pkg.Actor
	data  []byte
}

// Hub fans live views out to the websocket clients of the actor they belong
// to.  It implements core.Publisher.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	mu         sync.RWMutex
	stopCh     chan struct{}
	stopOnce   sync.Once
	log        zerolog.Logger
}

// NewHub creates a Hub.  Run must be started for it to deliver anything.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
		stopCh:     make(chan struct{}),
		log:        logging.Component(log, "hub"),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stopCh:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.removeClient(client)
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Stop ends Run and closes every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Publish queues the event for the clients of the event's actor.  It never
// blocks; events are dropped when the queue is full.
func (h *Hub) Publish(ev core.Event) {
	if ev.View == nil {
		return
	}
	data, err := json.Marshal(ev.View)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal view")
		return
	}
	frame, err := json.Marshal(&Message{Type: ev.Kind, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal frame")
		return
	}
	select {
	case h.broadcast <- outbound{actor: ev.View.Actor, data: frame}:
	default:
		h.log.Warn().Str("kind", ev.Kind).Msg("live update dropped, queue full")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.actor != msg.actor {
			continue
		}
		select {
		case client.send <- msg.data:
		default:
			// Client buffer full, skip
		}
	}
}

// NewClient creates a client for an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, actor pkg.Actor) *Client {
	return &Client{
		ID:    uuid.NewString(),
		actor: actor,
		conn:  conn,
		hub:   hub,
		send:  make(chan []byte, 64),
	}
}

// ReadPump reads control frames until the connection closes.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("client_id", c.ID).Msg("websocket closed")
			}
			return
		}
		c.handleMessage(message)
	}
}

// WritePump writes queued frames and keepalive pings.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(&Message{Type: typeError, Error: "invalid message format"})
		return
	}
	switch msg.Type {
	case "ping":
		c.reply(&Message{Type: typePong})
	default:
		c.reply(&Message{Type: typeError, Error: "unknown message type"})
	}
}

func (c *Client) reply(msg *Message) {
	msg.Timestamp = time.Now().UTC()
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
	}
}

// handleWS upgrades the connection.  Browsers cannot set headers on a
// websocket handshake, so the token comes in the query string.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	a, err := ParseToken(s.secret, r.URL.Query().Get("token"))
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(s.Hub, conn, a)
	view := s.Coord.ViewFor(r.Context(), a)
	if data, err := json.Marshal(view); err == nil {
		frame, _ := json.Marshal(&Message{Type: core.EventView, Data: data, Timestamp: time.Now().UTC()})
		client.send <- frame
	}

	select {
	case s.Hub.register <- client:
	case <-s.Hub.stopCh:
		conn.Close()
		return
	}
	s.log.Debug().Str("client_id", client.ID).Str("role", string(a.Role)).Int64("id", a.ID).Msg("websocket connected")

	// The request context ends when the handler returns.
	ctx := context.Background()
	go client.WritePump(ctx)
	go client.ReadPump(ctx)
}
