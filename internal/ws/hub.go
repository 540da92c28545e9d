// Package ws implements the real-time transport: a websocket hub mapping
// each user id to at most one live connection.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chess-wager/internal/metrics"
	"chess-wager/internal/notify"
)

// client is a single connected user. Writes go through a buffered send
// channel drained by one writer goroutine, so publishing never blocks.
type client struct {
	userID    int64
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Hub maps user ids to live connections and fans events out to them.
// A later connection for the same user replaces the earlier one.
type Hub struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	sendBuffer   int

	mu      sync.RWMutex
	clients map[int64]*client
	closed  bool
}

// NewHub creates a Hub. allowOrigin is the websocket origin policy.
func NewHub(allowOrigin func(r *http.Request) bool, sendBuffer int, writeTimeout time.Duration) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{
		upgrader:     websocket.Upgrader{CheckOrigin: allowOrigin},
		writeTimeout: writeTimeout,
		sendBuffer:   sendBuffer,
		clients:      make(map[int64]*client),
	}
}

// HandleWS upgrades the request and attaches the connection to the
// authenticated user until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	if prev, ok := h.clients[userID]; ok {
		prev.close()
	}
	h.clients[userID] = c
	h.mu.Unlock()

	metrics.ConnectedClients.Inc()
	log.Debug().Int64("user_id", userID).Msg("websocket client connected")

	go c.writePump(h.writeTimeout)

	// Read loop exists to observe the close; inbound frames are ignored.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.detach(c)
	metrics.ConnectedClients.Dec()
	log.Debug().Int64("user_id", userID).Msg("websocket client disconnected")
}

// Publish implements notify.Publisher. Events for users without a live
// connection, or whose send buffer is full, are dropped.
func (h *Hub) Publish(event notify.Event, userIDs ...int64) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event", event.Type).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, id := range userIDs {
		c, ok := h.clients[id]
		if !ok {
			metrics.NotificationsDropped.Inc()
			continue
		}
		select {
		case c.send <- payload:
		default:
			metrics.NotificationsDropped.Inc()
		}
	}
}

// Close tears down all connections. The hub accepts no clients afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[c.userID]; ok && cur == c {
		delete(h.clients, c.userID)
	}
	c.close()
}

func (c *client) writePump(timeout time.Duration) {
	defer func() {
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
