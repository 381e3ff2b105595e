package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"mqttlens/session"
)

// Feed message types sent to websocket clients besides session event kinds.
const (
	MessageTypePing = "ping"
)

// isLocalhostOrigin checks if the Origin header indicates a localhost request.
func isLocalhostOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1")
}

// FeedMessage is one websocket frame.
type FeedMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Hub manages websocket connections and broadcasts the live feed.
type Hub struct {
	logger         zerolog.Logger
	allowedOrigins []string
	upgrader       websocket.Upgrader

	clients    map[*wsClient]bool
	broadcast  chan *FeedMessage
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.RWMutex
}

// wsClient represents a websocket client connection.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a websocket hub. Browser origins other than localhost must
// be listed in allowedOrigins.
func NewHub(logger zerolog.Logger, allowedOrigins []string) *Hub {
	h := &Hub{
		logger:         logger,
		allowedOrigins: allowedOrigins,
		clients:        make(map[*wsClient]bool),
		broadcast:      make(chan *FeedMessage, 256),
		register:       make(chan *wsClient),
		unregister:     make(chan *wsClient),
		done:           make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.originAllowed(r.Header.Get("Origin")) },
	}
	return h
}

func (h *Hub) originAllowed(origin string) bool {
	if origin == "" || isLocalhostOrigin(origin) {
		return true
	}
	for _, o := range h.allowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run starts the hub's main loop. It returns when ctx is cancelled, after
// closing every client.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug().Int("clients", n).Msg("websocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug().Int("clients", n).Msg("websocket client disconnected")

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error().Err(err).Msg("failed to marshal feed message")
				continue
			}

			// Collect slow clients under the read lock, remove them under
			// the write lock.
			h.mu.RLock()
			var toRemove []*wsClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					toRemove = append(toRemove, client)
				}
			}
			h.mu.RUnlock()

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
			}

		case <-pingTicker.C:
			h.Broadcast(&FeedMessage{
				Type:      MessageTypePing,
				Timestamp: time.Now(),
			})
		}
	}
}

// Broadcast sends a message to all connected clients. It never blocks.
func (h *Hub) Broadcast(msg *FeedMessage) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn().Str("type", msg.Type).Msg("broadcast channel full, dropping message")
	}
}

// Publish broadcasts a session event.
func (h *Hub) Publish(ev session.Event) {
	h.Broadcast(&FeedMessage{
		Type:      ev.Kind,
		Timestamp: time.Now(),
		Data:      ev,
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler returns an HTTP handler that upgrades to a websocket and
// streams the live feed.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !h.originAllowed(origin) {
			h.logger.Warn().Str("origin", origin).Msg("rejected websocket origin")
			http.Error(w, "Forbidden: origin not allowed", http.StatusForbidden)
			return
		}

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error().Err(err).Msg("failed to upgrade connection")
			return
		}

		client := &wsClient{
			hub:  h,
			conn: conn,
			send: make(chan []byte, 256),
		}

		select {
		case h.register <- client:
		case <-h.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so control frames are processed and
// unregisters the client when it goes away.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("websocket error")
			}
			return
		}
	}
}
