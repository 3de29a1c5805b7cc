package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/torctl/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
)

// EventMessage is the websocket frame for one notification.
type EventMessage struct {
	Category   string            `json:"category"`
	Severity   string            `json:"severity"`
	Action     string            `json:"action"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Received   time.Time         `json:"received"`
}

type client struct {
	conn       *websocket.Conn
	send       chan []byte
	categories map[string]bool
}

func newClient(conn *websocket.Conn, categories []string) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	for _, cat := range categories {
		if cat = strings.ToUpper(strings.TrimSpace(cat)); cat != "" {
			if c.categories == nil {
				c.categories = make(map[string]bool)
			}
			c.categories[cat] = true
		}
	}
	return c
}

func (c *client) wants(category string) bool {
	return c.categories == nil || c.categories[category]
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// Hub fans notifications out to websocket clients. A client whose buffer
// is full is disconnected rather than blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	log     zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     logger,
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Publish has the session.Listener signature so it can be subscribed
// directly.
func (h *Hub) Publish(ev protocol.Event) {
	data, err := json.Marshal(EventMessage{
		Category:   ev.Category,
		Severity:   ev.Severity,
		Action:     ev.Action,
		Attributes: ev.Attributes,
		Received:   time.Now().UTC(),
	})
	if err != nil {
		h.log.Error().Err(err).Msg("event marshal failed")
		return
	}

	// Sends happen under the read lock so remove and Close cannot close a
	// send channel mid-publish.
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(ev.Category) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn().Str("category", ev.Category).Msg("event client too slow, disconnecting")
		h.remove(c)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client; later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event stream disabled"})
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	cl := newClient(conn, c.QueryArray("category"))
	if !s.hub.add(cl) {
		_ = conn.Close()
		return
	}
	go cl.writePump()
	remote := c.Request.RemoteAddr
	s.log.Debug().Str("remote", remote).Msg("event client connected")

	go func() {
		defer func() {
			s.hub.remove(cl)
			s.log.Debug().Str("remote", remote).Msg("event client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// checkOrigin allows non-browser clients and the configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.CorsOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
