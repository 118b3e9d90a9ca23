package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/netrender/backend/internal/metrics"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

var ErrTooManyConnections = errors.New("too many connections")

type client struct {
	id     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

// writePump is the only goroutine writing to conn. It exits when the client
// is removed or a write fails, and removes the client on the way out.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.hub.RemoveClient(c)
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug().Err(err).Msg("ws write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands msg to the write pump. It reports false once the client is
// gone; the message is dropped in that case.
func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub tracks connected clients and enforces the connection limit.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	logger   zerolog.Logger
}

// NewHub creates a hub. A maxConns of 0 means unlimited.
func NewHub(maxConns int, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		logger:   logger,
	}
}

// Full reports whether another client would be refused.
func (h *Hub) Full() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.maxConns > 0 && len(h.clients) >= h.maxConns
}

// AddClient registers conn and starts its write pump.
func (h *Hub) AddClient(conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	if h.maxConns > 0 && len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	id := uuid.NewString()
	c := &client{
		id:     id,
		conn:   conn,
		hub:    h,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: h.logger.With().Str("conn", id).Logger(),
	}
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()

	metrics.SetClients(n)
	go c.writePump()
	return c, nil
}

func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		metrics.SetClients(n)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.RemoveClient(c)
	}
}
