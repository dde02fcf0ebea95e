// Package hub provides connection management for voice clients.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/signagehq/voicerelay/internal/logger"
)

const (
	sendBufferSize = 256
	closeGrace     = time.Second
)

var (
	// ErrBufferFull is returned when the send buffer is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrConnectionClosed is returned when sending to an unregistered connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Connection represents a single client WebSocket connection.
type Connection struct {
	ID       string
	TenantID string
	Conn     *websocket.Conn
	Queue    chan []byte

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Hub manages all client connections.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Tenants maps tenant id to the set of its connection IDs
	tenants map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	done       chan struct{}

	log *logger.Logger
	mu  sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		tenants:     make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		done:        make(chan struct{}),
		log:         log,
	}
}

// Run starts the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if h.tenants[conn.TenantID] == nil {
				h.tenants[conn.TenantID] = make(map[string]bool)
			}
			h.tenants[conn.TenantID][conn.ID] = true
			h.mu.Unlock()
			h.log.Info("connection registered", logrus.Fields{"conn_id": conn.ID, "tenant_id": conn.TenantID})

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				if ids := h.tenants[conn.TenantID]; ids != nil {
					delete(ids, conn.ID)
					if len(ids) == 0 {
						delete(h.tenants, conn.TenantID)
					}
				}
				conn.closeQueue()
			}
			h.mu.Unlock()
			h.log.Info("connection unregistered", logrus.Fields{"conn_id": conn.ID, "tenant_id": conn.TenantID})
		}
	}
}

// NewConnection creates a connection for an upgraded socket. It is not
// registered until Register is called.
func (h *Hub) NewConnection(ws *websocket.Conn, tenantID string) *Connection {
	return &Connection{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Conn:     ws,
		Queue:    make(chan []byte, sendBufferSize),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister removes a connection and closes its queue.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		conn.closeQueue()
	}
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetTenantCount returns the number of tenants with at least one connection.
func (h *Hub) GetTenantCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants)
}

// CloseAll sends a close frame to every connection. Used on shutdown.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.CloseWithReason(code, reason)
	}
}

// Send queues a JSON frame for the write pump without blocking.
func (c *Connection) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.Queue <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// CloseWithReason sends a close frame with code and reason, then closes the
// socket.
func (c *Connection) CloseWithReason(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		_ = c.Conn.Close()
	})
}

// WriteMessage writes a message to the connection.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

func (c *Connection) closeQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Queue)
	}
}
