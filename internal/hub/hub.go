// Package hub provides connection management for WebSocket clients.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/protocol"
)

// Connection represents a single WebSocket connection.
type Connection struct {
	ID        string
	UserID    int64
	ChatbotID int64
	Conn      *websocket.Conn
	Send      chan []byte

	// OnEvent, when set, is called for every event routed to the connection.
	OnEvent func(domain.Event)

	hub *Hub
	mu  sync.Mutex
}

// Hub manages all WebSocket connections and routes bus events to them.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// users and chatbots map an id to the set of bound connection IDs
	users    map[int64]map[string]bool
	chatbots map[int64]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	events     chan domain.Event
	done       chan struct{}

	sendBuffer int
	mu         sync.RWMutex
}

// NewHub creates a new Hub. sendBuffer is the per-connection outbound queue size.
func NewHub(sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{
		connections: make(map[string]*Connection),
		users:       make(map[int64]map[string]bool),
		chatbots:    make(map[int64]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		events:      make(chan domain.Event, 256),
		done:        make(chan struct{}),
		sendBuffer:  sendBuffer,
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			log.Debug().Str("conn_id", conn.ID).Msg("connection registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				unbind(h.users, conn.UserID, conn.ID)
				unbind(h.chatbots, conn.ChatbotID, conn.ID)
				close(conn.Send)
			}
			h.mu.Unlock()
			log.Debug().Str("conn_id", conn.ID).Msg("connection unregistered")

		case event := <-h.events:
			h.route(event)
		}
	}
}

// route delivers an event to every connection bound to its user or chatbot.
func (h *Hub) route(event domain.Event) {
	data, err := json.Marshal(protocol.NewEvent(event))
	if err != nil {
		log.Error().Err(err).Str("event_id", event.EventID).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	targets := make(map[string]*Connection)
	for connID := range h.users[event.UserID] {
		targets[connID] = h.connections[connID]
	}
	for connID := range h.chatbots[event.ChatbotID] {
		targets[connID] = h.connections[connID]
	}
	h.mu.RUnlock()

	for connID, conn := range targets {
		if conn == nil {
			continue
		}
		if err := h.SendToConnection(conn, data); err != nil {
			log.Warn().Str("conn_id", connID).Msg("connection buffer full, closing")
			go h.Unregister(conn)
			continue
		}
		if conn.OnEvent != nil {
			go conn.OnEvent(event)
		}
	}
}

// NewConnection creates a new connection. It is not registered yet.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, h.sendBuffer),
		hub:  h,
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Dispatch queues a domain event for routing.
func (h *Hub) Dispatch(event domain.Event) {
	select {
	case h.events <- event:
	case <-h.done:
	}
}

// BindUser binds a connection to a user.
func (h *Hub) BindUser(conn *Connection, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	unbind(h.users, conn.UserID, conn.ID)
	conn.UserID = userID
	bind(h.users, userID, conn.ID)
}

// BindChatbot binds a connection to the chatbot it is viewing. 0 unbinds.
func (h *Hub) BindChatbot(conn *Connection, chatbotID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	unbind(h.chatbots, conn.ChatbotID, conn.ID)
	conn.ChatbotID = chatbotID
	bind(h.chatbots, chatbotID, conn.ID)
}

// SendToConnection queues data for a connection without blocking.
func (h *Hub) SendToConnection(conn *Connection, data []byte) (err error) {
	// Send may already be closed by Unregister.
	defer func() {
		if recover() != nil {
			err = ErrConnectionClosed
		}
	}()
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSON encodes v and queues it for a connection.
func (h *Hub) SendJSON(conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// HasUser reports whether a user has any bound connection.
func (h *Hub) HasUser(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.connections {
		close(conn.Send)
		delete(h.connections, id)
	}
	h.users = make(map[int64]map[string]bool)
	h.chatbots = make(map[int64]map[string]bool)
}

func bind(index map[int64]map[string]bool, key int64, connID string) {
	if key == 0 {
		return
	}
	if index[key] == nil {
		index[key] = make(map[string]bool)
	}
	index[key][connID] = true
}

func unbind(index map[int64]map[string]bool, key int64, connID string) {
	if key == 0 || index[key] == nil {
		return
	}
	delete(index[key], connID)
	if len(index[key]) == 0 {
		delete(index, key)
	}
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
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

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

var (
	// ErrBufferFull is returned when the send buffer is full.
	ErrBufferFull = &BufferFullError{}
	// ErrConnectionClosed is returned when sending on an unregistered connection.
	ErrConnectionClosed = &ClosedError{}
)

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}

// ClosedError means the connection was already unregistered.
type ClosedError struct{}

func (e *ClosedError) Error() string {
	return "connection closed"
}
