// Package ws provides the WebSocket display gateway. Each connection drives
// its own orchestrator and receives view snapshots and bus events.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/difychat/internal/config"
	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/hub"
	"github.com/xiaot623/difychat/internal/orchestrator"
	"github.com/xiaot623/difychat/internal/protocol"
	"github.com/xiaot623/difychat/internal/relay"
)

// TokenVerifier resolves bearer tokens. transport/http.Authenticator satisfies it.
type TokenVerifier interface {
	Enabled() bool
	Lookup(token string) (domain.Principal, bool)
}

// Server handles WebSocket connections.
type Server struct {
	cfg       config.WSConfig
	hub       *hub.Hub
	backend   orchestrator.Backend
	relay     orchestrator.Relayer
	auth      TokenVerifier
	opTimeout time.Duration
	upgrader  websocket.Upgrader

	// backendTokenFallback sends the backend token to the provider when a
	// client gives no provider token. Used when the relay goes through the
	// backend's own chat endpoint.
	backendTokenFallback bool

	mu      sync.Mutex
	clients map[string]*client
}

// Option configures a Server.
type Option func(*Server)

// WithBackendTokenFallback uses the backend token as provider token when a
// hello carries none.
func WithBackendTokenFallback() Option {
	return func(s *Server) { s.backendTokenFallback = true }
}

// commandQueueSize bounds the commands a connection may have pending.
const commandQueueSize = 32

// client is the per-connection state created by hello.
type client struct {
	conn   *hub.Connection
	orch   *orchestrator.Orchestrator
	cmds   chan command
	ctx    context.Context
	cancel context.CancelFunc
}

// command is one client request, executed in arrival order.
type command struct {
	requestID string
	op        func(ctx context.Context) error
}

// NewServer creates a new WebSocket server.
func NewServer(cfg config.WSConfig, h *hub.Hub, backend orchestrator.Backend, relayer orchestrator.Relayer, auth TokenVerifier, opTimeout time.Duration, opts ...Option) *Server {
	if opTimeout <= 0 {
		opTimeout = 60 * time.Second
	}
	s := &Server{
		cfg:       cfg,
		hub:       h,
		backend:   backend,
		relay:     relayer,
		auth:      auth,
		opTimeout: opTimeout,
		clients:   make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes mounts the gateway on /ws.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", s.HandleWebSocket)
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket")
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.dropClient(conn.ID)
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("conn_id", conn.ID).Msg("websocket read error")
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn().Err(err).Str("conn_id", conn.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	if base.Type == protocol.TypeHello {
		s.handleHello(conn, data)
		return
	}

	cl := s.client(conn.ID)
	if cl == nil {
		s.sendError(conn, base.RequestID, protocol.ErrorCodeHelloRequired, "must send hello first")
		return
	}

	switch base.Type {
	case protocol.TypeSelectChatbot:
		var msg protocol.SelectChatbotMessage
		if !s.decode(conn, data, &msg) {
			return
		}
		s.run(cl, base.RequestID, func(ctx context.Context) error {
			s.hub.BindChatbot(conn, msg.ChatbotID)
			return cl.orch.SelectChatbot(ctx, domain.BotRef{ChatbotID: msg.ChatbotID, DifyChatbotID: msg.DifyChatbotID})
		})
	case protocol.TypeSelectSession:
		var msg protocol.SelectSessionMessage
		if !s.decode(conn, data, &msg) {
			return
		}
		s.run(cl, base.RequestID, func(ctx context.Context) error {
			return cl.orch.SelectSession(ctx, msg.SessionID)
		})
	case protocol.TypeNewSession:
		s.run(cl, base.RequestID, func(ctx context.Context) error {
			_, err := cl.orch.NewSession(ctx)
			return err
		})
	case protocol.TypeSend:
		var msg protocol.SendMessage
		if !s.decode(conn, data, &msg) {
			return
		}
		requestID := base.RequestID
		s.run(cl, requestID, func(context.Context) error {
			// The relay outlives this command; later commands run while
			// the reply is pending.
			ctx, cancel := context.WithTimeout(cl.ctx, s.opTimeout)
			err := cl.orch.SendAsync(ctx, msg.Text, func(_ relay.Outcome, err error) {
				cancel()
				s.report(cl, requestID, err)
			})
			if err != nil {
				cancel()
			}
			return err
		})
	case protocol.TypeDeleteSession:
		var msg protocol.DeleteSessionMessage
		if !s.decode(conn, data, &msg) {
			return
		}
		s.run(cl, base.RequestID, func(ctx context.Context) error {
			return cl.orch.DeleteSession(ctx, msg.SessionID)
		})
	case protocol.TypeDeleteChatbot:
		var msg protocol.DeleteChatbotMessage
		if !s.decode(conn, data, &msg) {
			return
		}
		s.run(cl, base.RequestID, func(ctx context.Context) error {
			if err := cl.orch.DeleteChatbot(ctx, msg.ChatbotID, msg.DifyChatbotID); err != nil {
				return err
			}
			if cl.orch.Snapshot().Chatbot == nil {
				s.hub.BindChatbot(conn, 0)
			}
			return nil
		})
	default:
		s.sendError(conn, base.RequestID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+base.Type)
	}
}

// handleHello binds the connection to a user and starts its orchestrator.
func (s *Server) handleHello(conn *hub.Connection, data []byte) {
	var msg protocol.HelloMessage
	if !s.decode(conn, data, &msg) {
		return
	}

	creds := domain.Credentials{UserID: msg.UserID, Token: msg.Token, ProviderToken: msg.ProviderToken}
	if creds.ProviderToken == "" && s.backendTokenFallback {
		creds.ProviderToken = msg.Token
	}
	if !creds.Valid() {
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeMissingPrerequisite, "user_id and token are required")
		return
	}
	if s.auth != nil && s.auth.Enabled() {
		p, ok := s.auth.Lookup(msg.Token)
		if !ok || (!p.IsAdmin() && p.UserID != msg.UserID) {
			s.sendError(conn, msg.RequestID, protocol.ErrorCodeUnauthorized, "invalid token")
			return
		}
	}

	s.dropClient(conn.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cl := &client{
		conn:   conn,
		orch:   orchestrator.New(s.backend, s.relay, creds),
		cmds:   make(chan command, commandQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	views, unsubscribe := cl.orch.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-views:
				if err := s.hub.SendJSON(conn, protocol.NewSnapshot(v)); err != nil {
					log.Debug().Err(err).Str("conn_id", conn.ID).Msg("snapshot not delivered")
				}
			}
		}
	}()

	go s.work(cl)

	s.mu.Lock()
	s.clients[conn.ID] = cl
	s.mu.Unlock()

	conn.OnEvent = func(e domain.Event) { s.applyEvent(cl, e) }
	s.hub.BindUser(conn, msg.UserID)

	s.hub.SendJSON(conn, protocol.HelloAckMessage{
		BaseMessage:  protocol.Base(protocol.TypeHelloAck, msg.RequestID),
		ConnectionID: conn.ID,
		UserID:       msg.UserID,
	})
	s.hub.SendJSON(conn, protocol.NewSnapshot(cl.orch.Snapshot()))

	log.Info().Str("conn_id", conn.ID).Int64("user_id", msg.UserID).Msg("hello handshake completed")
}

// applyEvent reconciles a connection's view with a change made elsewhere.
func (s *Server) applyEvent(cl *client, e domain.Event) {
	view := cl.orch.Snapshot()
	if view.Chatbot == nil || view.Chatbot.ChatbotID != e.ChatbotID {
		return
	}

	ctx, cancel := context.WithTimeout(cl.ctx, s.opTimeout)
	defer cancel()

	var err error
	switch e.Type {
	case domain.EventTypeSessionCreated:
		err = cl.orch.Refresh(ctx)
	case domain.EventTypeSessionDeleted:
		err = cl.orch.Forget(ctx, e.SessionID)
	case domain.EventTypeChatbotDeleted:
		err = cl.orch.ForgetChatbot(e.ChatbotID)
		s.hub.BindChatbot(cl.conn, 0)
	}
	if err != nil && !errors.Is(err, domain.ErrStale) {
		log.Debug().Err(err).Str("conn_id", cl.conn.ID).Str("event", string(e.Type)).Msg("event not applied")
	}
}

// run queues an operation for the client's worker. The read pump never
// blocks on it; a full queue is reported to the client.
func (s *Server) run(cl *client, requestID string, op func(ctx context.Context) error) {
	select {
	case cl.cmds <- command{requestID: requestID, op: op}:
	default:
		s.sendError(cl.conn, requestID, protocol.ErrorCodeNotReady, "too many pending commands")
	}
}

// work executes a client's commands one at a time, in the order received.
func (s *Server) work(cl *client) {
	for {
		select {
		case <-cl.ctx.Done():
			return
		case cmd := <-cl.cmds:
			ctx, cancel := context.WithTimeout(cl.ctx, s.opTimeout)
			err := cmd.op(ctx)
			cancel()
			s.report(cl, cmd.requestID, err)
		}
	}
}

func (s *Server) report(cl *client, requestID string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrStale) {
		log.Debug().Str("conn_id", cl.conn.ID).Msg("operation superseded")
		return
	}
	code := errorCode(err)
	log.Warn().Err(err).Str("conn_id", cl.conn.ID).Str("code", code).Msg("operation failed")
	s.sendError(cl.conn, requestID, code, err.Error())
}

func (s *Server) decode(conn *hub.Connection, data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid message: "+err.Error())
		return false
	}
	return true
}

func (s *Server) client(connID string) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[connID]
}

func (s *Server) dropClient(connID string) {
	s.mu.Lock()
	cl := s.clients[connID]
	delete(s.clients, connID)
	s.mu.Unlock()
	if cl != nil {
		cl.cancel()
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, requestID, code, message string) {
	s.hub.SendJSON(conn, protocol.NewError(requestID, code, message))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrMissingPrerequisite):
		return protocol.ErrorCodeMissingPrerequisite
	case errors.Is(err, domain.ErrInvalidInput):
		return protocol.ErrorCodeInvalidMessage
	case domain.IsNotFound(err):
		return protocol.ErrorCodeNotFound
	case errors.Is(err, domain.ErrForbidden):
		return protocol.ErrorCodeForbidden
	case errors.Is(err, orchestrator.ErrNotReady):
		return protocol.ErrorCodeNotReady
	case domain.IsTransport(err), domain.IsMalformed(err):
		return protocol.ErrorCodeUpstream
	default:
		return protocol.ErrorCodeInternalError
	}
}
