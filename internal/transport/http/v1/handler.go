// Package v1 provides the REST handlers of the persistence backend.
package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/service"
)

// PrincipalKey is the echo context key holding the authenticated domain.Principal.
const PrincipalKey = "principal"

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the API routes on g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	// Chat sessions
	g.GET("/chat-sessions/user/:user_id", h.ListSessionsByUser)
	g.GET("/chat-sessions/chatbot/:chatbot_id", h.ListSessionsByChatbot)
	g.POST("/chat-sessions", h.CreateSession)
	g.DELETE("/chat-sessions/:session_id", h.DeleteSession)

	// Messages
	g.GET("/messages/session/:session_id", h.GetSessionMessages)
	g.POST("/messages", h.CreateMessage)

	// Chatbots
	g.GET("/chatbots", h.ListChatbots)
	g.GET("/chatbots/user/:user_id", h.ListUserChatbots)
	g.GET("/chatbots/:chatbot_id", h.GetChatbot)
	g.POST("/chatbots/create-chatbot", h.CreateChatbot)
	g.DELETE("/chatbots/:chatbot_id", h.DeleteChatbot)
	g.POST("/chatbots/chat", h.Chat)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func principal(c echo.Context) domain.Principal {
	if p, ok := c.Get(PrincipalKey).(domain.Principal); ok {
		return p
	}
	return domain.Principal{}
}

func parseID(c echo.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

// writeError maps service errors onto status codes.
func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrMissingPrerequisite):
		status = http.StatusServiceUnavailable
	case domain.IsTransport(err), domain.IsMalformed(err):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
