package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/difychat/internal/domain"
)

// CreateMessageRequest is the body of POST /messages.
type CreateMessageRequest struct {
	SessionID int64       `json:"session_id"`
	Content   string      `json:"content"`
	Role      domain.Role `json:"role"`
}

// GetSessionMessages retrieves messages for a session.
// GET /messages/session/:session_id
func (h *Handler) GetSessionMessages(c echo.Context) error {
	sessionID, ok := parseID(c, "session_id")
	if !ok {
		return badRequest(c, "invalid session_id")
	}
	messages, err := h.service.GetMessages(c.Request().Context(), principal(c), sessionID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, messages)
}

// CreateMessage appends a message to a session.
// POST /messages
func (h *Handler) CreateMessage(c echo.Context) error {
	var req CreateMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.SessionID <= 0 {
		return badRequest(c, "session_id is required")
	}
	if req.Content == "" {
		return badRequest(c, "content is required")
	}

	msg, err := h.service.CreateMessage(c.Request().Context(), principal(c), req.SessionID, req.Role, req.Content)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]int64{"messageId": msg.ID})
}
