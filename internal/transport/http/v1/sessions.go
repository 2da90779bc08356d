package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// CreateSessionRequest is the body of POST /chat-sessions.
type CreateSessionRequest struct {
	UserID    int64 `json:"user_id"`
	ChatbotID int64 `json:"chatbot_id"`
}

// ListSessionsByUser lists a user's sessions.
// GET /chat-sessions/user/:user_id
func (h *Handler) ListSessionsByUser(c echo.Context) error {
	userID, ok := parseID(c, "user_id")
	if !ok {
		return badRequest(c, "invalid user_id")
	}
	sessions, err := h.service.ListSessionsByUser(c.Request().Context(), principal(c), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sessions)
}

// ListSessionsByChatbot lists the caller's sessions with a chatbot.
// GET /chat-sessions/chatbot/:chatbot_id
func (h *Handler) ListSessionsByChatbot(c echo.Context) error {
	chatbotID, ok := parseID(c, "chatbot_id")
	if !ok {
		return badRequest(c, "invalid chatbot_id")
	}
	sessions, err := h.service.ListSessionsByChatbot(c.Request().Context(), principal(c), chatbotID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sessions)
}

// CreateSession creates a session.
// POST /chat-sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.UserID <= 0 || req.ChatbotID <= 0 {
		return badRequest(c, "user_id and chatbot_id are required")
	}

	session, err := h.service.CreateSession(c.Request().Context(), principal(c), req.UserID, req.ChatbotID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]int64{"sessionId": session.ID})
}

// DeleteSession deletes a session and its messages.
// DELETE /chat-sessions/:session_id
func (h *Handler) DeleteSession(c echo.Context) error {
	sessionID, ok := parseID(c, "session_id")
	if !ok {
		return badRequest(c, "invalid session_id")
	}
	if err := h.service.DeleteSession(c.Request().Context(), principal(c), sessionID); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"sessionId": sessionID})
}
