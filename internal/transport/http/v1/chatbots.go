package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/difychat/internal/domain"
)

// CreateChatbotRequest is the body of POST /chatbots/create-chatbot.
type CreateChatbotRequest struct {
	UserID        int64  `json:"user_id"`
	DifyChatbotID string `json:"dify_chatbot_id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Prompt        string `json:"prompt"`
	Icon          string `json:"icon"`
	Provider      string `json:"provider"`
	ModelName     string `json:"nameModel"`
	Mode          string `json:"mode"`
}

// DeleteChatbotRequest is the body of DELETE /chatbots/:chatbot_id.
type DeleteChatbotRequest struct {
	DifyChatbotID string `json:"dify_chatbot_id"`
}

// DeleteChatbotResponse reports both deletion phases.
type DeleteChatbotResponse struct {
	Message       string  `json:"message"`
	SessionIDs    []int64 `json:"session_ids"`
	RemoteDeleted bool    `json:"remote_deleted"`
	RemoteError   string  `json:"remote_error,omitempty"`
}

// ChatRequest is the body of POST /chatbots/chat.
type ChatRequest struct {
	Query         string `json:"query"`
	DifyChatbotID string `json:"dify_chatbot_id"`
}

// ChatbotDeletedMessage is returned by a successful chatbot delete.
const ChatbotDeletedMessage = "Chatbot deleted successfully"

// ListChatbots lists chatbots, optionally filtered by ?user_id=.
// GET /chatbots
func (h *Handler) ListChatbots(c echo.Context) error {
	var userID int64
	if v := c.QueryParam("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return badRequest(c, "invalid user_id")
		}
		userID = id
	}
	chatbots, err := h.service.ListChatbots(c.Request().Context(), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, chatbots)
}

// ListUserChatbots lists the chatbots a user owns.
// GET /chatbots/user/:user_id
func (h *Handler) ListUserChatbots(c echo.Context) error {
	userID, ok := parseID(c, "user_id")
	if !ok {
		return badRequest(c, "invalid user_id")
	}
	chatbots, err := h.service.ListChatbots(c.Request().Context(), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, chatbots)
}

// GetChatbot returns one chatbot.
// GET /chatbots/:chatbot_id
func (h *Handler) GetChatbot(c echo.Context) error {
	chatbotID, ok := parseID(c, "chatbot_id")
	if !ok {
		return badRequest(c, "invalid chatbot_id")
	}
	chatbot, err := h.service.GetChatbot(c.Request().Context(), principal(c), chatbotID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, chatbot)
}

// CreateChatbot registers a chatbot.
// POST /chatbots/create-chatbot
func (h *Handler) CreateChatbot(c echo.Context) error {
	var req CreateChatbotRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.UserID <= 0 || req.Name == "" {
		return badRequest(c, "user_id and name are required")
	}

	chatbot := &domain.Chatbot{
		UserID:        req.UserID,
		DifyChatbotID: req.DifyChatbotID,
		Name:          req.Name,
		Description:   req.Description,
		Prompt:        req.Prompt,
		Icon:          req.Icon,
		Provider:      req.Provider,
		ModelName:     req.ModelName,
		Mode:          req.Mode,
	}
	if err := h.service.CreateChatbot(c.Request().Context(), principal(c), chatbot); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]int64{"chatbotId": chatbot.ID})
}

// DeleteChatbot deletes a chatbot, its sessions, and its provider app.
// DELETE /chatbots/:chatbot_id
func (h *Handler) DeleteChatbot(c echo.Context) error {
	chatbotID, ok := parseID(c, "chatbot_id")
	if !ok {
		return badRequest(c, "invalid chatbot_id")
	}
	var req DeleteChatbotRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	result, err := h.service.DeleteChatbot(c.Request().Context(), principal(c), chatbotID, req.DifyChatbotID)
	if err != nil {
		return writeError(c, err)
	}
	resp := DeleteChatbotResponse{
		Message:       ChatbotDeletedMessage,
		SessionIDs:    result.SessionIDs,
		RemoteDeleted: result.RemoteDeleted,
	}
	if result.RemoteErr != nil {
		resp.RemoteError = result.RemoteErr.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// Chat relays a query to the provider and returns its answer.
// POST /chatbots/chat
func (h *Handler) Chat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Query == "" {
		return badRequest(c, "query is required")
	}

	answer, err := h.service.Chat(c.Request().Context(), principal(c), req.Query, req.DifyChatbotID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"answer": answer})
}
