// Package backend is the HTTP client for the persistence backend's REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/xiaot623/difychat/internal/domain"
)

// Client calls the persistence backend on behalf of explicit credentials.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a backend client rooted at baseURL (for example http://host:3001/api).
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ListSessions lists the caller's sessions with chatbotID, or all of the
// caller's sessions when chatbotID is 0. An empty list is not an error.
func (c *Client) ListSessions(ctx context.Context, creds domain.Credentials, chatbotID int64) ([]domain.ChatSession, error) {
	if !creds.Valid() {
		return nil, domain.MissingPrerequisite("credentials")
	}
	path := "/chat-sessions/user/" + strconv.FormatInt(creds.UserID, 10)
	if chatbotID > 0 {
		path = "/chat-sessions/chatbot/" + strconv.FormatInt(chatbotID, 10)
	}
	var sessions []domain.ChatSession
	if err := c.do(ctx, creds, "list sessions", http.MethodGet, path, nil, &sessions); err != nil {
		return nil, err
	}
	// A backend without principals answers as admin with every user's sessions.
	owned := make([]domain.ChatSession, 0, len(sessions))
	for _, s := range sessions {
		if s.UserID == creds.UserID {
			owned = append(owned, s)
		}
	}
	return owned, nil
}

// CreateSession creates a session for the caller and chatbotID.
func (c *Client) CreateSession(ctx context.Context, creds domain.Credentials, chatbotID int64) (int64, error) {
	if !creds.Valid() {
		return 0, domain.MissingPrerequisite("credentials")
	}
	if chatbotID <= 0 {
		return 0, domain.MissingPrerequisite("chatbot")
	}
	body := map[string]int64{"user_id": creds.UserID, "chatbot_id": chatbotID}
	var resp struct {
		SessionID *int64 `json:"sessionId"`
	}
	if err := c.do(ctx, creds, "create session", http.MethodPost, "/chat-sessions", body, &resp); err != nil {
		return 0, err
	}
	if resp.SessionID == nil || *resp.SessionID <= 0 {
		return 0, &domain.MalformedResponseError{Op: "create session", Err: errors.New("missing sessionId")}
	}
	return *resp.SessionID, nil
}

// DeleteSession deletes a session; a missing session yields domain.ErrNotFound.
func (c *Client) DeleteSession(ctx context.Context, creds domain.Credentials, sessionID int64) error {
	if !creds.Valid() {
		return domain.MissingPrerequisite("credentials")
	}
	if sessionID <= 0 {
		return domain.MissingPrerequisite("session")
	}
	return c.do(ctx, creds, "delete session", http.MethodDelete,
		"/chat-sessions/"+strconv.FormatInt(sessionID, 10), nil, nil)
}

// ListMessages lists a session's messages in creation order.
func (c *Client) ListMessages(ctx context.Context, creds domain.Credentials, sessionID int64) ([]domain.Message, error) {
	if !creds.Valid() {
		return nil, domain.MissingPrerequisite("credentials")
	}
	if sessionID <= 0 {
		return nil, domain.MissingPrerequisite("session")
	}
	var messages []domain.Message
	if err := c.do(ctx, creds, "list messages", http.MethodGet,
		"/messages/session/"+strconv.FormatInt(sessionID, 10), nil, &messages); err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return messages, nil
}

// CreateMessage appends a message to a session.
func (c *Client) CreateMessage(ctx context.Context, creds domain.Credentials, sessionID int64, role domain.Role, content string) error {
	if !creds.Valid() {
		return domain.MissingPrerequisite("credentials")
	}
	if sessionID <= 0 {
		return domain.MissingPrerequisite("session")
	}
	body := map[string]any{"session_id": sessionID, "content": content, "role": role}
	return c.do(ctx, creds, "create message", http.MethodPost, "/messages", body, nil)
}

// ListChatbots lists every chatbot.
func (c *Client) ListChatbots(ctx context.Context, creds domain.Credentials) ([]domain.Chatbot, error) {
	if !creds.Valid() {
		return nil, domain.MissingPrerequisite("credentials")
	}
	var chatbots []domain.Chatbot
	if err := c.do(ctx, creds, "list chatbots", http.MethodGet, "/chatbots", nil, &chatbots); err != nil {
		return nil, err
	}
	return chatbots, nil
}

// GetChatbot fetches one chatbot.
func (c *Client) GetChatbot(ctx context.Context, creds domain.Credentials, chatbotID int64) (*domain.Chatbot, error) {
	if !creds.Valid() {
		return nil, domain.MissingPrerequisite("credentials")
	}
	var chatbot domain.Chatbot
	if err := c.do(ctx, creds, "get chatbot", http.MethodGet,
		"/chatbots/"+strconv.FormatInt(chatbotID, 10), nil, &chatbot); err != nil {
		return nil, err
	}
	return &chatbot, nil
}

// DeleteChatbot deletes a chatbot and, on the backend, its provider app.
func (c *Client) DeleteChatbot(ctx context.Context, creds domain.Credentials, chatbotID int64, difyChatbotID string) error {
	if !creds.Valid() {
		return domain.MissingPrerequisite("credentials")
	}
	if chatbotID <= 0 {
		return domain.MissingPrerequisite("chatbot")
	}
	body := map[string]string{"dify_chatbot_id": difyChatbotID}
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, creds, "delete chatbot", http.MethodDelete,
		"/chatbots/"+strconv.FormatInt(chatbotID, 10), body, &resp); err != nil {
		return err
	}
	if resp.Message != "Chatbot deleted successfully" {
		return &domain.MalformedResponseError{Op: "delete chatbot", Err: errors.Errorf("unexpected message %q", resp.Message)}
	}
	return nil
}

// do sends one request. 404 maps to domain.ErrNotFound, other non-2xx to
// *domain.TransportError, undecodable bodies to *domain.MalformedResponseError.
func (c *Client) do(ctx context.Context, creds domain.Credentials, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "%s: encode request", op)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrapf(err, "%s: build request", op)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode == http.StatusNotFound {
		return errors.Wrap(domain.ErrNotFound, op)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(errorMessage(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &domain.MalformedResponseError{Op: op, Err: err}
	}
	return nil
}

func errorMessage(body []byte) string {
	var resp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &resp) == nil && resp.Error != "" {
		return resp.Error
	}
	return strings.TrimSpace(string(body))
}
