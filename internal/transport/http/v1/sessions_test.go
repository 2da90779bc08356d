package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/difychat/internal/domain"
)

func TestCreateSessionAndList(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	c, rec := newContext(e, http.MethodPost, "/api/chat-sessions", `{"user_id":1,"chatbot_id":7}`, owner)
	if err := h.CreateSession(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created["sessionId"] <= 0 {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}

	c, rec = newContext(e, http.MethodGet, "/api/chat-sessions/chatbot/7", "", owner)
	c.SetParamNames("chatbot_id")
	c.SetParamValues("7")
	if err := h.ListSessionsByChatbot(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var sessions []domain.ChatSession
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != created["sessionId"] {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestListSessionsEmptyIsArray(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	c, rec := newContext(e, http.MethodGet, "/api/chat-sessions/user/1", "", owner)
	c.SetParamNames("user_id")
	c.SetParamValues("1")
	if err := h.ListSessionsByUser(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "[]\n" {
		t.Fatalf("expected empty array, got %q", got)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	c, rec := newContext(e, http.MethodPost, "/api/chat-sessions", `{"user_id":1}`, owner)
	if err := h.CreateSession(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	c, rec = newContext(e, http.MethodPost, "/api/chat-sessions", `{"user_id":1,"chatbot_id":2}`, stranger)
	if err := h.CreateSession(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	e := echo.New()
	h, store := newTestHandler(t)

	session := &domain.ChatSession{UserID: 1, ChatbotID: 3}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	c, rec := newContext(e, http.MethodDelete, "/api/chat-sessions/x", "", owner)
	c.SetParamNames("session_id")
	c.SetParamValues("x")
	if err := h.DeleteSession(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	id := jsonID(session.ID)
	c, rec = newContext(e, http.MethodDelete, "/api/chat-sessions/"+id, "", owner)
	c.SetParamNames("session_id")
	c.SetParamValues(id)
	if err := h.DeleteSession(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	c, rec = newContext(e, http.MethodDelete, "/api/chat-sessions/"+id, "", owner)
	c.SetParamNames("session_id")
	c.SetParamValues(id)
	if err := h.DeleteSession(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func jsonID(id int64) string {
	return strconv.FormatInt(id, 10)
}
