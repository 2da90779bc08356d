package v1

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/difychat/internal/domain"
)

func TestChatbotCreateGetDelete(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	body := `{"user_id":1,"name":"Counsel","description":"legal","prompt":"be careful","icon":"scale","provider":"openai","nameModel":"gpt-4o","mode":"chat","dify_chatbot_id":"app-5"}`
	c, rec := newContext(e, http.MethodPost, "/api/chatbots/create-chatbot", body, owner)
	if err := h.CreateChatbot(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]int64
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	id := jsonID(created["chatbotId"])

	c, rec = newContext(e, http.MethodGet, "/api/chatbots/"+id, "", stranger)
	c.SetParamNames("chatbot_id")
	c.SetParamValues(id)
	if err := h.GetChatbot(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var bot domain.Chatbot
	if err := json.Unmarshal(rec.Body.Bytes(), &bot); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if bot.ModelName != "gpt-4o" || bot.DifyChatbotID != "app-5" {
		t.Fatalf("unexpected chatbot: %+v", bot)
	}

	c, rec = newContext(e, http.MethodGet, "/api/chatbots/user/1", "", owner)
	c.SetParamNames("user_id")
	c.SetParamValues("1")
	if err := h.ListUserChatbots(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var bots []domain.Chatbot
	_ = json.Unmarshal(rec.Body.Bytes(), &bots)
	if len(bots) != 1 {
		t.Fatalf("expected 1 chatbot, got %d", len(bots))
	}

	c, rec = newContext(e, http.MethodDelete, "/api/chatbots/"+id, `{"dify_chatbot_id":"app-5"}`, stranger)
	c.SetParamNames("chatbot_id")
	c.SetParamValues(id)
	if err := h.DeleteChatbot(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	c, rec = newContext(e, http.MethodDelete, "/api/chatbots/"+id, `{"dify_chatbot_id":"app-5"}`, owner)
	c.SetParamNames("chatbot_id")
	c.SetParamValues(id)
	if err := h.DeleteChatbot(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var resp DeleteChatbotResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message != ChatbotDeletedMessage || !resp.RemoteDeleted {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestChatEndpoint(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	c, rec := newContext(e, http.MethodPost, "/api/chatbots/chat", `{"query":"hello","dify_chatbot_id":"app-1"}`, owner)
	if err := h.Chat(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rec.Code != http.StatusOK || resp["answer"] == "" {
		t.Fatalf("unexpected response %d: %+v", rec.Code, resp)
	}

	c, rec = newContext(e, http.MethodPost, "/api/chatbots/chat", `{"query":""}`, owner)
	if err := h.Chat(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
