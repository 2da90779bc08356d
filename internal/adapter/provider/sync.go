package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/xiaot623/difychat/internal/domain"
)

// SyncStrategy posts the query to the backend's chat proxy and reads one JSON answer.
type SyncStrategy struct{}

type syncRequest struct {
	Query         string `json:"query"`
	DifyChatbotID string `json:"dify_chatbot_id,omitempty"`
}

type syncResponse struct {
	Answer *string `json:"answer"`
}

func (SyncStrategy) Name() string { return "sync" }

func (SyncStrategy) NewRequest(ctx context.Context, baseURL string, req Request) (*http.Request, error) {
	body, err := json.Marshal(syncRequest{Query: req.Query, DifyChatbotID: req.Bot.DifyChatbotID})
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chatbots/chat", bytes.NewReader(body))
}

// Decode emits a single Sync result. A missing answer field is an empty answer.
func (SyncStrategy) Decode(ctx context.Context, body io.Reader, emit func(domain.CompletionResult) error) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return &domain.TransportError{Op: "provider sync: read body", Err: err}
	}
	var resp syncResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return &domain.MalformedResponseError{Op: "provider sync", Err: err}
	}
	answer := ""
	if resp.Answer != nil {
		answer = *resp.Answer
	}
	return emit(domain.SyncResult(answer))
}
