package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/xiaot623/difychat/internal/domain"
)

// DefaultMaxPending caps how many bytes of an incomplete JSON event are kept
// while waiting for the rest of it on later data lines.
const DefaultMaxPending = 1 << 20

// StreamStrategy calls the provider's streaming chat endpoint directly and
// decodes its `data: {...}` event lines.
type StreamStrategy struct {
	MaxPending int
}

type streamRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	User           string         `json:"user"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

type streamEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (StreamStrategy) Name() string { return "streaming" }

func (StreamStrategy) NewRequest(ctx context.Context, baseURL string, req Request) (*http.Request, error) {
	body, err := json.Marshal(streamRequest{
		Inputs:         map[string]any{},
		Query:          req.Query,
		ResponseMode:   "streaming",
		User:           req.User,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	return httpReq, nil
}

// Decode emits one StreamChunk per decoded event. Blank lines, non-data
// lines, [DONE] and undecodable payloads are skipped. A payload that fails to
// parse and looks like the start of an object is held and retried with the
// following data lines appended.
func (s StreamStrategy) Decode(ctx context.Context, body io.Reader, emit func(domain.CompletionResult) error) error {
	maxPending := s.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}

	reader := bufio.NewReader(body)
	var pending string

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, readErr := reader.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return &domain.TransportError{Op: "provider streaming: read stream", Err: readErr}
		}

		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload != "" && payload != "[DONE]" {
				var event streamEvent
				var ok bool
				event, pending, ok = decodeStreamPayload(pending, payload, maxPending)
				if ok {
					if err := emit(domain.StreamChunk(event.Event, event.Data)); err != nil {
						return err
					}
				}
			}
		}

		if readErr == io.EOF {
			return nil
		}
	}
}

// decodeStreamPayload tries pending+payload, then payload alone. On failure
// it returns what should be held for the next line.
func decodeStreamPayload(pending, payload string, maxPending int) (streamEvent, string, bool) {
	var event streamEvent
	candidate := pending + payload
	if json.Unmarshal([]byte(candidate), &event) == nil {
		return event, "", true
	}
	if pending != "" {
		event = streamEvent{}
		if json.Unmarshal([]byte(payload), &event) == nil {
			return event, "", true
		}
	}
	if strings.HasPrefix(candidate, "{") && len(candidate) <= maxPending {
		return streamEvent{}, candidate, false
	}
	if strings.HasPrefix(payload, "{") && len(payload) <= maxPending {
		return streamEvent{}, payload, false
	}
	return streamEvent{}, "", false
}
