// Package provider talks to the external LLM orchestration service that backs each chatbot.
package provider

import (
	"context"
	"io"
	"net/http"

	"github.com/xiaot623/difychat/internal/domain"
)

// Request is a single completion call for one user query.
type Request struct {
	Query          string
	Bot            domain.BotRef
	Token          string // provider bearer token; empty falls back to the client's key
	User           string // provider-side end-user identifier
	ConversationID string
}

// Completer sends a query to the provider and returns the assistant answer.
// answered is false when the provider produced no usable answer.
type Completer interface {
	Complete(ctx context.Context, req Request) (answer string, answered bool, err error)
}

// Strategy is one integration shape: how a request is encoded and how the
// response body decodes into CompletionResults.
type Strategy interface {
	Name() string
	NewRequest(ctx context.Context, baseURL string, req Request) (*http.Request, error)
	Decode(ctx context.Context, body io.Reader, emit func(domain.CompletionResult) error) error
}

// AppManager manages the provider-side resource behind a chatbot.
type AppManager interface {
	DeleteApp(ctx context.Context, appID string) error
}

var (
	_ Completer  = (*Client)(nil)
	_ Completer  = (*MockClient)(nil)
	_ AppManager = (*AppClient)(nil)
	_ AppManager = (*MockAppManager)(nil)
)
