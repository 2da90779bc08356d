package provider

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/xiaot623/difychat/internal/domain"
)

// Client sends completions using a Strategy.
type Client struct {
	baseURL    string
	apiKey     string
	user       string
	httpClient *http.Client
	strategy   Strategy
}

// NewClient creates a provider client for the given strategy.
func NewClient(baseURL, apiKey, user string, timeout time.Duration, strategy Strategy) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		user:    user,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		strategy: strategy,
	}
}

// Strategy returns the integration shape this client uses.
func (c *Client) Strategy() Strategy {
	return c.strategy
}

// Complete implements Completer. The last answer-bearing result wins.
func (c *Client) Complete(ctx context.Context, req Request) (string, bool, error) {
	if strings.TrimSpace(req.Query) == "" {
		return "", false, domain.MissingPrerequisite("query")
	}
	if req.User == "" {
		req.User = c.user
	}
	token := req.Token
	if token == "" {
		token = c.apiKey
	}

	op := "provider " + c.strategy.Name()
	httpReq, err := c.strategy.NewRequest(ctx, c.baseURL, req)
	if err != nil {
		return "", false, errors.Wrap(err, "build provider request")
	}
	setHeaders(httpReq, token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", false, &domain.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", false, &domain.TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}

	var answer string
	var answered bool
	err = c.strategy.Decode(ctx, resp.Body, func(r domain.CompletionResult) error {
		if a, ok := r.FinalAnswer(); ok {
			answer, answered = a, true
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return answer, answered, nil
}

// setHeaders sets common request headers.
func setHeaders(req *http.Request, token string) {
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
