package provider

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/xiaot623/difychat/internal/domain"
)

// AppClient removes provider-side apps when their chatbot is deleted.
type AppClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAppClient creates a client for the provider's app management API.
func NewAppClient(baseURL, apiKey string, timeout time.Duration) *AppClient {
	return &AppClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// DeleteApp deletes the app. An app that is already gone counts as deleted.
func (c *AppClient) DeleteApp(ctx context.Context, appID string) error {
	if appID == "" {
		return domain.MissingPrerequisite("dify_chatbot_id")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/apps/"+url.PathEscape(appID), nil)
	if err != nil {
		return errors.Wrap(err, "build delete app request")
	}
	setHeaders(req, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.TransportError{Op: "provider delete app", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &domain.TransportError{
			Op:         "provider delete app",
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}
	return nil
}
