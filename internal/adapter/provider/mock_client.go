package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockClient is a Completer that answers without any network call.
type MockClient struct{}

// NewMockClient creates a new mock provider client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Complete returns a canned reply echoing the query.
func (m *MockClient) Complete(ctx context.Context, req Request) (string, bool, error) {
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	default:
	}
	if strings.TrimSpace(req.Query) == "" {
		return "", false, nil
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(req.Query, 100)), true, nil
}

// MockAppManager records deleted app ids.
type MockAppManager struct {
	mu      sync.Mutex
	deleted []string
	Err     error
}

func NewMockAppManager() *MockAppManager {
	return &MockAppManager{}
}

func (m *MockAppManager) DeleteApp(ctx context.Context, appID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.deleted = append(m.deleted, appID)
	return nil
}

// Deleted returns the app ids deleted so far.
func (m *MockAppManager) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
