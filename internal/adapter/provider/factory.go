package provider

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	ModeSync      = "sync"
	ModeStreaming = "streaming"
	ModeMock      = "mock"
)

// ClientConfig configures NewCompleter.
type ClientConfig struct {
	Mode    string
	BaseURL string
	APIKey  string
	User    string
	Timeout time.Duration
}

// NewCompleter picks the integration shape from configuration.
func NewCompleter(cfg ClientConfig) (Completer, error) {
	switch cfg.Mode {
	case ModeSync:
		return NewClient(cfg.BaseURL, cfg.APIKey, cfg.User, cfg.Timeout, SyncStrategy{}), nil
	case ModeStreaming:
		return NewClient(cfg.BaseURL, cfg.APIKey, cfg.User, cfg.Timeout, StreamStrategy{}), nil
	case ModeMock:
		log.Info().Msg("provider mode mock, using mock completer")
		return NewMockClient(), nil
	default:
		return nil, errors.Errorf("unknown provider mode %q", cfg.Mode)
	}
}

// NewAppManager returns the live app client unless mode is mock.
func NewAppManager(mode, baseURL, apiKey string, timeout time.Duration) AppManager {
	if mode == ModeMock {
		log.Info().Msg("provider mode mock, using mock app manager")
		return NewMockAppManager()
	}
	return NewAppClient(baseURL, apiKey, timeout)
}
