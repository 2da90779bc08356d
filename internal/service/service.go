// Package service implements the persistence backend's operations.
package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xiaot623/difychat/internal/adapter/provider"
	"github.com/xiaot623/difychat/internal/cache"
	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/events"
	"github.com/xiaot623/difychat/internal/policy"
	"github.com/xiaot623/difychat/internal/repository"
)

type Service struct {
	store        repository.Store
	cache        cache.SessionListCache
	policyEngine *policy.Engine
	publisher    events.Publisher
	completer    provider.Completer
	apps         provider.AppManager
}

func New(store repository.Store, sessionCache cache.SessionListCache, policyEngine *policy.Engine, publisher events.Publisher, completer provider.Completer, apps provider.AppManager) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		store:        store,
		cache:        sessionCache,
		policyEngine: policyEngine,
		publisher:    publisher,
		completer:    completer,
		apps:         apps,
	}
}

func (s *Service) authorize(ctx context.Context, p domain.Principal, action policy.Action, ownerID int64) error {
	if s.policyEngine == nil {
		return nil
	}
	return s.policyEngine.Authorize(ctx, p, action, ownerID)
}

// publish sends an event; failures are logged and never fail the caller.
func (s *Service) publish(ctx context.Context, event domain.Event) {
	event.Ts = time.Now().UnixMilli()
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Warn().Err(err).Str("type", string(event.Type)).Msg("failed to publish event")
	}
}

func (s *Service) invalidate(ctx context.Context, keys ...string) {
	if s.cache == nil || len(keys) == 0 {
		return
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		log.Warn().Err(err).Strs("keys", keys).Msg("failed to invalidate session cache")
	}
}

func sessionKeys(userID, chatbotID int64) []string {
	return []string{cache.UserKey(userID), cache.ChatbotKey(chatbotID, userID), cache.ChatbotKey(chatbotID, 0)}
}
