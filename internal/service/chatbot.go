package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xiaot623/difychat/internal/cache"
	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/policy"
)

// DeleteChatbotResult reports both phases of a chatbot deletion.
type DeleteChatbotResult struct {
	SessionIDs    []int64
	RemoteDeleted bool
	RemoteErr     error
}

func (s *Service) ListChatbots(ctx context.Context, userID int64) ([]domain.Chatbot, error) {
	chatbots, err := s.store.ListChatbots(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chatbots: %w", err)
	}
	return chatbots, nil
}

func (s *Service) GetChatbot(ctx context.Context, p domain.Principal, chatbotID int64) (*domain.Chatbot, error) {
	chatbot, err := s.store.GetChatbot(ctx, chatbotID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chatbot: %w", err)
	}
	if chatbot == nil {
		return nil, domain.ErrNotFound
	}
	if err := s.authorize(ctx, p, policy.ActionChatbotRead, chatbot.UserID); err != nil {
		return nil, err
	}
	return chatbot, nil
}

// CreateChatbot stores a chatbot that is already provisioned on the provider.
func (s *Service) CreateChatbot(ctx context.Context, p domain.Principal, chatbot *domain.Chatbot) error {
	if chatbot.UserID <= 0 || strings.TrimSpace(chatbot.Name) == "" {
		return fmt.Errorf("%w: user_id and name are required", domain.ErrInvalidInput)
	}
	if err := s.authorize(ctx, p, policy.ActionChatbotCreate, chatbot.UserID); err != nil {
		return err
	}
	if err := s.store.CreateChatbot(ctx, chatbot); err != nil {
		return fmt.Errorf("failed to create chatbot: %w", err)
	}
	s.publish(ctx, domain.Event{
		Type:      domain.EventTypeChatbotCreated,
		UserID:    chatbot.UserID,
		ChatbotID: chatbot.ID,
	})
	return nil
}

// DeleteChatbot removes the chatbot with its sessions and messages, then
// deletes the provider app. The provider phase is not compensated: when it
// fails the local deletion stands and the failure is reported in the result.
func (s *Service) DeleteChatbot(ctx context.Context, p domain.Principal, chatbotID int64, difyChatbotID string) (*DeleteChatbotResult, error) {
	chatbot, err := s.store.GetChatbot(ctx, chatbotID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chatbot: %w", err)
	}
	if chatbot == nil {
		return nil, domain.ErrNotFound
	}
	if err := s.authorize(ctx, p, policy.ActionChatbotDelete, chatbot.UserID); err != nil {
		return nil, err
	}
	if difyChatbotID == "" {
		difyChatbotID = chatbot.DifyChatbotID
	}

	sessions, err := s.store.ListSessionsByChatbot(ctx, chatbotID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list chatbot sessions: %w", err)
	}
	sessionIDs, err := s.store.DeleteChatbot(ctx, chatbotID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete chatbot: %w", err)
	}

	keys := []string{cache.ChatbotKey(chatbotID, 0)}
	for _, session := range sessions {
		keys = append(keys, cache.UserKey(session.UserID), cache.ChatbotKey(chatbotID, session.UserID))
	}
	s.invalidate(ctx, keys...)

	result := &DeleteChatbotResult{SessionIDs: sessionIDs}
	switch {
	case difyChatbotID == "":
		log.Warn().Int64("chatbot_id", chatbotID).Msg("chatbot has no provider app id, skipping remote delete")
	case s.apps == nil:
		log.Warn().Int64("chatbot_id", chatbotID).Msg("no provider app manager configured, skipping remote delete")
	default:
		if err := s.apps.DeleteApp(ctx, difyChatbotID); err != nil {
			log.Error().Err(err).Int64("chatbot_id", chatbotID).Str("dify_chatbot_id", difyChatbotID).
				Msg("remote chatbot delete failed after local delete")
			result.RemoteErr = err
		} else {
			result.RemoteDeleted = true
		}
	}

	s.publish(ctx, domain.Event{
		Type:      domain.EventTypeChatbotDeleted,
		UserID:    chatbot.UserID,
		ChatbotID: chatbotID,
	})
	return result, nil
}
