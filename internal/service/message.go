package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/policy"
)

// GetMessages returns a session's messages in creation order.
func (s *Service) GetMessages(ctx context.Context, p domain.Principal, sessionID int64) ([]domain.Message, error) {
	if _, err := s.getSession(ctx, p, policy.ActionMessageRead, sessionID); err != nil {
		return nil, err
	}
	messages, err := s.store.GetMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return messages, nil
}

// CreateMessage appends a message to a session.
func (s *Service) CreateMessage(ctx context.Context, p domain.Principal, sessionID int64, role domain.Role, content string) (*domain.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role must be user or assistant", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrInvalidInput)
	}
	session, err := s.getSession(ctx, p, policy.ActionMessageCreate, sessionID)
	if err != nil {
		return nil, err
	}

	message := &domain.Message{SessionID: sessionID, Role: role, Content: content}
	if err := s.store.CreateMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	s.publish(ctx, domain.Event{
		Type:      domain.EventTypeMessageCreated,
		UserID:    session.UserID,
		ChatbotID: session.ChatbotID,
		SessionID: sessionID,
		Message:   message,
	})
	return message, nil
}
