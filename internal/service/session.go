package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/xiaot623/difychat/internal/cache"
	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/policy"
)

// ListSessionsByUser returns every session of userID, newest first.
func (s *Service) ListSessionsByUser(ctx context.Context, p domain.Principal, userID int64) ([]domain.ChatSession, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user_id must be positive", domain.ErrInvalidInput)
	}
	if err := s.authorize(ctx, p, policy.ActionSessionList, userID); err != nil {
		return nil, err
	}
	return s.cachedSessions(ctx, cache.UserKey(userID), func() ([]domain.ChatSession, error) {
		return s.store.ListSessionsByUser(ctx, userID)
	})
}

// ListSessionsByChatbot returns the caller's sessions with chatbotID, newest first.
// An anonymous principal (user 0) sees every user's sessions.
func (s *Service) ListSessionsByChatbot(ctx context.Context, p domain.Principal, chatbotID int64) ([]domain.ChatSession, error) {
	if chatbotID <= 0 {
		return nil, fmt.Errorf("%w: chatbot_id must be positive", domain.ErrInvalidInput)
	}
	return s.cachedSessions(ctx, cache.ChatbotKey(chatbotID, p.UserID), func() ([]domain.ChatSession, error) {
		return s.store.ListSessionsByChatbot(ctx, chatbotID, p.UserID)
	})
}

func (s *Service) cachedSessions(ctx context.Context, key string, load func() ([]domain.ChatSession, error)) ([]domain.ChatSession, error) {
	if s.cache != nil {
		sessions, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("session cache read failed")
		} else if ok {
			return sessions, nil
		}
	}

	sessions, err := load()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, sessions); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("session cache write failed")
		}
	}
	return sessions, nil
}

// CreateSession creates a session for (userID, chatbotID).
func (s *Service) CreateSession(ctx context.Context, p domain.Principal, userID, chatbotID int64) (*domain.ChatSession, error) {
	if userID <= 0 || chatbotID <= 0 {
		return nil, fmt.Errorf("%w: user_id and chatbot_id are required", domain.ErrInvalidInput)
	}
	if err := s.authorize(ctx, p, policy.ActionSessionCreate, userID); err != nil {
		return nil, err
	}

	session := &domain.ChatSession{UserID: userID, ChatbotID: chatbotID}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.invalidate(ctx, sessionKeys(userID, chatbotID)...)
	s.publish(ctx, domain.Event{
		Type:      domain.EventTypeSessionCreated,
		UserID:    userID,
		ChatbotID: chatbotID,
		SessionID: session.ID,
	})
	return session, nil
}

// DeleteSession deletes a session and its messages.
func (s *Service) DeleteSession(ctx context.Context, p domain.Principal, sessionID int64) error {
	session, err := s.getSession(ctx, p, policy.ActionSessionDelete, sessionID)
	if err != nil {
		return err
	}

	deleted, err := s.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if !deleted {
		return domain.ErrNotFound
	}
	s.invalidate(ctx, sessionKeys(session.UserID, session.ChatbotID)...)
	s.publish(ctx, domain.Event{
		Type:      domain.EventTypeSessionDeleted,
		UserID:    session.UserID,
		ChatbotID: session.ChatbotID,
		SessionID: sessionID,
	})
	return nil
}

// getSession loads a session and authorizes action against its owner.
func (s *Service) getSession(ctx context.Context, p domain.Principal, action policy.Action, sessionID int64) (*domain.ChatSession, error) {
	if sessionID <= 0 {
		return nil, fmt.Errorf("%w: session_id must be positive", domain.ErrInvalidInput)
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, domain.ErrNotFound
	}
	if err := s.authorize(ctx, p, action, session.UserID); err != nil {
		return nil, err
	}
	return session, nil
}
