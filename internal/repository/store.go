// Package repository persists sessions, messages and chatbots.
package repository

import (
	"context"

	"github.com/xiaot623/difychat/internal/domain"
)

// Store defines the interface for data persistence.
// Getters return (nil, nil) when the row does not exist.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.ChatSession) error
	GetSession(ctx context.Context, sessionID int64) (*domain.ChatSession, error)
	ListSessionsByUser(ctx context.Context, userID int64) ([]domain.ChatSession, error)
	ListSessionsByChatbot(ctx context.Context, chatbotID, userID int64) ([]domain.ChatSession, error)
	DeleteSession(ctx context.Context, sessionID int64) (bool, error)

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	GetMessages(ctx context.Context, sessionID int64, limit int) ([]domain.Message, error)

	// Chatbot operations
	CreateChatbot(ctx context.Context, chatbot *domain.Chatbot) error
	GetChatbot(ctx context.Context, chatbotID int64) (*domain.Chatbot, error)
	ListChatbots(ctx context.Context, userID int64) ([]domain.Chatbot, error)
	DeleteChatbot(ctx context.Context, chatbotID int64) ([]int64, error)

	Close() error
}

var _ Store = (*SQLiteStore)(nil)
