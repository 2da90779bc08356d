// Package cache keeps short-lived copies of session lists in front of the repository.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/xiaot623/difychat/internal/domain"
)

var (
	// ErrInvalidStoreType is returned for an unknown StoreType.
	ErrInvalidStoreType = errors.New("cache: invalid store type")
	// ErrInvalidConfig is returned when a driver lacks a required option.
	ErrInvalidConfig = errors.New("cache: invalid configuration")
)

// SessionListCache caches session lists by key. Get returns (nil, false, nil) on a miss.
type SessionListCache interface {
	Get(ctx context.Context, key string) ([]domain.ChatSession, bool, error)
	Set(ctx context.Context, key string, sessions []domain.ChatSession) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// StoreType represents the type of cache driver.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

const defaultTTL = 5 * time.Minute

// NewStore creates a SessionListCache of the given type.
// The redis driver requires WithRedisClient.
func NewStore(storeType StoreType, opts ...StoreOption) (SessionListCache, error) {
	cfg := &storeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	ttl := cfg.ttl
	if ttl <= 0 {
		ttl = defaultTTL
	}

	switch storeType {
	case StoreTypeMemory:
		return newMemoryStore(ttl, cfg.now), nil
	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return newRedisStore(cfg.redisClient, ttl), nil
	default:
		return nil, ErrInvalidStoreType
	}
}

// ChatbotKey is the cache key for one user's sessions of a chatbot.
func ChatbotKey(chatbotID, userID int64) string {
	return "chatbot:" + strconv.FormatInt(chatbotID, 10) + ":user:" + strconv.FormatInt(userID, 10)
}

// UserKey is the cache key for all of a user's sessions.
func UserKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}
