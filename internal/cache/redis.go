package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xiaot623/difychat/internal/domain"
)

const keyPrefix = "difychat:sessions:"

// redisStore implements SessionListCache on Redis string keys with a TTL.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisStore(client *redis.Client, ttl time.Duration) *redisStore {
	return &redisStore{client: client, ttl: ttl}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]domain.ChatSession, bool, error) {
	val, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis get session list")
	}

	var sessions []domain.ChatSession
	if err := json.Unmarshal(val, &sessions); err != nil {
		// A corrupt entry is a miss; drop it so the next Set replaces it.
		_ = s.client.Del(ctx, keyPrefix+key).Err()
		return nil, false, nil
	}
	return sessions, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, sessions []domain.ChatSession) error {
	val, err := json.Marshal(sessions)
	if err != nil {
		return errors.Wrap(err, "encode session list")
	}
	return errors.Wrap(s.client.Set(ctx, keyPrefix+key, val, s.ttl).Err(), "redis set session list")
}

func (s *redisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = keyPrefix + key
	}
	return errors.Wrap(s.client.Del(ctx, prefixed...).Err(), "redis delete session list")
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
