package cache

import (
	"context"
	"sync"
	"time"

	"github.com/xiaot623/difychat/internal/domain"
)

type memoryEntry struct {
	sessions  []domain.ChatSession
	expiresAt time.Time
}

// memoryStore implements SessionListCache with an in-process map.
type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func newMemoryStore(ttl time.Duration, now func() time.Time) *memoryStore {
	if now == nil {
		now = time.Now
	}
	return &memoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     now,
	}
}

func (s *memoryStore) Get(ctx context.Context, key string) ([]domain.ChatSession, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return cloneSessions(entry.sessions), true, nil
}

func (s *memoryStore) Set(ctx context.Context, key string, sessions []domain.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{sessions: cloneSessions(sessions), expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]memoryEntry)
	return nil
}

func cloneSessions(in []domain.ChatSession) []domain.ChatSession {
	out := make([]domain.ChatSession, len(in))
	copy(out, in)
	return out
}
