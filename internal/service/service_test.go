package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiaot623/difychat/internal/adapter/provider"
	"github.com/xiaot623/difychat/internal/cache"
	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/policy"
	"github.com/xiaot623/difychat/internal/testutil"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingPublisher) Publish(_ context.Context, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingPublisher) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	svc   *Service
	cache cache.SessionListCache
	pub   *recordingPublisher
	apps  *provider.MockAppManager
}

func newTestService(t *testing.T) *testEnv {
	t.Helper()
	store := testutil.NewTestSQLiteStore(t)
	sessionCache, err := cache.NewStore(cache.StoreTypeMemory)
	require.NoError(t, err)
	engine, err := policy.NewDefaultEngine(context.Background())
	require.NoError(t, err)
	pub := &recordingPublisher{}
	apps := provider.NewMockAppManager()
	return &testEnv{
		svc:   New(store, sessionCache, engine, pub, provider.NewMockClient(), apps),
		cache: sessionCache,
		pub:   pub,
		apps:  apps,
	}
}

var (
	alice = domain.Principal{UserID: 1, Role: domain.PrincipalUser}
	bob   = domain.Principal{UserID: 2, Role: domain.PrincipalUser}
	admin = domain.Principal{UserID: 99, Role: domain.PrincipalAdmin}
)

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	empty, err := env.svc.ListSessionsByChatbot(ctx, alice, 10)
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = env.svc.ListSessionsByChatbot(ctx, alice, 0)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	s1, err := env.svc.CreateSession(ctx, alice, 1, 10)
	require.NoError(t, err)
	s2, err := env.svc.CreateSession(ctx, alice, 1, 10)
	require.NoError(t, err)

	// The empty list above was cached; creation must invalidate it.
	sessions, err := env.svc.ListSessionsByChatbot(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, s2.ID, sessions[0].ID)

	_, err = env.svc.CreateSession(ctx, bob, 1, 10)
	require.ErrorIs(t, err, domain.ErrForbidden)

	err = env.svc.DeleteSession(ctx, bob, s1.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	require.NoError(t, env.svc.DeleteSession(ctx, alice, s1.ID))
	require.ErrorIs(t, env.svc.DeleteSession(ctx, alice, s1.ID), domain.ErrNotFound)

	byUser, err := env.svc.ListSessionsByUser(ctx, alice, 1)
	require.NoError(t, err)
	require.Len(t, byUser, 1)

	_, err = env.svc.ListSessionsByUser(ctx, bob, 1)
	require.ErrorIs(t, err, domain.ErrForbidden)

	require.Equal(t, []domain.EventType{
		domain.EventTypeSessionCreated,
		domain.EventTypeSessionCreated,
		domain.EventTypeSessionDeleted,
	}, env.pub.types())
}

func TestMessages(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	session, err := env.svc.CreateSession(ctx, alice, 1, 10)
	require.NoError(t, err)

	_, err = env.svc.CreateMessage(ctx, alice, session.ID, "system", "x")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = env.svc.CreateMessage(ctx, alice, session.ID, domain.RoleUser, "   ")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = env.svc.CreateMessage(ctx, alice, 12345, domain.RoleUser, "hi")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.svc.CreateMessage(ctx, bob, session.ID, domain.RoleUser, "hi")
	require.ErrorIs(t, err, domain.ErrForbidden)

	msg, err := env.svc.CreateMessage(ctx, alice, session.ID, domain.RoleUser, "hi")
	require.NoError(t, err)
	require.NotZero(t, msg.ID)
	_, err = env.svc.CreateMessage(ctx, alice, session.ID, domain.RoleAssistant, "hello")
	require.NoError(t, err)

	messages, err := env.svc.GetMessages(ctx, alice, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, domain.RoleUser, messages[0].Role)

	messages, err = env.svc.GetMessages(ctx, admin, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
}

func TestDeleteChatbotTwoPhase(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	bot := &domain.Chatbot{UserID: 1, Name: "Helper", DifyChatbotID: "app-1"}
	require.NoError(t, env.svc.CreateChatbot(ctx, alice, bot))
	s, err := env.svc.CreateSession(ctx, alice, 1, bot.ID)
	require.NoError(t, err)
	_, err = env.svc.ListSessionsByUser(ctx, alice, 1) // warm the cache
	require.NoError(t, err)

	_, err = env.svc.DeleteChatbot(ctx, bob, bot.ID, "")
	require.ErrorIs(t, err, domain.ErrForbidden)

	result, err := env.svc.DeleteChatbot(ctx, alice, bot.ID, "")
	require.NoError(t, err)
	require.True(t, result.RemoteDeleted)
	require.Equal(t, []int64{s.ID}, result.SessionIDs)
	require.Equal(t, []string{"app-1"}, env.apps.Deleted())

	sessions, err := env.svc.ListSessionsByUser(ctx, alice, 1)
	require.NoError(t, err)
	require.Empty(t, sessions)

	_, err = env.svc.DeleteChatbot(ctx, alice, bot.ID, "")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteChatbotRemoteFailureKeepsLocalDelete(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)
	env.apps.Err = errors.New("provider unavailable")

	bot := &domain.Chatbot{UserID: 1, Name: "Helper"}
	require.NoError(t, env.svc.CreateChatbot(ctx, alice, bot))

	result, err := env.svc.DeleteChatbot(ctx, admin, bot.ID, "app-override")
	require.NoError(t, err)
	require.False(t, result.RemoteDeleted)
	require.EqualError(t, result.RemoteErr, "provider unavailable")

	_, err = env.svc.GetChatbot(ctx, alice, bot.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestChatProxy(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	answer, err := env.svc.Chat(ctx, alice, "ping", "app-1")
	require.NoError(t, err)
	require.Contains(t, answer, "ping")

	_, err = env.svc.Chat(ctx, alice, " ", "app-1")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}
