package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xiaot623/difychat/internal/adapter/provider"
	"github.com/xiaot623/difychat/internal/config"
	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/policy"
	"github.com/xiaot623/difychat/internal/service"
	"github.com/xiaot623/difychat/internal/testutil"
	transporthttp "github.com/xiaot623/difychat/internal/transport/http"
)

var creds = domain.Credentials{UserID: 1, Token: "tok-1"}

func newBackend(t *testing.T) (*Client, *service.Service) {
	t.Helper()
	engine, err := policy.NewDefaultEngine(context.Background())
	require.NoError(t, err)
	svc := service.New(testutil.NewTestSQLiteStore(t), nil, engine, nil, provider.NewMockClient(), provider.NewMockAppManager())
	auth := transporthttp.NewAuthenticator([]config.PrincipalConfig{
		{Token: "tok-1", UserID: 1, Role: "user"},
		{Token: "tok-2", UserID: 2, Role: "user"},
	})
	srv := httptest.NewServer(transporthttp.NewServer(svc, auth))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/api/", 5*time.Second), svc
}

func TestClientSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, _ := newBackend(t)

	sessions, err := client.ListSessions(ctx, creds, 7)
	require.NoError(t, err)
	require.NotNil(t, sessions)
	require.Empty(t, sessions)

	first, err := client.CreateSession(ctx, creds, 7)
	require.NoError(t, err)
	second, err := client.CreateSession(ctx, creds, 7)
	require.NoError(t, err)
	require.Greater(t, second, first)

	sessions, err = client.ListSessions(ctx, creds, 7)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	all, err := client.ListSessions(ctx, creds, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, client.CreateMessage(ctx, creds, first, domain.RoleUser, "hello"))
	require.NoError(t, client.CreateMessage(ctx, creds, first, domain.RoleAssistant, "hi"))
	messages, err := client.ListMessages(ctx, creds, first)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "hi", messages[1].Content)

	require.NoError(t, client.DeleteSession(ctx, creds, first))
	err = client.DeleteSession(ctx, creds, first)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClientListSessionsScopedToCaller(t *testing.T) {
	ctx := context.Background()
	engine, err := policy.NewDefaultEngine(ctx)
	require.NoError(t, err)
	svc := service.New(testutil.NewTestSQLiteStore(t), nil, engine, nil, provider.NewMockClient(), provider.NewMockAppManager())
	srv := httptest.NewServer(transporthttp.NewServer(svc, transporthttp.NewAuthenticator(nil)))
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL+"/api/", 5*time.Second)

	other := domain.Credentials{UserID: 2, Token: "tok-2"}
	mine, err := client.CreateSession(ctx, creds, 7)
	require.NoError(t, err)
	theirs, err := client.CreateSession(ctx, other, 7)
	require.NoError(t, err)
	require.Greater(t, theirs, mine)

	sessions, err := client.ListSessions(ctx, creds, 7)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, mine, sessions[0].ID)

	sessions, err = client.ListSessions(ctx, other, 7)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, theirs, sessions[0].ID)
}

func TestClientTypedErrors(t *testing.T) {
	ctx := context.Background()
	client, _ := newBackend(t)

	_, err := client.ListSessions(ctx, domain.Credentials{}, 1)
	require.ErrorIs(t, err, domain.ErrMissingPrerequisite)

	_, err = client.ListSessions(ctx, domain.Credentials{UserID: 1, Token: "bogus"}, 1)
	require.True(t, domain.IsTransport(err))

	other := domain.Credentials{UserID: 2, Token: "tok-2"}
	id, err := client.CreateSession(ctx, creds, 3)
	require.NoError(t, err)
	err = client.DeleteSession(ctx, other, id)
	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, http.StatusForbidden, te.StatusCode)

	down := NewClient("http://127.0.0.1:1", time.Second)
	_, err = down.ListSessions(ctx, creds, 1)
	require.True(t, domain.IsTransport(err))

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer garbage.Close()
	_, err = NewClient(garbage.URL, time.Second).ListSessions(ctx, creds, 1)
	require.True(t, domain.IsMalformed(err))
}

func TestClientChatbots(t *testing.T) {
	ctx := context.Background()
	client, svc := newBackend(t)

	bot := &domain.Chatbot{UserID: 1, Name: "Helper", DifyChatbotID: "app-1"}
	require.NoError(t, svc.CreateChatbot(ctx, domain.Principal{UserID: 1, Role: domain.PrincipalUser}, bot))

	bots, err := client.ListChatbots(ctx, creds)
	require.NoError(t, err)
	require.Len(t, bots, 1)

	got, err := client.GetChatbot(ctx, creds, bot.ID)
	require.NoError(t, err)
	require.Equal(t, "Helper", got.Name)

	sessionID, err := client.CreateSession(ctx, creds, bot.ID)
	require.NoError(t, err)

	require.NoError(t, client.DeleteChatbot(ctx, creds, bot.ID, "app-1"))

	_, err = client.ListMessages(ctx, creds, sessionID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = client.GetChatbot(ctx, creds, bot.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
