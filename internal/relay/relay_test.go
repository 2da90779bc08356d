package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiaot623/difychat/internal/adapter/provider"
	"github.com/xiaot623/difychat/internal/domain"
)

type writeCall struct {
	sessionID int64
	role      domain.Role
	content   string
}

// fakeWriter records calls into a shared timeline with the fake completer.
type fakeWriter struct {
	mu       sync.Mutex
	timeline *[]string
	calls    []writeCall
	failRole domain.Role
}

func (w *fakeWriter) CreateMessage(_ context.Context, _ domain.Credentials, sessionID int64, role domain.Role, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	*w.timeline = append(*w.timeline, "persist:"+string(role))
	w.calls = append(w.calls, writeCall{sessionID, role, content})
	if role == w.failRole {
		return errors.New("backend down")
	}
	return nil
}

type fakeCompleter struct {
	timeline *[]string
	answer   string
	answered bool
	err      error
	got      provider.Request
}

func (c *fakeCompleter) Complete(_ context.Context, req provider.Request) (string, bool, error) {
	*c.timeline = append(*c.timeline, "provider")
	c.got = req
	return c.answer, c.answered, c.err
}

var creds = domain.Credentials{UserID: 1, Token: "tok", ProviderToken: "dify-tok"}

func TestSendPersistsUserMessageBeforeProviderCall(t *testing.T) {
	var timeline []string
	writer := &fakeWriter{timeline: &timeline}
	completer := &fakeCompleter{timeline: &timeline, answer: "4", answered: true}

	out, err := New(writer, completer).Send(context.Background(), creds, 9, "2+2?", domain.BotRef{ChatbotID: 3, DifyChatbotID: "app"})
	require.NoError(t, err)
	require.True(t, out.Answered)
	require.Equal(t, "4", out.Answer)
	require.Equal(t, []string{"persist:user", "provider", "persist:assistant"}, timeline)
	require.Equal(t, []writeCall{{9, domain.RoleUser, "2+2?"}, {9, domain.RoleAssistant, "4"}}, writer.calls)
	require.Equal(t, "dify-tok", completer.got.Token)
	require.Equal(t, "app", completer.got.Bot.DifyChatbotID)
}

func TestSendNoReplyPersistsOnlyUserMessage(t *testing.T) {
	var timeline []string
	writer := &fakeWriter{timeline: &timeline}
	completer := &fakeCompleter{timeline: &timeline}

	out, err := New(writer, completer).Send(context.Background(), creds, 9, "hello", domain.BotRef{})
	require.NoError(t, err)
	require.False(t, out.Answered)
	require.Len(t, writer.calls, 1)
}

func TestSendUserPersistFailureDoesNotAbort(t *testing.T) {
	var timeline []string
	writer := &fakeWriter{timeline: &timeline, failRole: domain.RoleUser}
	completer := &fakeCompleter{timeline: &timeline, answer: "still here", answered: true}

	out, err := New(writer, completer).Send(context.Background(), creds, 9, "hello", domain.BotRef{})
	require.NoError(t, err)
	require.Error(t, out.UserMessageErr)
	require.True(t, out.Answered)
	require.NoError(t, out.AssistantMessageErr)
	require.Len(t, writer.calls, 2)
}

func TestSendProviderFailure(t *testing.T) {
	var timeline []string
	writer := &fakeWriter{timeline: &timeline}
	completer := &fakeCompleter{timeline: &timeline, err: &domain.TransportError{Op: "provider sync", StatusCode: 500, Err: errors.New("boom")}}

	out, err := New(writer, completer).Send(context.Background(), creds, 9, "hello", domain.BotRef{})
	require.True(t, domain.IsTransport(err))
	require.False(t, out.Answered)
	require.Equal(t, []string{"persist:user", "provider"}, timeline)
}

func TestSendRequiresSession(t *testing.T) {
	var timeline []string
	_, err := New(&fakeWriter{timeline: &timeline}, &fakeCompleter{timeline: &timeline}).
		Send(context.Background(), creds, 0, "hello", domain.BotRef{})
	require.ErrorIs(t, err, domain.ErrMissingPrerequisite)
	require.Empty(t, timeline)
}
