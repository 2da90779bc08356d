package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/difychat/internal/adapter/provider"
	"github.com/xiaot623/difychat/internal/config"
	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/orchestrator"
)

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.URL = ":memory:"
	cfg.Backend.BaseURL = baseURL + "/api"
	cfg.Relay.Mode = provider.ModeSync
	cfg.Relay.SyncURL = baseURL + "/api"
	cfg.Dify.Mode = provider.ModeMock
	cfg.Auth.Principals = []config.PrincipalConfig{{Token: "tok-1", UserID: 1, Role: "user"}}
	return cfg
}

func startApp(t *testing.T) (*App, string) {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	base := "http://" + srv.Listener.Addr().String()

	a, err := New(context.Background(), testConfig(t, base))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Hub().Run(ctx)
	go a.ForwardEvents(ctx)

	srv.Config.Handler = a.Handler()
	srv.Start()
	t.Cleanup(func() {
		srv.Close()
		cancel()
		a.Close()
	})
	return a, base
}

func apiRequest(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type frame struct {
	Type  string            `json:"type"`
	Code  string            `json:"code"`
	View  orchestrator.View `json:"view"`
	Event domain.Event      `json:"event"`
}

// TestFirstMessageCreatesSessionEndToEnd drives the gateway, the relay and
// the backend over real HTTP: a first message creates one session and both
// messages end up persisted and displayed in order.
func TestFirstMessageCreatesSessionEndToEnd(t *testing.T) {
	_, base := startApp(t)

	var created map[string]int64
	status := apiRequest(t, http.MethodPost, base+"/api/chatbots/create-chatbot",
		map[string]any{"user_id": 1, "name": "Helper", "dify_chatbot_id": "app-1"}, &created)
	require.Equal(t, http.StatusCreated, status)
	chatbotID := created["chatbotId"]
	require.NotZero(t, chatbotID)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello", "user_id": 1, "token": "tok-1"}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "select_chatbot", "chatbot_id": chatbotID, "dify_chatbot_id": "app-1"}))

	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		require.NotEqual(t, "error", f.Type, f.Code)
		if f.Type == "snapshot" && f.View.State == orchestrator.StateSessionsLoaded {
			break
		}
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "send", "text": "hello"}))

	var reply orchestrator.View
	sawSessionEvent := false
	for reply.Version == 0 || !sawSessionEvent {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		require.NotEqual(t, "error", f.Type, f.Code)
		switch {
		case f.Type == "event" && f.Event.Type == domain.EventTypeSessionCreated:
			sawSessionEvent = true
		case f.Type == "snapshot" && len(f.View.Messages) == 2 && !f.View.Loading:
			reply = f.View
		}
	}

	require.Len(t, reply.Sessions, 1)
	sessionID := reply.SelectedSessionID
	require.Equal(t, reply.Sessions[0].ID, sessionID)
	require.Equal(t, domain.RoleUser, reply.Messages[0].Role)
	require.Equal(t, "hello", reply.Messages[0].Content)
	require.Equal(t, domain.RoleAssistant, reply.Messages[1].Role)
	require.Contains(t, reply.Messages[1].Content, "[MOCK]")

	var stored []domain.Message
	status = apiRequest(t, http.MethodGet, base+"/api/messages/session/"+strconv.FormatInt(sessionID, 10), nil, &stored)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, stored, 2)
	require.Equal(t, domain.RoleUser, stored[0].Role)
	require.Equal(t, domain.RoleAssistant, stored[1].Role)

	var sessions []domain.ChatSession
	apiRequest(t, http.MethodGet, base+"/api/chat-sessions/chatbot/"+strconv.FormatInt(chatbotID, 10), nil, &sessions)
	require.Len(t, sessions, 1)
}

func TestNewRelayCompleterModes(t *testing.T) {
	cfg := testConfig(t, "http://backend")

	cfg.Relay.Mode = provider.ModeMock
	c, err := NewRelayCompleter(cfg)
	require.NoError(t, err)
	require.IsType(t, &provider.MockClient{}, c)

	cfg.Relay.Mode = provider.ModeSync
	c, err = NewRelayCompleter(cfg)
	require.NoError(t, err)
	require.Equal(t, "sync", c.(*provider.Client).Strategy().Name())

	cfg.Relay.Mode = provider.ModeStreaming
	c, err = NewRelayCompleter(cfg)
	require.NoError(t, err)
	require.Equal(t, "streaming", c.(*provider.Client).Strategy().Name())

	cfg.Relay.Mode = "carrier-pigeon"
	_, err = NewRelayCompleter(cfg)
	require.Error(t, err)
}
