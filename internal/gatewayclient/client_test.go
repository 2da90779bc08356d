package gatewayclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/orchestrator"
	"github.com/xiaot623/difychat/internal/protocol"
)

// fakeGateway acks hello for token "ok" and answers send with a snapshot.
func fakeGateway(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var base protocol.BaseMessage
			_ = json.Unmarshal(data, &base)
			switch base.Type {
			case protocol.TypeHello:
				var hello protocol.HelloMessage
				_ = json.Unmarshal(data, &hello)
				if hello.Token != "ok" {
					_ = conn.WriteJSON(protocol.NewError(base.RequestID, protocol.ErrorCodeUnauthorized, "invalid token"))
					continue
				}
				_ = conn.WriteJSON(protocol.NewSnapshot(orchestrator.View{State: orchestrator.StateNoChatbotSelected}))
				_ = conn.WriteJSON(protocol.HelloAckMessage{
					BaseMessage:  protocol.Base(protocol.TypeHelloAck, base.RequestID),
					ConnectionID: "conn-1",
					UserID:       hello.UserID,
				})
			case protocol.TypeSend:
				var send protocol.SendMessage
				_ = json.Unmarshal(data, &send)
				_ = conn.WriteJSON(protocol.NewSnapshot(orchestrator.View{
					State:    orchestrator.StateReady,
					Messages: []domain.Message{{Role: domain.RoleUser, Content: send.Text}},
				}))
				_ = conn.WriteJSON(protocol.NewEvent(domain.Event{EventID: "e1", Type: domain.EventTypeMessageCreated}))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHelloAndSend(t *testing.T) {
	c, err := Dial(context.Background(), fakeGateway(t))
	require.NoError(t, err)
	defer c.Close()

	connID, err := c.Hello(1, "ok", "")
	require.NoError(t, err)
	require.Equal(t, "conn-1", connID)

	require.NoError(t, c.Send("hi"))

	f, err := c.Read()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeSnapshot, f.Type)
	snap, err := f.Snapshot()
	require.NoError(t, err)
	require.Equal(t, "hi", snap.View.Messages[0].Content)

	f, err = c.Read()
	require.NoError(t, err)
	ev, err := f.Event()
	require.NoError(t, err)
	require.Equal(t, domain.EventTypeMessageCreated, ev.Event.Type)
}

func TestHelloRejected(t *testing.T) {
	c, err := Dial(context.Background(), fakeGateway(t))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Hello(1, "bad", "")
	require.ErrorContains(t, err, "unauthorized")
}

func TestReadFramesStopsOnClose(t *testing.T) {
	c, err := Dial(context.Background(), fakeGateway(t))
	require.NoError(t, err)
	_, err = c.Hello(1, "ok", "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.ReadFrames(func(Frame) error { return nil }) }()

	require.NoError(t, c.Close())
	require.NoError(t, <-done)
}
