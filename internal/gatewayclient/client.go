// Package gatewayclient is a small client for the WebSocket display gateway.
package gatewayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/xiaot623/difychat/internal/protocol"
)

// Frame is a decoded server message. Only the fields of its Type are set.
type Frame struct {
	protocol.BaseMessage
	Raw json.RawMessage `json:"-"`

	ConnectionID string `json:"connection_id,omitempty"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Snapshot decodes a snapshot frame.
func (f Frame) Snapshot() (protocol.SnapshotMessage, error) {
	var msg protocol.SnapshotMessage
	err := json.Unmarshal(f.Raw, &msg)
	return msg, err
}

// Event decodes an event frame.
func (f Frame) Event() (protocol.EventMessage, error) {
	var msg protocol.EventMessage
	err := json.Unmarshal(f.Raw, &msg)
	return msg, err
}

// Client represents a WebSocket client.
type Client struct {
	conn *websocket.Conn
	seq  int64

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Dial connects to the gateway at addr (ws://host/ws).
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}
	return &Client{conn: conn, done: make(chan struct{})}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.conn.Close()
}

// Hello sends the handshake and waits for hello_ack.
func (c *Client) Hello(userID int64, token, providerToken string) (string, error) {
	msg := protocol.HelloMessage{
		BaseMessage:   protocol.Base(protocol.TypeHello, c.nextRequestID()),
		UserID:        userID,
		Token:         token,
		ProviderToken: providerToken,
	}
	if err := c.write(msg); err != nil {
		return "", errors.Wrap(err, "write hello")
	}

	// Snapshots may already be queued behind the ack.
	for {
		f, err := c.Read()
		if err != nil {
			return "", errors.Wrap(err, "read hello_ack")
		}
		switch f.Type {
		case protocol.TypeHelloAck:
			return f.ConnectionID, nil
		case protocol.TypeError:
			return "", fmt.Errorf("hello failed: %s - %s", f.Code, f.Message)
		}
	}
}

// SelectChatbot asks the gateway to show a chatbot's sessions.
func (c *Client) SelectChatbot(chatbotID int64, difyChatbotID string) error {
	return c.write(protocol.SelectChatbotMessage{
		BaseMessage:   protocol.Base(protocol.TypeSelectChatbot, c.nextRequestID()),
		ChatbotID:     chatbotID,
		DifyChatbotID: difyChatbotID,
	})
}

func (c *Client) SelectSession(sessionID int64) error {
	return c.write(protocol.SelectSessionMessage{
		BaseMessage: protocol.Base(protocol.TypeSelectSession, c.nextRequestID()),
		SessionID:   sessionID,
	})
}

func (c *Client) NewSession() error {
	return c.write(protocol.NewSessionMessage{
		BaseMessage: protocol.Base(protocol.TypeNewSession, c.nextRequestID()),
	})
}

// Send sends a chat message in the selected session.
func (c *Client) Send(text string) error {
	return c.write(protocol.SendMessage{
		BaseMessage: protocol.Base(protocol.TypeSend, c.nextRequestID()),
		Text:        text,
	})
}

func (c *Client) DeleteSession(sessionID int64) error {
	return c.write(protocol.DeleteSessionMessage{
		BaseMessage: protocol.Base(protocol.TypeDeleteSession, c.nextRequestID()),
		SessionID:   sessionID,
	})
}

func (c *Client) DeleteChatbot(chatbotID int64, difyChatbotID string) error {
	return c.write(protocol.DeleteChatbotMessage{
		BaseMessage:   protocol.Base(protocol.TypeDeleteChatbot, c.nextRequestID()),
		ChatbotID:     chatbotID,
		DifyChatbotID: difyChatbotID,
	})
}

// Read blocks for the next frame.
func (c *Client) Read() (Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Wrap(err, "decode frame")
	}
	f.Raw = data
	return f, nil
}

// ReadFrames calls fn for every frame until the connection closes, the
// client is closed or fn returns an error.
func (c *Client) ReadFrames(fn func(Frame) error) error {
	for {
		select {
		case <-c.done:
			return nil
		default:
		}
		f, err := c.Read()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			select {
			case <-c.done:
				return nil
			default:
				return err
			}
		}
		if err := fn(f); err != nil {
			return err
		}
	}
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) nextRequestID() string {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.seq++
	return "req_" + strconv.FormatInt(c.seq, 10)
}
