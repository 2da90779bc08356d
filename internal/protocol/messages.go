// Package protocol defines the WebSocket message protocol between display
// clients and the gateway.
package protocol

import (
	"time"

	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/orchestrator"
)

// Message types from client to gateway
const (
	TypeHello         = "hello"
	TypeSelectChatbot = "select_chatbot"
	TypeSelectSession = "select_session"
	TypeNewSession    = "new_session"
	TypeSend          = "send"
	TypeDeleteSession = "delete_session"
	TypeDeleteChatbot = "delete_chatbot"
)

// Message types from gateway to client
const (
	TypeHelloAck = "hello_ack"
	TypeSnapshot = "snapshot"
	TypeEvent    = "event"
	TypeError    = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
}

// HelloMessage is sent by the client to bind the connection to a user.
type HelloMessage struct {
	BaseMessage
	UserID        int64  `json:"user_id"`
	Token         string `json:"token"`
	ProviderToken string `json:"provider_token,omitempty"`
}

// HelloAckMessage is sent by the gateway after a successful hello.
type HelloAckMessage struct {
	BaseMessage
	ConnectionID string `json:"connection_id"`
	UserID       int64  `json:"user_id"`
}

type SelectChatbotMessage struct {
	BaseMessage
	ChatbotID     int64  `json:"chatbot_id"`
	DifyChatbotID string `json:"dify_chatbot_id,omitempty"`
}

type SelectSessionMessage struct {
	BaseMessage
	SessionID int64 `json:"session_id"`
}

type NewSessionMessage struct {
	BaseMessage
}

type SendMessage struct {
	BaseMessage
	Text string `json:"text"`
}

type DeleteSessionMessage struct {
	BaseMessage
	SessionID int64 `json:"session_id"`
}

type DeleteChatbotMessage struct {
	BaseMessage
	ChatbotID     int64  `json:"chatbot_id"`
	DifyChatbotID string `json:"dify_chatbot_id,omitempty"`
}

// SnapshotMessage carries the full conversation view after a change.
type SnapshotMessage struct {
	BaseMessage
	View orchestrator.View `json:"view"`
}

// EventMessage forwards a domain event from the bus.
type EventMessage struct {
	BaseMessage
	Event domain.Event `json:"event"`
}

// ErrorMessage is sent by the gateway when an operation fails.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage      = "invalid_message"
	ErrorCodeUnauthorized        = "unauthorized"
	ErrorCodeHelloRequired       = "hello_required"
	ErrorCodeMissingPrerequisite = "missing_prerequisite"
	ErrorCodeNotFound            = "not_found"
	ErrorCodeForbidden           = "forbidden"
	ErrorCodeNotReady            = "not_ready"
	ErrorCodeUpstream            = "upstream_error"
	ErrorCodeInternalError       = "internal_error"
)

// Base stamps a message of type t with the current time.
func Base(t, requestID string) BaseMessage {
	return BaseMessage{Type: t, Ts: time.Now().UnixMilli(), RequestID: requestID}
}

// NewEvent wraps a domain event for delivery.
func NewEvent(e domain.Event) EventMessage {
	return EventMessage{BaseMessage: Base(TypeEvent, ""), Event: e}
}

// NewSnapshot wraps a view for delivery.
func NewSnapshot(v orchestrator.View) SnapshotMessage {
	return SnapshotMessage{BaseMessage: Base(TypeSnapshot, ""), View: v}
}

// NewError builds an error frame.
func NewError(requestID, code, message string) ErrorMessage {
	return ErrorMessage{BaseMessage: Base(TypeError, requestID), Code: code, Message: message}
}
