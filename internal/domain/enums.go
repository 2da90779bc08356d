// Package domain defines the core domain models for difychat.
package domain

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a role the backend accepts.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// PrincipalRole is the authorization role attached to a bearer token.
type PrincipalRole string

const (
	PrincipalUser  PrincipalRole = "user"
	PrincipalAdmin PrincipalRole = "admin"
)

// EventType represents the type of a domain event published on the bus.
type EventType string

const (
	EventTypeSessionCreated EventType = "session_created"
	EventTypeSessionDeleted EventType = "session_deleted"
	EventTypeMessageCreated EventType = "message_created"
	EventTypeChatbotCreated EventType = "chatbot_created"
	EventTypeChatbotDeleted EventType = "chatbot_deleted"
)
