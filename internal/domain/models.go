package domain

import "time"

// ChatSession is one conversation thread between a user and a chatbot.
// IDs are assigned by the backend and increase with creation order.
type ChatSession struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	ChatbotID int64     `json:"chatbot_id"`
	StartTime time.Time `json:"start_time"`
}

// Message is a single immutable utterance inside a session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Chatbot is a configured assistant backed by an app on the external provider.
type Chatbot struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	DifyChatbotID string    `json:"dify_chatbot_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Prompt        string    `json:"prompt,omitempty"`
	Icon          string    `json:"icon,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	ModelName     string    `json:"nameModel,omitempty"`
	Mode          string    `json:"mode,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Credentials identify the acting user towards the backend and the provider.
// They are passed explicitly; nothing reads tokens from ambient state.
type Credentials struct {
	UserID        int64
	Token         string
	ProviderToken string
}

// Valid reports whether the backend half of the credentials is usable.
func (c Credentials) Valid() bool {
	return c.UserID > 0 && c.Token != ""
}

// Principal is the caller resolved from a bearer token by the backend.
type Principal struct {
	UserID int64         `json:"user_id"`
	Role   PrincipalRole `json:"role"`
}

// IsAdmin reports whether the principal bypasses ownership checks.
func (p Principal) IsAdmin() bool {
	return p.Role == PrincipalAdmin
}

// BotRef points at a chatbot: the local id plus the provider's id for it.
type BotRef struct {
	ChatbotID     int64  `json:"chatbot_id"`
	DifyChatbotID string `json:"dify_chatbot_id,omitempty"`
}

// Event is a domain event carried on the event bus.
type Event struct {
	EventID   string    `json:"event_id"`
	Type      EventType `json:"type"`
	UserID    int64     `json:"user_id,omitempty"`
	ChatbotID int64     `json:"chatbot_id,omitempty"`
	SessionID int64     `json:"session_id,omitempty"`
	Message   *Message  `json:"message,omitempty"`
	Ts        int64     `json:"ts"` // Unix milliseconds
}
