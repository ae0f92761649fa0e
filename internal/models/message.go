package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus tells whether a model message finished streaming.
type MessageStatus string

const (
	StatusComplete MessageStatus = "complete"
	// StatusPartial marks content cut short by cancellation, timeout or a provider error.
	StatusPartial MessageStatus = "partial"
	StatusFailed  MessageStatus = "failed"
)

// Message is one entry of a session history. Messages are append-only.
type Message struct {
	ID               string        `json:"id"`
	SessionID        string        `json:"session_id"`
	UserID           string        `json:"user_id"`
	Role             Role          `json:"role"`
	Content          string        `json:"content"`
	Model            string        `json:"model,omitempty"`
	Provider         string        `json:"model_provider,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	ResponseGroupID  string        `json:"response_group_id,omitempty"`
	ResponseType     string        `json:"response_type,omitempty"`
	ParentMessageID  string        `json:"parent_message_id,omitempty"`
	Status           MessageStatus `json:"status"`
	// IsPreferred is derived from the owning response group on read.
	IsPreferred bool      `json:"is_preferred"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsUser reports whether the message was authored by the user.
func (m *Message) IsUser() bool {
	return m.Role == RoleUser
}
