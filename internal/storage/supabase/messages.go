package supabase

import (
	"time"

	"github.com/matthewbub/wussup.chat-sub003/internal/models"
)

// messageRow is the chat_messages shape. is_preferred is not a column.
type messageRow struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	UserID           string    `json:"user_id"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	Model            string    `json:"model"`
	Provider         string    `json:"model_provider"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	ResponseGroupID  string    `json:"response_group_id"`
	ResponseType     string    `json:"response_type"`
	ParentMessageID  string    `json:"parent_message_id"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

func messageRowFrom(m *models.Message) messageRow {
	return messageRow{
		ID:               m.ID,
		SessionID:        m.SessionID,
		UserID:           m.UserID,
		Role:             string(m.Role),
		Content:          m.Content,
		Model:            m.Model,
		Provider:         m.Provider,
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
		ResponseGroupID:  m.ResponseGroupID,
		ResponseType:     m.ResponseType,
		ParentMessageID:  m.ParentMessageID,
		Status:           string(m.Status),
		CreatedAt:        m.CreatedAt.UTC(),
	}
}

func (r messageRow) model() *models.Message {
	return &models.Message{
		ID:               r.ID,
		SessionID:        r.SessionID,
		UserID:           r.UserID,
		Role:             models.Role(r.Role),
		Content:          r.Content,
		Model:            r.Model,
		Provider:         r.Provider,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		ResponseGroupID:  r.ResponseGroupID,
		ResponseType:     r.ResponseType,
		ParentMessageID:  r.ParentMessageID,
		Status:           models.MessageStatus(r.Status),
		CreatedAt:        r.CreatedAt,
	}
}
