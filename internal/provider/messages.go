package provider

import (
	"github.com/cloudwego/eino/schema"

	"github.com/matthewbub/wussup.chat-sub003/internal/models"
)

// ToSchema converts stored messages to eino messages, keeping order.
func ToSchema(history []*models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return messages
}
