package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"

	"github.com/matthewbub/wussup.chat-sub003/internal/models"
	"github.com/matthewbub/wussup.chat-sub003/internal/provider"
)

const (
	maxHistoryMessages = 50
	maxHistoryTokens   = 8000
)

// estimateTokens is a rough four characters per token guess plus framing.
func estimateTokens(s string) int {
	return utf8.RuneCountInString(s)/4 + 4
}

// selectHistory keeps one answer per response group: the preferred one, or
// the first stored when none is preferred. exclude drops a message by id.
func selectHistory(history []*models.Message, exclude string) []*models.Message {
	chosen := make(map[string]*models.Message)
	for _, m := range history {
		if m == nil || m.ResponseGroupID == "" || m.Role != models.RoleAssistant {
			continue
		}
		cur, ok := chosen[m.ResponseGroupID]
		if !ok || (m.IsPreferred && !cur.IsPreferred) {
			chosen[m.ResponseGroupID] = m
		}
	}
	out := make([]*models.Message, 0, len(history))
	for _, m := range history {
		if m == nil || m.ID == exclude || strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role == models.RoleAssistant && m.ResponseGroupID != "" && chosen[m.ResponseGroupID] != m {
			continue
		}
		out = append(out, m)
	}
	return out
}

// truncate keeps the most recent messages that fit both budgets.
func truncate(history []*models.Message, budget int) []*models.Message {
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		if len(history)-i > maxHistoryMessages {
			break
		}
		cost := estimateTokens(history[i].Content)
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	return history[start:]
}

// buildPrompt assembles the system context, prior turns and the new message.
func buildPrompt(chatContext string, history []*models.Message, userMsg *models.Message) []*schema.Message {
	budget := maxHistoryTokens - estimateTokens(userMsg.Content)
	var msgs []*models.Message
	if ctx := strings.TrimSpace(chatContext); ctx != "" {
		msgs = append(msgs, &models.Message{Role: models.RoleSystem, Content: ctx})
		budget -= estimateTokens(ctx)
	}
	if budget > 0 {
		msgs = append(msgs, truncate(selectHistory(history, userMsg.ID), budget)...)
	}
	msgs = append(msgs, userMsg)
	return provider.ToSchema(msgs)
}
