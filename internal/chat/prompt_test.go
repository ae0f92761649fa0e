package chat

import (
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/matthewbub/wussup.chat-sub003/internal/models"
)

func TestSelectHistoryKeepsOneAnswerPerGroup(t *testing.T) {
	history := []*models.Message{
		{ID: "u1", Role: models.RoleUser, Content: "q1"},
		{ID: "a1", Role: models.RoleAssistant, Content: "first", ResponseGroupID: "g1"},
		{ID: "b1", Role: models.RoleAssistant, Content: "second", ResponseGroupID: "g1", IsPreferred: true},
		{ID: "u2", Role: models.RoleUser, Content: "q2"},
		{ID: "a2", Role: models.RoleAssistant, Content: "only A", ResponseGroupID: "g2"},
		{ID: "b2", Role: models.RoleAssistant, Content: "only B", ResponseGroupID: "g2"},
		{ID: "u3", Role: models.RoleUser, Content: "   "},
		{ID: "u4", Role: models.RoleUser, Content: "q4"},
	}
	got := selectHistory(history, "u4")
	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "u1,b1,u2,a2" {
		t.Fatalf("unexpected history %v", ids)
	}
}

func TestTruncateKeepsMostRecent(t *testing.T) {
	var history []*models.Message
	for i := 0; i < 80; i++ {
		history = append(history, &models.Message{Role: models.RoleUser, Content: "xxxx"})
	}
	if got := truncate(history, 1_000_000); len(got) != maxHistoryMessages {
		t.Fatalf("expected %d messages, got %d", maxHistoryMessages, len(got))
	}
	// each message costs 5 tokens
	got := truncate(history, 12)
	if len(got) != 2 || got[1] != history[79] {
		t.Fatalf("expected the two newest messages, got %d", len(got))
	}
	if got := truncate(history, 3); len(got) != 0 {
		t.Fatalf("expected nothing to fit, got %d", len(got))
	}
}

func TestBuildPrompt(t *testing.T) {
	userMsg := &models.Message{ID: "u2", Role: models.RoleUser, Content: "now"}
	history := []*models.Message{
		{ID: "u1", Role: models.RoleUser, Content: "before"},
		{ID: "a1", Role: models.RoleAssistant, Content: "reply"},
		userMsg,
	}
	msgs := buildPrompt("be brief", history, userMsg)
	if len(msgs) != 4 {
		t.Fatalf("expected system, two history and the new message, got %d", len(msgs))
	}
	if msgs[0].Role != schema.System || msgs[0].Content != "be brief" {
		t.Fatalf("unexpected system message %+v", msgs[0])
	}
	if msgs[3].Role != schema.User || msgs[3].Content != "now" {
		t.Fatalf("unexpected last message %+v", msgs[3])
	}

	msgs = buildPrompt("", nil, userMsg)
	if len(msgs) != 1 {
		t.Fatalf("expected only the new message, got %d", len(msgs))
	}
}
