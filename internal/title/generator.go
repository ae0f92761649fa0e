// Package title names chat sessions from their opening exchange.
package title

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/cloudwego/eino/schema"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
	"github.com/matthewbub/wussup.chat-sub003/internal/provider"
)

const (
	systemPrompt = "Summarize the chat in a concise title using up to 6 words. Text only, no special characters."
	maxWords     = 6
	// seeds longer than this are cut before reaching the model
	maxSeedRunes = 4000
)

type Store interface {
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
	UpsertSessionName(ctx context.Context, sessionID, userID, name string) error
}

type Generator struct {
	store Store
	model provider.Config
	// renamed runs after every applied title, e.g. to drop cached metadata.
	renamed func(ctx context.Context, userID, sessionID string)
}

func NewGenerator(store Store, model provider.Config) *Generator {
	return &Generator{store: store, model: model}
}

// OnRename registers fn to run after a title is stored.
func (g *Generator) OnRename(fn func(ctx context.Context, userID, sessionID string)) {
	g.renamed = fn
}

// Seed joins the first user message and the first assistant reply.
func Seed(userText, assistantText string) string {
	userText = strings.TrimSpace(userText)
	assistantText = strings.TrimSpace(assistantText)
	if assistantText == "" {
		return userText
	}
	return fmt.Sprintf("User: %s\nAssistant: %s", userText, assistantText)
}

// Sanitize keeps letters, digits and single spaces, and at most six words.
func Sanitize(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return r
		case unicode.IsSpace(r):
			return ' '
		default:
			return -1
		}
	}, raw)
	words := strings.Fields(cleaned)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, " ")
}

// GenerateAndApply asks the model for a title and stores it as the session name.
func (g *Generator) GenerateAndApply(ctx context.Context, sessionID, seed, userID string) (string, error) {
	const op = "title.generate"
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(userID) == "" {
		return "", apperr.New(apperr.Validation, op, "session id and user id are required")
	}
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return "", apperr.New(apperr.Validation, op, "seed text is required")
	}
	if r := []rune(seed); len(r) > maxSeedRunes {
		seed = string(r[:maxSeedRunes])
	}

	model, err := provider.NewChatModel(ctx, g.model)
	if err != nil {
		return "", apperr.Wrap(apperr.Provider, op, err)
	}
	resp, err := model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(seed),
	})
	if err != nil {
		e := apperr.Wrap(apperr.Provider, op, err)
		if provider.Retryable(err) {
			e.Retry()
		}
		return "", e
	}
	var title string
	if resp != nil {
		title = Sanitize(resp.Content)
	}
	if title == "" {
		return "", apperr.New(apperr.Provider, op, "model returned an empty title")
	}

	if err := g.store.UpsertSessionName(ctx, sessionID, userID, title); err != nil {
		return "", fmt.Errorf("apply title: %w", err)
	}
	if g.renamed != nil {
		g.renamed(ctx, userID, sessionID)
	}
	return title, nil
}

// Regenerate rebuilds the seed from stored history and runs synchronously.
func (g *Generator) Regenerate(ctx context.Context, sessionID, userID string) (string, error) {
	s, err := g.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if s.UserID != userID {
		return "", apperr.New(apperr.NotFound, "title.regenerate", "session not found")
	}
	msgs, err := g.store.ListMessages(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	var userText, assistantText string
	for _, m := range msgs {
		switch {
		case m.Role == models.RoleUser && userText == "":
			userText = m.Content
		case m.Role == models.RoleAssistant && assistantText == "" && m.Content != "":
			assistantText = m.Content
		}
	}
	if userText == "" {
		return "", apperr.New(apperr.Validation, "title.regenerate", "session has no messages to title")
	}
	return g.GenerateAndApply(ctx, sessionID, Seed(userText, assistantText), userID)
}
