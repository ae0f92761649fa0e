// Package provider builds streaming chat models for the supported vendors.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
)

const (
	OpenAI = "openai"
	Claude = "claude"
	Gemini = "gemini"
	XAI    = "xai"
)

var aliases = map[string]string{
	"openai":    OpenAI,
	"claude":    Claude,
	"anthropic": Claude,
	"gemini":    Gemini,
	"google":    Gemini,
	"xai":       XAI,
	"grok":      XAI,
}

// Canonical maps a provider name or alias to its canonical name, or "".
func Canonical(name string) string {
	return aliases[strings.ToLower(strings.TrimSpace(name))]
}

func Supported(name string) bool {
	return Canonical(name) != ""
}

// Names lists the canonical provider names.
func Names() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, v := range aliases {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// SearchConfig enables google search for the web_search tool. DuckDuckGo is
// always available as the fallback.
type SearchConfig struct {
	GoogleAPIKey   string
	GoogleEngineID string
}

// Config selects a vendor model and the credentials to call it with.
type Config struct {
	Name      string
	Model     string
	BaseURL   string
	APIKey    string
	MaxTokens int
	WebSearch bool
	Search    SearchConfig
}

// ChatModel is the part of a vendor model the chat core needs.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message) (*schema.Message, error)
	Stream(ctx context.Context, input []*schema.Message) (*schema.StreamReader[*schema.Message], error)
}

// NewChatModel builds the model for cfg. Tests replace it with fakes.
var NewChatModel = func(ctx context.Context, cfg Config) (ChatModel, error) {
	return build(ctx, cfg)
}

var ErrMissingKey = errors.New("provider api key is required")

func build(ctx context.Context, cfg Config) (ChatModel, error) {
	name := Canonical(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("invalid provider: %s", cfg.Name)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingKey)
	}
	if name == XAI {
		if cfg.WebSearch {
			// the react agent needs an eino tool calling model
			return nil, fmt.Errorf("web search is not supported for %s", name)
		}
		return newXAIModel(cfg), nil
	}
	chatModel, err := newEinoModel(ctx, name, cfg)
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", name, err)
	}
	if !cfg.WebSearch {
		return &einoChatModel{inner: chatModel}, nil
	}
	return newSearchAgent(ctx, chatModel, cfg.Search)
}
