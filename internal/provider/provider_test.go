package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"

	"github.com/matthewbub/wussup.chat-sub003/internal/models"
)

func TestCanonical(t *testing.T) {
	cases := map[string]string{
		"OpenAI":    OpenAI,
		"anthropic": Claude,
		" google ":  Gemini,
		"grok":      XAI,
		"mistral":   "",
	}
	for in, want := range cases {
		if got := Canonical(in); got != want {
			t.Fatalf("Canonical(%q) = %q, want %q", in, got, want)
		}
	}
	if Supported("mistral") || !Supported("claude") {
		t.Fatalf("unexpected Supported result")
	}
	if got := Names(); len(got) != 4 {
		t.Fatalf("unexpected names %v", got)
	}
}

func TestBuildRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := build(ctx, Config{Name: "mistral", APIKey: "k"}); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
	if _, err := build(ctx, Config{Name: "openai", Model: "gpt-4o-mini"}); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := build(ctx, Config{Name: "xai", APIKey: "k", WebSearch: true}); err == nil {
		t.Fatalf("expected web search to be rejected for xai")
	}
	m, err := build(ctx, Config{Name: "grok", APIKey: "k", Model: "grok-2"})
	if err != nil {
		t.Fatalf("build xai: %v", err)
	}
	if _, ok := m.(*xaiModel); !ok {
		t.Fatalf("expected xai model, got %T", m)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&openai.APIError{HTTPStatusCode: 429, Message: "slow down"}, true},
		{fmt.Errorf("wrapped: %w", &openai.APIError{HTTPStatusCode: 503}), true},
		{&openai.APIError{HTTPStatusCode: 401}, false},
		{errors.New("error, status code: 502, message: bad gateway"), true},
		{errors.New("anthropic: rate limit exceeded"), true},
		{errors.New("invalid api key"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestChunkMessageCarriesUsage(t *testing.T) {
	msg := chunkMessage(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta:        openai.ChatCompletionStreamChoiceDelta{Content: "hi"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: &openai.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
	})
	if msg.Content != "hi" || msg.ResponseMeta == nil || msg.ResponseMeta.FinishReason != "stop" {
		t.Fatalf("unexpected chunk %+v", msg)
	}
	if msg.ResponseMeta.Usage.PromptTokens != 3 || msg.ResponseMeta.Usage.CompletionTokens != 1 {
		t.Fatalf("usage not carried: %+v", msg.ResponseMeta.Usage)
	}
}

func TestToSchemaKeepsOrderAndRoles(t *testing.T) {
	out := ToSchema([]*models.Message{
		{Role: models.RoleSystem, Content: "be kind"},
		nil,
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
	})
	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
	if out[0].Role != schema.System || out[1].Role != schema.User || out[2].Role != schema.Assistant {
		t.Fatalf("roles not preserved: %+v", out)
	}
}
