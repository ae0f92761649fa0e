package provider

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const defaultClaudeMaxTokens = 3000

func newEinoModel(ctx context.Context, name string, cfg Config) (model.ToolCallingChatModel, error) {
	switch name {
	case OpenAI:
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case Gemini:
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case Claude:
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		maxTokens := cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultClaudeMaxTokens
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", name)
	}
}

// einoChatModel drops the per call options of an eino model.
type einoChatModel struct {
	inner model.BaseChatModel
}

func (m *einoChatModel) Generate(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
	return m.inner.Generate(ctx, input)
}

func (m *einoChatModel) Stream(ctx context.Context, input []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	return m.inner.Stream(ctx, input)
}

// searchAgent runs the model inside a react agent that may call web_search.
type searchAgent struct {
	agent *react.Agent
}

func newSearchAgent(ctx context.Context, chatModel model.ToolCallingChatModel, search SearchConfig) (ChatModel, error) {
	ws := newWebSearchTool(ctx, search)
	if ws == nil {
		return &einoChatModel{inner: chatModel}, nil
	}
	agent, err := react.NewAgent(ctx, &react.AgentConfig{
		ToolCallingModel: chatModel,
		ToolsConfig: compose.ToolsNodeConfig{
			Tools: []tool.BaseTool{ws},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init react agent: %w", err)
	}
	return &searchAgent{agent: agent}, nil
}

func (a *searchAgent) Generate(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
	return a.agent.Generate(ctx, input)
}

func (a *searchAgent) Stream(ctx context.Context, input []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	return a.agent.Stream(ctx, input)
}
