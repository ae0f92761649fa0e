package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

const xaiBaseURL = "https://api.x.ai/v1"

// xaiModel speaks the OpenAI wire format to xAI (or any compatible endpoint)
// and exposes the result as eino messages.
type xaiModel struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func newXAIModel(cfg Config) *xaiModel {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = xaiBaseURL
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &xaiModel{
		client:    openai.NewClientWithConfig(oc),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

func toOpenAIMessages(input []*schema.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(input))
	for _, m := range input {
		if m == nil {
			continue
		}
		var role string
		switch m.Role {
		case schema.System:
			role = openai.ChatMessageRoleSystem
		case schema.Assistant:
			role = openai.ChatMessageRoleAssistant
		default:
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func (m *xaiModel) request(input []*schema.Message, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:     m.model,
		Messages:  toOpenAIMessages(input),
		Stream:    stream,
		MaxTokens: m.maxTokens,
	}
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return req
}

func (m *xaiModel) Generate(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
	resp, err := m.client.CreateChatCompletion(ctx, m.request(input, false))
	if err != nil {
		return nil, fmt.Errorf("xai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("xai completion: empty choices")
	}
	choice := resp.Choices[0]
	return &schema.Message{
		Role:    schema.Assistant,
		Content: choice.Message.Content,
		ResponseMeta: &schema.ResponseMeta{
			FinishReason: string(choice.FinishReason),
			Usage: &schema.TokenUsage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		},
	}, nil
}

// Stream pipes the go-openai chunk stream into an eino StreamReader. Closing
// the reader stops the pump and closes the HTTP stream.
func (m *xaiModel) Stream(ctx context.Context, input []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	stream, err := m.client.CreateChatCompletionStream(ctx, m.request(input, true))
	if err != nil {
		return nil, fmt.Errorf("xai stream: %w", err)
	}
	sr, sw := schema.Pipe[*schema.Message](8)
	go func() {
		defer stream.Close()
		defer sw.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				sw.Send(nil, fmt.Errorf("xai stream recv: %w", err))
				return
			}
			if closed := sw.Send(chunkMessage(resp), nil); closed {
				return
			}
		}
	}()
	return sr, nil
}

func chunkMessage(resp openai.ChatCompletionStreamResponse) *schema.Message {
	msg := &schema.Message{Role: schema.Assistant}
	if len(resp.Choices) > 0 {
		msg.Content = resp.Choices[0].Delta.Content
		if fr := resp.Choices[0].FinishReason; fr != "" {
			msg.ResponseMeta = &schema.ResponseMeta{FinishReason: string(fr)}
		}
	}
	if resp.Usage != nil {
		if msg.ResponseMeta == nil {
			msg.ResponseMeta = &schema.ResponseMeta{}
		}
		msg.ResponseMeta.Usage = &schema.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return msg
}
