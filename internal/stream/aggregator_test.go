package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
	"github.com/matthewbub/wussup.chat-sub003/internal/provider"
)

type fakeModel struct {
	chunks  []*schema.Message
	delay   time.Duration
	failAt  int
	failErr error
	openErr error
	// hang blocks after the chunks until the reader is closed
	hang bool
	// streamCtx receives the context the stream was opened with
	streamCtx chan context.Context
}

func (f *fakeModel) Generate(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
	return schema.AssistantMessage("unused", nil), nil
}

func (f *fakeModel) Stream(ctx context.Context, input []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	if f.streamCtx != nil {
		f.streamCtx <- ctx
	}
	if f.openErr != nil {
		return nil, f.openErr
	}
	sr, sw := schema.Pipe[*schema.Message](0)
	go func() {
		defer sw.Close()
		for i, c := range f.chunks {
			if f.failErr != nil && i == f.failAt {
				sw.Send(nil, f.failErr)
				return
			}
			if f.delay > 0 {
				time.Sleep(f.delay)
			}
			if closed := sw.Send(c, nil); closed {
				return
			}
		}
		if f.failErr != nil && f.failAt >= len(f.chunks) {
			sw.Send(nil, f.failErr)
			return
		}
		if f.hang {
			for !sw.Send(&schema.Message{Role: schema.Assistant}, nil) {
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()
	return sr, nil
}

func useModel(t *testing.T, m provider.ChatModel) {
	t.Helper()
	orig := provider.NewChatModel
	provider.NewChatModel = func(ctx context.Context, cfg provider.Config) (provider.ChatModel, error) {
		return m, nil
	}
	t.Cleanup(func() { provider.NewChatModel = orig })
}

func text(parts ...string) []*schema.Message {
	out := make([]*schema.Message, 0, len(parts))
	for _, p := range parts {
		out = append(out, &schema.Message{Role: schema.Assistant, Content: p})
	}
	return out
}

func TestRunAccumulatesInOrder(t *testing.T) {
	chunks := text("Hel", "lo ", "world")
	chunks = append(chunks, &schema.Message{
		Role: schema.Assistant,
		ResponseMeta: &schema.ResponseMeta{
			FinishReason: "stop",
			Usage:        &schema.TokenUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
		},
	})
	useModel(t, &fakeModel{chunks: chunks})

	var deltas []string
	var meta Metadata
	completed := false
	res, err := Run(context.Background(), Request{Provider: provider.Config{Name: "openai"}}, Callbacks{
		OnChunk:    func(d string) error { deltas = append(deltas, d); return nil },
		OnMetadata: func(m Metadata) { meta = m },
		OnComplete: func() { completed = true },
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", res.Content)
	assert.Equal(t, models.StatusComplete, res.Status)
	assert.Equal(t, []string{"Hel", "lo ", "world"}, deltas)
	assert.Equal(t, 3, res.Chunks)
	assert.True(t, completed)
	assert.Equal(t, Metadata{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10, FinishReason: "stop"}, meta)
	assert.Equal(t, meta, res.Metadata)
}

func TestRunCancelledKeepsPartial(t *testing.T) {
	useModel(t, &fakeModel{chunks: text("a", "b", "c", "d"), delay: 20 * time.Millisecond, hang: true})

	ctx, cancel := context.WithCancel(context.Background())
	res, err := Run(ctx, Request{}, Callbacks{
		OnChunk: func(d string) error {
			if d == "b" {
				cancel()
			}
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, models.StatusPartial, res.Status)
	assert.Contains(t, []string{"ab", "abc"}, res.Content)
}

func TestRunSinkErrorStopsLikeCancel(t *testing.T) {
	useModel(t, &fakeModel{chunks: text("one", "two", "three")})

	res, err := Run(context.Background(), Request{}, Callbacks{
		OnChunk: func(d string) error {
			if d == "two" {
				return errors.New("client gone")
			}
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, "onetwo", res.Content)
}

func TestRunSinkErrorCancelsProviderCall(t *testing.T) {
	m := &fakeModel{chunks: text("one", "two"), hang: true, streamCtx: make(chan context.Context, 1)}
	useModel(t, m)

	res, err := Run(context.Background(), Request{}, Callbacks{
		OnChunk: func(string) error { return errors.New("client gone") },
	})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)

	streamCtx := <-m.streamCtx
	select {
	case <-streamCtx.Done():
	case <-time.After(time.Second):
		t.Fatalf("provider context still live after the sink failed")
	}
}

func TestRunTimeoutIsRetryableProviderError(t *testing.T) {
	useModel(t, &fakeModel{chunks: text("slow"), hang: true})

	var seen error
	res, err := Run(context.Background(), Request{Timeout: 50 * time.Millisecond}, Callbacks{
		OnError: func(e error) { seen = e },
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Provider))
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, err, seen)
	assert.Equal(t, "slow", res.Content)
	assert.Equal(t, models.StatusPartial, res.Status)
	assert.False(t, res.Cancelled)
}

func TestRunProviderErrorMidStream(t *testing.T) {
	useModel(t, &fakeModel{chunks: text("par", "tial"), failAt: 2, failErr: errors.New("error, status code: 429, message: rate limited")})

	res, err := Run(context.Background(), Request{}, Callbacks{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Provider))
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, "partial", res.Content)
}

func TestRunOpenFailure(t *testing.T) {
	useModel(t, &fakeModel{openErr: errors.New("invalid api key")})

	res, err := Run(context.Background(), Request{}, Callbacks{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Provider))
	assert.False(t, apperr.IsRetryable(err))
	assert.Empty(t, res.Content)
}

func TestRunModelBuildFailure(t *testing.T) {
	orig := provider.NewChatModel
	provider.NewChatModel = func(ctx context.Context, cfg provider.Config) (provider.ChatModel, error) {
		return nil, provider.ErrMissingKey
	}
	t.Cleanup(func() { provider.NewChatModel = orig })

	res, err := Run(context.Background(), Request{}, Callbacks{})
	assert.Nil(t, res)
	assert.True(t, apperr.Is(err, apperr.Provider))
	assert.ErrorIs(t, err, provider.ErrMissingKey)
}
