// Package stream drives one provider stream and accumulates its chunks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
	"github.com/matthewbub/wussup.chat-sub003/internal/provider"
)

type Request struct {
	Messages []*schema.Message
	Provider provider.Config
	// Timeout bounds the whole provider call. Zero means no bound.
	Timeout time.Duration
}

type Metadata struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	FinishReason     string `json:"finish_reason,omitempty"`
}

// Callbacks are all optional. An OnChunk error stops the stream the same way
// a cancelled context does.
type Callbacks struct {
	OnChunk    func(delta string) error
	OnMetadata func(Metadata)
	OnError    func(error)
	OnComplete func()
}

type Result struct {
	Content   string               `json:"content"`
	Status    models.MessageStatus `json:"status"`
	Metadata  Metadata             `json:"metadata"`
	Cancelled bool                 `json:"cancelled"`
	Chunks    int                  `json:"chunks"`
}

type recvItem struct {
	msg *schema.Message
	err error
}

// Run streams one completion. Cancellation returns the partial result with a
// nil error. Timeouts and vendor failures return the partial result together
// with a Provider error.
func Run(ctx context.Context, req Request, cb Callbacks) (*Result, error) {
	model, err := provider.NewChatModel(ctx, req.Provider)
	if err != nil {
		return nil, fail(cb, apperr.Wrap(apperr.Provider, "stream.init", err))
	}

	// cancelling streamCtx stops the provider call on every return path
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if req.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		streamCtx, cancelTimeout = context.WithTimeout(streamCtx, req.Timeout)
		defer cancelTimeout()
	}

	res := &Result{Status: models.StatusPartial}
	reader, err := model.Stream(streamCtx, req.Messages)
	if err != nil {
		if ctx.Err() != nil {
			res.Cancelled = true
			return res, nil
		}
		return res, fail(cb, classify(streamCtx, "stream.open", err))
	}
	defer reader.Close()

	items := make(chan recvItem)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			msg, err := reader.Recv()
			select {
			case items <- recvItem{msg: msg, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var content strings.Builder
	for {
		select {
		case <-ctx.Done():
			res.Content = content.String()
			res.Cancelled = true
			return res, nil
		case <-streamCtx.Done():
			res.Content = content.String()
			if ctx.Err() != nil {
				res.Cancelled = true
				return res, nil
			}
			return res, fail(cb, timeoutErr(req.Timeout))
		case item := <-items:
			if errors.Is(item.err, io.EOF) {
				res.Content = content.String()
				res.Status = models.StatusComplete
				if cb.OnComplete != nil {
					cb.OnComplete()
				}
				return res, nil
			}
			if item.err != nil {
				res.Content = content.String()
				if ctx.Err() != nil {
					res.Cancelled = true
					return res, nil
				}
				return res, fail(cb, classify(streamCtx, "stream.recv", item.err))
			}
			if item.msg == nil {
				continue
			}
			if meta, ok := metadataOf(item.msg); ok {
				res.Metadata = merge(res.Metadata, meta)
				if cb.OnMetadata != nil {
					cb.OnMetadata(res.Metadata)
				}
			}
			if item.msg.Content == "" {
				continue
			}
			content.WriteString(item.msg.Content)
			res.Chunks++
			if cb.OnChunk != nil {
				if err := cb.OnChunk(item.msg.Content); err != nil {
					// the sink is gone, usually a client disconnect
					cancel()
					res.Content = content.String()
					res.Cancelled = true
					return res, nil
				}
			}
		}
	}
}

func fail(cb Callbacks, err error) error {
	if cb.OnError != nil {
		cb.OnError(err)
	}
	return err
}

func timeoutErr(d time.Duration) error {
	return apperr.New(apperr.Provider, "stream.recv", fmt.Sprintf("provider timed out after %s", d)).Retry()
}

func classify(streamCtx context.Context, op string, err error) error {
	if errors.Is(streamCtx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.Provider, op, err).Retry()
	}
	e := apperr.Wrap(apperr.Provider, op, err)
	if provider.Retryable(err) {
		e.Retry()
	}
	return e
}

func metadataOf(msg *schema.Message) (Metadata, bool) {
	if msg.ResponseMeta == nil {
		return Metadata{}, false
	}
	meta := Metadata{FinishReason: msg.ResponseMeta.FinishReason}
	if u := msg.ResponseMeta.Usage; u != nil {
		meta.PromptTokens = u.PromptTokens
		meta.CompletionTokens = u.CompletionTokens
		meta.TotalTokens = u.TotalTokens
	}
	if meta == (Metadata{}) {
		return meta, false
	}
	return meta, true
}

// merge keeps the latest non zero value of every field.
func merge(prev, next Metadata) Metadata {
	if next.PromptTokens != 0 {
		prev.PromptTokens = next.PromptTokens
	}
	if next.CompletionTokens != 0 {
		prev.CompletionTokens = next.CompletionTokens
	}
	if next.TotalTokens != 0 {
		prev.TotalTokens = next.TotalTokens
	}
	if next.FinishReason != "" {
		prev.FinishReason = next.FinishReason
	}
	return prev
}
