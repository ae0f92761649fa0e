package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/chat"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
	"github.com/matthewbub/wussup.chat-sub003/internal/stream"
)

var errStreamClosed = errors.New("event stream closed")

// turnSink writes turn events as SSE. The stream is opened by the ack, so
// failures before it are still answered with plain JSON.
type turnSink struct {
	mu      sync.Mutex
	w       gin.ResponseWriter
	opened  bool
	broken  bool
	every   time.Duration
	stop    chan struct{}
	stopped sync.WaitGroup
}

func newTurnSink(w gin.ResponseWriter, ping time.Duration) *turnSink {
	return &turnSink{w: w, every: ping, stop: make(chan struct{})}
}

func (s *turnSink) open() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.opened = true
}

func (s *turnSink) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *turnSink) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return errStreamClosed
	}
	if !s.opened {
		s.open()
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.broken = true
		return err
	}
	s.w.Flush()
	return nil
}

func (s *turnSink) pingLoop() {
	defer s.stopped.Done()
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case t := <-ticker.C:
			if err := s.send("ping", gin.H{"ts": t.UTC().Unix()}); err != nil {
				return
			}
		}
	}
}

func (s *turnSink) close() {
	close(s.stop)
	s.stopped.Wait()
}

func (s *turnSink) OnAck(ack chat.Ack) {
	if err := s.send("ack", ack); err != nil {
		return
	}
	if s.every > 0 {
		s.stopped.Add(1)
		go s.pingLoop()
	}
}

func (s *turnSink) OnChunk(responseType, delta string) error {
	return s.send("stream", gin.H{"response_type": responseType, "content": delta})
}

func (s *turnSink) OnMetadata(responseType string, meta stream.Metadata) {
	_ = s.send("metadata", gin.H{
		"response_type":     responseType,
		"prompt_tokens":     meta.PromptTokens,
		"completion_tokens": meta.CompletionTokens,
		"finish_reason":     meta.FinishReason,
	})
}

func (s *turnSink) OnCandidateError(responseType string, err error) {
	_ = s.send("candidate_error", gin.H{
		"response_type": responseType,
		"message":       apperr.Message(err),
		"retryable":     apperr.IsRetryable(err),
	})
}

func (h *Handler) submitTurn(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req chat.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	req.UserID = userID

	sink := newTurnSink(c.Writer, h.pingInterval)
	res, err := h.chat.SubmitTurn(c.Request.Context(), req, sink)
	sink.close()

	if !sink.started() {
		if err == nil {
			err = fmt.Errorf("turn finished without acknowledgement")
		}
		if apperr.Is(err, apperr.QuotaExceeded) && res != nil {
			c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.Message(err), "kind": apperr.QuotaExceeded, "quota": res.Quota})
			return
		}
		writeError(c, err)
		return
	}
	if err != nil {
		log.Printf("api turn for user %s failed: %v", userID, err)
		_ = sink.send("error", gin.H{
			"message":   apperr.Message(err),
			"kind":      apperr.KindOf(err),
			"retryable": apperr.IsRetryable(err),
		})
		return
	}
	messages := res.Messages
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	_ = sink.send("done", gin.H{
		"turn_id":           res.TurnID,
		"messages":          messages,
		"candidates":        res.Candidates,
		"response_group_id": res.ResponseGroupID,
		"save_failed":       res.SaveFailed,
		"title_pending":     res.TitlePending,
	})
}
