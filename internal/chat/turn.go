package chat

import (
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
	"github.com/matthewbub/wussup.chat-sub003/internal/quota"
	"github.com/matthewbub/wussup.chat-sub003/internal/stream"
)

// State is a step of a turn.
type State string

const (
	StateValidating    State = "validating"
	StateQuotaChecking State = "quota_checking"
	StateStreaming     State = "streaming"
	StatePersisting    State = "persisting"
	StateTitlePending  State = "title_pending"
	StateIdle          State = "idle"
	StateFailed        State = "failed"
)

// Candidate asks one provider model for an answer.
type Candidate struct {
	ResponseType string `json:"response_type"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	WebSearch    bool   `json:"web_search"`
}

type TurnRequest struct {
	UserID          string      `json:"-"`
	SessionID       string      `json:"session_id"`
	Content         string      `json:"content"`
	UserMessageID   string      `json:"user_message_id,omitempty"`
	ParentMessageID string      `json:"parent_message_id,omitempty"`
	ResponseGroupID string      `json:"response_group_id,omitempty"`
	Candidates      []Candidate `json:"candidates"`
}

// Ack is sent once the user message is stored, before any provider call.
type Ack struct {
	TurnID          string          `json:"turn_id"`
	Session         *models.Session `json:"session"`
	UserMessage     *models.Message `json:"user_message"`
	ResponseGroupID string          `json:"response_group_id,omitempty"`
	SessionCreated  bool            `json:"session_created"`
	Quota           quota.Decision  `json:"quota"`
}

// Sink receives live turn output. Candidates stream concurrently, so
// implementations must be safe for concurrent use. An OnChunk error stops
// that candidate as if the client went away.
type Sink interface {
	OnAck(ack Ack)
	OnChunk(responseType, delta string) error
	OnMetadata(responseType string, meta stream.Metadata)
	OnCandidateError(responseType string, err error)
}

type CandidateResult struct {
	ResponseType string               `json:"response_type"`
	Provider     string               `json:"provider"`
	Model        string               `json:"model"`
	BYOK         bool                 `json:"byok"`
	Content      string               `json:"content"`
	Status       models.MessageStatus `json:"status"`
	Metadata     stream.Metadata      `json:"metadata"`
	Cancelled    bool                 `json:"cancelled,omitempty"`
	MessageID    string               `json:"message_id,omitempty"`
	Error        string               `json:"error,omitempty"`
	Retryable    bool                 `json:"retryable,omitempty"`

	err error
}

type TurnResult struct {
	TurnID          string            `json:"turn_id"`
	Session         *models.Session   `json:"session,omitempty"`
	SessionCreated  bool              `json:"session_created"`
	UserMessage     *models.Message   `json:"user_message,omitempty"`
	Candidates      []CandidateResult `json:"candidates"`
	Messages        []*models.Message `json:"messages"`
	ResponseGroupID string            `json:"response_group_id,omitempty"`
	States          []State           `json:"states"`
	Quota           quota.Decision    `json:"quota"`
	// SaveFailed means generated content could not be stored; it is still
	// present in Candidates.
	SaveFailed   bool `json:"save_failed"`
	TitlePending bool `json:"title_pending"`
}

func (r *TurnResult) enter(s State) {
	r.States = append(r.States, s)
}

// State reports the last state the turn reached.
func (r *TurnResult) State() State {
	if len(r.States) == 0 {
		return ""
	}
	return r.States[len(r.States)-1]
}

// NopSink discards live output.
type NopSink struct{}

func (NopSink) OnAck(Ack) {}
func (NopSink) OnChunk(string, string) error { return nil }
func (NopSink) OnMetadata(string, stream.Metadata) {}
func (NopSink) OnCandidateError(string, error) {}
