// Package chat runs conversation turns: it validates, meters, streams every
// candidate, persists what was produced and schedules the session title.
package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/config"
	"github.com/matthewbub/wussup.chat-sub003/internal/gateway"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
	"github.com/matthewbub/wussup.chat-sub003/internal/preference"
	"github.com/matthewbub/wussup.chat-sub003/internal/provider"
	"github.com/matthewbub/wussup.chat-sub003/internal/quota"
	"github.com/matthewbub/wussup.chat-sub003/internal/session"
	"github.com/matthewbub/wussup.chat-sub003/internal/stream"
	"github.com/matthewbub/wussup.chat-sub003/internal/title"
	"github.com/matthewbub/wussup.chat-sub003/internal/worker"
)

const (
	DefaultMaxCandidates = 2
	MaxContentLength     = 32000
)

type Options struct {
	Store      gateway.Gateway
	Registry   *session.Registry
	Ledger     *quota.Ledger
	Resolver   *preference.Resolver
	Titles     *title.Generator
	TitleJobs  title.Dispatcher
	TitleGuard *title.Guard
	Dispatcher *worker.Dispatcher
	// Providers holds the platform credentials keyed by provider name.
	Providers     map[string]config.ProviderConfig
	Search        provider.SearchConfig
	MaxCandidates int
	StreamTimeout time.Duration
}

type Orchestrator struct {
	store         gateway.Gateway
	registry      *session.Registry
	ledger        *quota.Ledger
	resolver      *preference.Resolver
	titles        *title.Generator
	titleJobs     title.Dispatcher
	titleGuard    *title.Guard
	dispatcher    *worker.Dispatcher
	providers     map[string]config.ProviderConfig
	search        provider.SearchConfig
	maxCandidates int
	streamTimeout time.Duration
	now           func() time.Time
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	providers := make(map[string]config.ProviderConfig, len(opts.Providers))
	for name, p := range opts.Providers {
		if canonical := provider.Canonical(name); canonical != "" {
			providers[canonical] = p
		}
	}
	return &Orchestrator{
		store:         opts.Store,
		registry:      opts.Registry,
		ledger:        opts.Ledger,
		resolver:      opts.Resolver,
		titles:        opts.Titles,
		titleJobs:     opts.TitleJobs,
		titleGuard:    opts.TitleGuard,
		dispatcher:    opts.Dispatcher,
		providers:     providers,
		search:        opts.Search,
		maxCandidates: opts.MaxCandidates,
		streamTimeout: opts.StreamTimeout,
		now:           time.Now,
	}
}

// resolved is a validated candidate with the credentials it will run on.
type resolved struct {
	Candidate
	cfg  provider.Config
	byok bool
}

// SubmitTurn runs one turn. The returned result is non nil once validation
// passed, even when the turn failed, so callers can report what was produced.
func (o *Orchestrator) SubmitTurn(ctx context.Context, req TurnRequest, sink Sink) (*TurnResult, error) {
	if sink == nil {
		sink = NopSink{}
	}
	res := &TurnResult{TurnID: ulid.Make().String()}
	res.enter(StateValidating)

	cands, err := o.validate(&req)
	if err != nil {
		return o.fail(res, err)
	}

	user, err := o.store.EnsureUser(ctx, req.UserID)
	if err != nil {
		return o.fail(res, fmt.Errorf("ensure user: %w", err))
	}
	sess, created, err := o.registry.GetOrCreate(ctx, req.SessionID, req.UserID)
	if err != nil {
		return o.fail(res, err)
	}
	res.Session, res.SessionCreated = sess, created

	history, err := o.store.ListMessages(ctx, sess.ID)
	if err != nil {
		return o.fail(res, fmt.Errorf("load history: %w", err))
	}
	priorCount := len(history)
	if req.ParentMessageID != "" && !containsMessage(history, req.ParentMessageID) {
		return o.fail(res, apperr.New(apperr.Validation, "chat.validate", "parent message is not part of this session"))
	}
	if groupID := strings.TrimSpace(req.ResponseGroupID); groupID != "" {
		if err := o.checkClientGroup(ctx, groupID, sess.ID, req.UserID, history); err != nil {
			return o.fail(res, err)
		}
	}

	res.enter(StateQuotaChecking)
	runs, err := o.resolveCredentials(ctx, req.UserID, cands)
	if err != nil {
		return o.fail(res, err)
	}
	usage := quota.Usage{BYOK: make([]bool, len(runs))}
	for i, r := range runs {
		usage.BYOK[i] = r.byok
	}
	decision, err := o.ledger.CheckAndReserve(ctx, req.UserID, usage)
	if err != nil {
		return o.fail(res, err)
	}
	res.Quota = decision
	if !decision.Allowed {
		return o.fail(res, decision.Err())
	}

	userMsg, err := o.persistUserMessage(ctx, req)
	if err != nil {
		return o.fail(res, err)
	}
	if userMsg.ID == req.UserMessageID && containsMessage(history, userMsg.ID) {
		// a retried turn re-sends a message that is already stored
		priorCount--
	}
	res.UserMessage = userMsg

	if len(runs) > 1 {
		groupID := strings.TrimSpace(req.ResponseGroupID)
		if groupID == "" {
			groupID = uuid.NewString()
		}
		if err := o.store.EnsureResponseGroup(ctx, &models.ResponseGroup{
			ID: groupID, SessionID: sess.ID, UserID: req.UserID,
		}); err != nil {
			return o.fail(res, fmt.Errorf("create response group: %w", err))
		}
		// another session may have claimed the same id since the check
		group, err := o.store.GetResponseGroup(ctx, groupID)
		if err != nil {
			return o.fail(res, fmt.Errorf("load response group: %w", err))
		}
		if group.SessionID != sess.ID || group.UserID != req.UserID {
			return o.fail(res, errGroupInUse)
		}
		res.ResponseGroupID = groupID
	}

	sink.OnAck(Ack{
		TurnID:          res.TurnID,
		Session:         sess,
		UserMessage:     userMsg,
		ResponseGroupID: res.ResponseGroupID,
		SessionCreated:  created,
		Quota:           decision,
	})

	res.enter(StateStreaming)
	prompt := buildPrompt(user.ChatContext, history, userMsg)
	res.Candidates = o.streamAll(ctx, req.UserID, runs, prompt, sink)

	// the client may be gone; what was produced is stored regardless
	persistCtx := context.WithoutCancel(ctx)
	res.enter(StatePersisting)
	o.persistCandidates(persistCtx, res, userMsg)

	if priorCount <= 0 && o.titleGuard.Acquire(persistCtx, sess.ID) {
		res.enter(StateTitlePending)
		res.TitlePending = o.scheduleTitle(persistCtx, req.UserID, sess.ID, userMsg.Content, res.Candidates)
	}

	if firstErr := allFailed(res.Candidates); firstErr != nil {
		res.enter(StateFailed)
		return res, firstErr
	}
	res.enter(StateIdle)
	return res, nil
}

func (o *Orchestrator) fail(res *TurnResult, err error) (*TurnResult, error) {
	res.enter(StateFailed)
	return res, err
}

func (o *Orchestrator) validate(req *TurnRequest) ([]Candidate, error) {
	const op = "chat.validate"
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.UserID == "" {
		return nil, apperr.New(apperr.Validation, op, "user id is required")
	}
	if req.SessionID == "" {
		return nil, apperr.New(apperr.Validation, op, "session_id is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, apperr.New(apperr.Validation, op, "content is required")
	}
	if len([]rune(req.Content)) > MaxContentLength {
		return nil, apperr.New(apperr.Validation, op, fmt.Sprintf("content must be at most %d characters", MaxContentLength))
	}
	n := len(req.Candidates)
	if n == 0 {
		return nil, apperr.New(apperr.Validation, op, "at least one candidate is required")
	}
	if n > o.maxCandidates {
		return nil, apperr.New(apperr.Validation, op, fmt.Sprintf("at most %d candidates are allowed", o.maxCandidates))
	}

	cands := make([]Candidate, n)
	seen := make(map[string]struct{}, n)
	for i, c := range req.Candidates {
		c.Provider = strings.TrimSpace(c.Provider)
		if !provider.Supported(c.Provider) {
			return nil, apperr.New(apperr.Validation, op, fmt.Sprintf("unsupported provider %q", c.Provider))
		}
		c.Provider = provider.Canonical(c.Provider)
		c.Model = strings.TrimSpace(c.Model)
		c.ResponseType = strings.TrimSpace(c.ResponseType)
		if c.ResponseType == "" {
			c.ResponseType = string(rune('A' + i))
		}
		if _, dup := seen[c.ResponseType]; dup {
			return nil, apperr.New(apperr.Validation, op, fmt.Sprintf("duplicate response type %q", c.ResponseType))
		}
		seen[c.ResponseType] = struct{}{}
		cands[i] = c
	}
	return cands, nil
}

// resolveCredentials prefers the user's own key and falls back to the platform key.
func (o *Orchestrator) resolveCredentials(ctx context.Context, userID string, cands []Candidate) ([]resolved, error) {
	runs := make([]resolved, 0, len(cands))
	for _, c := range cands {
		platform, hasPlatform := o.providers[c.Provider]
		key, err := o.store.ProviderKey(ctx, userID, c.Provider)
		if err != nil {
			return nil, fmt.Errorf("load %s key: %w", c.Provider, err)
		}
		r := resolved{Candidate: c, byok: key != ""}
		if !r.byok {
			if !hasPlatform || platform.APIKey == "" {
				return nil, apperr.New(apperr.Validation, "chat.credentials", fmt.Sprintf("provider %s is not configured", c.Provider))
			}
			key = platform.APIKey
		}
		if r.Model == "" {
			r.Model = platform.Model
		}
		if r.Model == "" {
			return nil, apperr.New(apperr.Validation, "chat.credentials", fmt.Sprintf("model is required for %s", c.Provider))
		}
		r.cfg = provider.Config{
			Name:      c.Provider,
			Model:     r.Model,
			BaseURL:   platform.BaseURL,
			APIKey:    key,
			MaxTokens: platform.MaxTokens,
			WebSearch: c.WebSearch,
			Search:    o.search,
		}
		runs = append(runs, r)
	}
	return runs, nil
}

func (o *Orchestrator) persistUserMessage(ctx context.Context, req TurnRequest) (*models.Message, error) {
	id := strings.TrimSpace(req.UserMessageID)
	if id == "" {
		id = uuid.NewString()
	}
	msg := &models.Message{
		ID:              id,
		SessionID:       req.SessionID,
		UserID:          req.UserID,
		Role:            models.RoleUser,
		Content:         req.Content,
		ParentMessageID: req.ParentMessageID,
		Status:          models.StatusComplete,
		CreatedAt:       o.now().UTC(),
	}
	inserted, err := o.store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("store user message: %w", err)
	}
	if inserted {
		return msg, nil
	}
	existing, err := o.store.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load user message: %w", err)
	}
	if existing.SessionID != req.SessionID || existing.UserID != req.UserID || existing.Role != models.RoleUser {
		return nil, apperr.New(apperr.Validation, "chat.store", "user_message_id is already in use")
	}
	return existing, nil
}

// streamAll runs every candidate as its own job. One failing candidate never
// stops the others.
func (o *Orchestrator) streamAll(ctx context.Context, userID string, runs []resolved, prompt []*schema.Message, sink Sink) []CandidateResult {
	results := make([]CandidateResult, len(runs))
	var wg sync.WaitGroup
	for i, r := range runs {
		i, r := i, r
		wg.Add(1)
		run := func() {
			defer wg.Done()
			results[i] = o.streamOne(ctx, r, prompt, sink)
		}
		unscheduled := func(err error) {
			defer wg.Done()
			busy := apperr.Wrap(apperr.Provider, "chat.stream", err).Retry()
			sink.OnCandidateError(r.ResponseType, busy)
			results[i] = candidateResult(r, nil, busy)
		}
		if o.dispatcher == nil {
			go run()
			continue
		}
		err := o.dispatcher.Submit(worker.Job{
			UserID: userID,
			Label:  "stream-" + r.ResponseType,
			Run:    run,
			OnDrop: func() { unscheduled(worker.ErrDispatcherStopped) },
		})
		if err != nil {
			unscheduled(err)
		}
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) streamOne(ctx context.Context, r resolved, prompt []*schema.Message, sink Sink) CandidateResult {
	out, err := stream.Run(ctx, stream.Request{
		Messages: prompt,
		Provider: r.cfg,
		Timeout:  o.streamTimeout,
	}, stream.Callbacks{
		OnChunk: func(delta string) error {
			return sink.OnChunk(r.ResponseType, delta)
		},
		OnMetadata: func(meta stream.Metadata) {
			sink.OnMetadata(r.ResponseType, meta)
		},
	})
	if err != nil {
		log.Printf("chat candidate %s (%s/%s) failed: %v", r.ResponseType, r.Provider, r.Model, err)
		sink.OnCandidateError(r.ResponseType, err)
	}
	return candidateResult(r, out, err)
}

func candidateResult(r resolved, out *stream.Result, err error) CandidateResult {
	cr := CandidateResult{
		ResponseType: r.ResponseType,
		Provider:     r.Provider,
		Model:        r.Model,
		BYOK:         r.byok,
		Status:       models.StatusFailed,
		err:          err,
	}
	if out != nil {
		cr.Content = out.Content
		cr.Status = out.Status
		cr.Metadata = out.Metadata
		cr.Cancelled = out.Cancelled
	}
	if err != nil {
		cr.Error = apperr.Message(err)
		cr.Retryable = apperr.IsRetryable(err)
		if cr.Content == "" {
			cr.Status = models.StatusFailed
		}
	}
	return cr
}

// persistCandidates stores every candidate that produced content and meters
// each stored message.
func (o *Orchestrator) persistCandidates(ctx context.Context, res *TurnResult, userMsg *models.Message) {
	base := o.now().UTC()
	for i := range res.Candidates {
		c := &res.Candidates[i]
		if c.Content == "" {
			continue
		}
		msg := &models.Message{
			ID:               uuid.NewString(),
			SessionID:        userMsg.SessionID,
			UserID:           userMsg.UserID,
			Role:             models.RoleAssistant,
			Content:          c.Content,
			Model:            c.Model,
			Provider:         c.Provider,
			PromptTokens:     c.Metadata.PromptTokens,
			CompletionTokens: c.Metadata.CompletionTokens,
			ResponseGroupID:  res.ResponseGroupID,
			ResponseType:     c.ResponseType,
			ParentMessageID:  userMsg.ID,
			Status:           c.Status,
			// keeps candidates in request order on read
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if _, err := o.store.InsertMessage(ctx, msg); err != nil {
			log.Printf("chat persist candidate %s of turn %s failed: %v", c.ResponseType, res.TurnID, err)
			res.SaveFailed = true
			continue
		}
		c.MessageID = msg.ID
		res.Messages = append(res.Messages, msg)
		if err := o.ledger.Commit(ctx, userMsg.UserID, quota.Usage{BYOK: []bool{c.BYOK}}); err != nil {
			// the message is kept; the counter may undercount by one
			log.Printf("quota commit for user %s failed: %v", userMsg.UserID, err)
		}
	}
	o.registry.Invalidate(ctx, userMsg.UserID, userMsg.SessionID)
}

func (o *Orchestrator) scheduleTitle(ctx context.Context, userID, sessionID, userText string, cands []CandidateResult) bool {
	if o.titleJobs == nil {
		return false
	}
	var reply string
	for _, c := range cands {
		if c.Content != "" {
			reply = c.Content
			break
		}
	}
	job := title.NewJob(sessionID, userID, title.Seed(userText, reply))
	title.Drain(job.ID, o.titleJobs.Dispatch(ctx, job))
	return true
}

// allFailed returns the first candidate error when no candidate produced
// anything and none was merely cancelled.
func allFailed(cands []CandidateResult) error {
	var first error
	for _, c := range cands {
		if c.Content != "" || c.Cancelled {
			return nil
		}
		if c.err == nil {
			return nil
		}
		if first == nil {
			first = c.err
		}
	}
	return first
}

var errGroupInUse = apperr.New(apperr.Validation, "chat.validate", "response_group_id is already in use")

// checkClientGroup accepts a client chosen group id only when it is unused or
// is an empty group of this session. A group holds the answers of one turn.
func (o *Orchestrator) checkClientGroup(ctx context.Context, groupID, sessionID, userID string, history []*models.Message) error {
	group, err := o.store.GetResponseGroup(ctx, groupID)
	switch {
	case apperr.Is(err, apperr.NotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load response group: %w", err)
	case group.SessionID != sessionID || group.UserID != userID:
		return errGroupInUse
	}
	for _, m := range history {
		if m != nil && m.ResponseGroupID == groupID {
			return errGroupInUse
		}
	}
	return nil
}

func containsMessage(history []*models.Message, id string) bool {
	for _, m := range history {
		if m != nil && m.ID == id {
			return true
		}
	}
	return false
}
