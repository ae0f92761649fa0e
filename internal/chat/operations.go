package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
	"github.com/matthewbub/wussup.chat-sub003/internal/provider"
	"github.com/matthewbub/wussup.chat-sub003/internal/quota"
)

const MaxChatContextLength = 4000

// StartSession creates the session on first use or continues it.
func (o *Orchestrator) StartSession(ctx context.Context, userID, sessionID string) (*models.Session, bool, error) {
	if _, err := o.store.EnsureUser(ctx, userID); err != nil {
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}
	return o.registry.GetOrCreate(ctx, sessionID, userID)
}

func (o *Orchestrator) SessionDetail(ctx context.Context, userID, sessionID string) (*models.Session, []*models.Message, error) {
	return o.registry.Get(ctx, sessionID, userID)
}

func (o *Orchestrator) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	return o.registry.List(ctx, userID)
}

func (o *Orchestrator) RenameSession(ctx context.Context, userID, sessionID, name string) (*models.Session, error) {
	return o.registry.Rename(ctx, sessionID, userID, name)
}

func (o *Orchestrator) TogglePin(ctx context.Context, userID, sessionID string) (bool, error) {
	return o.registry.TogglePin(ctx, sessionID, userID)
}

func (o *Orchestrator) DeleteSessions(ctx context.Context, userID string, sessionIDs ...string) (int64, error) {
	return o.registry.Delete(ctx, userID, sessionIDs...)
}

// PreferenceOutcome is returned for every selection. Conflict is set when a
// concurrent selection won; the group state is then the current one.
type PreferenceOutcome struct {
	GroupID            string `json:"response_group_id"`
	PreferredMessageID string `json:"preferred_message_id"`
	PreviousMessageID  string `json:"previous_message_id,omitempty"`
	Version            int64  `json:"version"`
	Conflict           bool   `json:"conflict"`
}

func (o *Orchestrator) SelectPreferred(ctx context.Context, userID, sessionID, groupID, messageID string) (*PreferenceOutcome, error) {
	res, err := o.resolver.SelectPreferred(ctx, sessionID, groupID, messageID, userID)
	if err == nil {
		return &PreferenceOutcome{
			GroupID:            res.GroupID,
			PreferredMessageID: res.PreferredMessageID,
			PreviousMessageID:  res.PreviousMessageID,
			Version:            res.Version,
		}, nil
	}
	if !apperr.Is(err, apperr.PreferenceConflict) {
		return nil, err
	}
	log.Printf("chat preference conflict for user %s group %s: %v", userID, groupID, err)
	group, gerr := o.store.GetResponseGroup(ctx, groupID)
	if gerr != nil {
		return nil, fmt.Errorf("load response group: %w", gerr)
	}
	return &PreferenceOutcome{
		GroupID:            group.ID,
		PreferredMessageID: group.PreferredMessageID,
		Version:            group.Version,
		Conflict:           true,
	}, nil
}

// RegenerateTitle is the forced, synchronous title path.
func (o *Orchestrator) RegenerateTitle(ctx context.Context, userID, sessionID string) (string, error) {
	if o.titles == nil {
		return "", apperr.New(apperr.Provider, "chat.title", "title generation is not configured")
	}
	return o.titles.Regenerate(ctx, sessionID, userID)
}

func (o *Orchestrator) QuotaStatus(ctx context.Context, userID string) (quota.Decision, error) {
	if _, err := o.store.EnsureUser(ctx, userID); err != nil {
		return quota.Decision{}, fmt.Errorf("ensure user: %w", err)
	}
	return o.ledger.Status(ctx, userID)
}

// InitState is everything the client needs on load.
type InitState struct {
	User     *models.User     `json:"user"`
	Sessions []models.Session `json:"sessions"`
	Quota    quota.Decision   `json:"quota"`
}

func (o *Orchestrator) Init(ctx context.Context, userID string) (*InitState, error) {
	user, err := o.store.EnsureUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	sessions, err := o.registry.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	status, err := o.ledger.Status(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	return &InitState{User: user, Sessions: sessions, Quota: status}, nil
}

// SetChatContext stores the system prompt prepended to every turn.
func (o *Orchestrator) SetChatContext(ctx context.Context, userID, chatContext string) error {
	chatContext = strings.TrimSpace(chatContext)
	if utf8.RuneCountInString(chatContext) > MaxChatContextLength {
		return apperr.New(apperr.Validation, "chat.context", fmt.Sprintf("chat context must be at most %d characters", MaxChatContextLength))
	}
	if _, err := o.store.EnsureUser(ctx, userID); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return o.store.SetChatContext(ctx, userID, chatContext)
}

func (o *Orchestrator) SetProviderKey(ctx context.Context, userID, providerName, key string) error {
	name := provider.Canonical(providerName)
	if name == "" {
		return apperr.New(apperr.Validation, "chat.keys", fmt.Sprintf("unsupported provider %q", providerName))
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return apperr.New(apperr.Validation, "chat.keys", "api key is required")
	}
	if _, err := o.store.EnsureUser(ctx, userID); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return o.store.SetProviderKey(ctx, userID, name, key)
}

func (o *Orchestrator) DeleteProviderKey(ctx context.Context, userID, providerName string) error {
	name := provider.Canonical(providerName)
	if name == "" {
		return apperr.New(apperr.Validation, "chat.keys", fmt.Sprintf("unsupported provider %q", providerName))
	}
	return o.store.DeleteProviderKey(ctx, userID, name)
}
