// Package preference records which candidate of a response group the user
// keeps. The group holds a single pointer, so a group has at most one
// preferred message at every instant.
package preference

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
)

const DefaultMaxAttempts = 3

type Store interface {
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	GetResponseGroup(ctx context.Context, groupID string) (*models.ResponseGroup, error)
	EnsureResponseGroup(ctx context.Context, g *models.ResponseGroup) error
	SwapPreferred(ctx context.Context, groupID, sessionID, userID, messageID string, expectedVersion int64) (bool, error)
}

type Result struct {
	GroupID            string `json:"response_group_id"`
	PreferredMessageID string `json:"preferred_message_id"`
	PreviousMessageID  string `json:"previous_message_id,omitempty"`
	Version            int64  `json:"version"`
	Attempts           int    `json:"attempts"`
}

type Resolver struct {
	store       Store
	maxAttempts int
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, maxAttempts: DefaultMaxAttempts}
}

// SelectPreferred points the group at messageID. Losing every compare and swap
// round yields a PreferenceConflict, which callers treat as benign.
func (r *Resolver) SelectPreferred(ctx context.Context, sessionID, groupID, messageID, userID string) (*Result, error) {
	const op = "preference.select"
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(groupID) == "" || strings.TrimSpace(messageID) == "" {
		return nil, apperr.New(apperr.Validation, op, "session_id, response_group_id and message_id are required")
	}

	msg, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if msg.SessionID != sessionID || msg.UserID != userID {
		return nil, apperr.New(apperr.NotFound, op, "message not found")
	}
	if msg.ResponseGroupID != groupID {
		return nil, apperr.New(apperr.Validation, op, "message does not belong to the response group")
	}

	var previous string
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		group, err := r.loadGroup(ctx, msg)
		if err != nil {
			return nil, err
		}
		if attempt == 1 {
			previous = group.PreferredMessageID
		}
		if group.PreferredMessageID == messageID {
			return &Result{
				GroupID:            groupID,
				PreferredMessageID: messageID,
				PreviousMessageID:  previous,
				Version:            group.Version,
				Attempts:           attempt,
			}, nil
		}
		swapped, err := r.store.SwapPreferred(ctx, groupID, sessionID, userID, messageID, group.Version)
		if err != nil {
			return nil, fmt.Errorf("swap preferred: %w", err)
		}
		if swapped {
			return &Result{
				GroupID:            groupID,
				PreferredMessageID: messageID,
				PreviousMessageID:  previous,
				Version:            group.Version + 1,
				Attempts:           attempt,
			}, nil
		}
	}
	log.Printf("preference conflict on group %s after %d attempts", groupID, r.maxAttempts)
	return nil, apperr.New(apperr.PreferenceConflict, op, "another selection for this response won")
}

// loadGroup reads the group, creating it for turns persisted before the
// group row existed.
func (r *Resolver) loadGroup(ctx context.Context, msg *models.Message) (*models.ResponseGroup, error) {
	group, err := r.store.GetResponseGroup(ctx, msg.ResponseGroupID)
	if err == nil {
		if group.SessionID != msg.SessionID || group.UserID != msg.UserID {
			return nil, apperr.New(apperr.NotFound, "preference.select", "response group not found")
		}
		return group, nil
	}
	if !apperr.Is(err, apperr.NotFound) {
		return nil, fmt.Errorf("load response group: %w", err)
	}
	if err := r.store.EnsureResponseGroup(ctx, &models.ResponseGroup{
		ID:        msg.ResponseGroupID,
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
	}); err != nil {
		return nil, fmt.Errorf("create response group: %w", err)
	}
	group, err = r.store.GetResponseGroup(ctx, msg.ResponseGroupID)
	if err != nil {
		return nil, fmt.Errorf("load response group: %w", err)
	}
	return group, nil
}
