// Package session resolves chat sessions by client generated id and keeps
// their metadata cached across instances.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
	"github.com/matthewbub/wussup.chat-sub003/internal/redis"
)

const MaxNameLength = 120

// Store is the subset of the gateway the registry uses.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	CreateSessionIfAbsent(ctx context.Context, s *models.Session) (bool, error)
	CountSessions(ctx context.Context, userID string) (int, error)
	ListSessions(ctx context.Context, userID string) ([]models.Session, error)
	SetSessionName(ctx context.Context, sessionID, userID, name string) error
	SetPinned(ctx context.Context, sessionID, userID string, pinned bool) error
	DeleteSessions(ctx context.Context, userID string, sessionIDs []string) (int64, error)
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
}

type Registry struct {
	store Store
	cache *cache
	now   func() time.Time
}

// NewRegistry builds a registry. client may be nil.
func NewRegistry(store Store, client *redis.Client) *Registry {
	return &Registry{store: store, cache: newCache(client, uuid.NewString()), now: time.Now}
}

// Listen subscribes to invalidations from other instances until ctx is done.
func (r *Registry) Listen(ctx context.Context) error {
	return r.cache.listen(ctx)
}

// GetOrCreate returns the session named by the client id, creating it on the
// first turn. A session owned by someone else reads as not found.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID, userID string) (*models.Session, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, false, apperr.New(apperr.Validation, "session.get_or_create", "session id is required")
	}
	if userID == "" {
		return nil, false, apperr.New(apperr.Validation, "session.get_or_create", "user id is required")
	}

	s, err := r.lookup(ctx, sessionID, userID)
	if err == nil {
		return s, false, nil
	}
	if !apperr.Is(err, apperr.NotFound) || r.exists(ctx, sessionID) {
		return nil, false, err
	}

	count, err := r.store.CountSessions(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("count sessions: %w", err)
	}
	now := r.now().UTC()
	created, err := r.store.CreateSessionIfAbsent(ctx, &models.Session{
		ID:        sessionID,
		UserID:    userID,
		Name:      fmt.Sprintf("Untitled Chat %d", count+1),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	// read back: a concurrent creator may have won the id
	s, err = r.lookup(ctx, sessionID, userID)
	if err != nil {
		return nil, false, err
	}
	return s, created, nil
}

// exists reports whether the id is taken by any user, bypassing the cache.
func (r *Registry) exists(ctx context.Context, sessionID string) bool {
	_, err := r.store.GetSession(ctx, sessionID)
	return err == nil
}

func (r *Registry) lookup(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	if s, ok := r.cache.get(ctx, sessionID); ok {
		if s.UserID != userID {
			return nil, apperr.New(apperr.NotFound, "session.get", "session not found")
		}
		return s, nil
	}
	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	r.cache.put(ctx, s)
	if s.UserID != userID {
		return nil, apperr.New(apperr.NotFound, "session.get", "session not found")
	}
	return s, nil
}

// Get returns the session and its messages in creation order.
func (r *Registry) Get(ctx context.Context, sessionID, userID string) (*models.Session, []*models.Message, error) {
	s, err := r.lookup(ctx, sessionID, userID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := r.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("list messages: %w", err)
	}
	return s, msgs, nil
}

// Owned checks ownership without loading messages.
func (r *Registry) Owned(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	return r.lookup(ctx, sessionID, userID)
}

// List returns pinned sessions first, then the rest by most recent activity.
func (r *Registry) List(ctx context.Context, userID string) ([]models.Session, error) {
	sessions, err := r.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (r *Registry) Rename(ctx context.Context, sessionID, userID, name string) (*models.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.New(apperr.Validation, "session.rename", "name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return nil, apperr.New(apperr.Validation, "session.rename", fmt.Sprintf("name must be at most %d characters", MaxNameLength))
	}
	if _, err := r.lookup(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	if err := r.store.SetSessionName(ctx, sessionID, userID, name); err != nil {
		return nil, fmt.Errorf("rename session: %w", err)
	}
	r.cache.drop(ctx, userID, sessionID)
	return r.lookup(ctx, sessionID, userID)
}

// TogglePin flips the pinned flag and returns the new value.
func (r *Registry) TogglePin(ctx context.Context, sessionID, userID string) (bool, error) {
	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if s.UserID != userID {
		return false, apperr.New(apperr.NotFound, "session.pin", "session not found")
	}
	pinned := !s.Pinned
	if err := r.store.SetPinned(ctx, sessionID, userID, pinned); err != nil {
		return false, fmt.Errorf("pin session: %w", err)
	}
	r.cache.drop(ctx, userID, sessionID)
	return pinned, nil
}

// Delete removes the named sessions of userID and reports how many went.
func (r *Registry) Delete(ctx context.Context, userID string, sessionIDs ...string) (int64, error) {
	ids := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, apperr.New(apperr.Validation, "session.delete", "at least one session id is required")
	}
	n, err := r.store.DeleteSessions(ctx, userID, ids)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	r.cache.drop(ctx, userID, ids...)
	if n == 0 {
		return 0, apperr.New(apperr.NotFound, "session.delete", "session not found")
	}
	return n, nil
}

// Invalidate drops cached metadata after a write made outside the registry.
func (r *Registry) Invalidate(ctx context.Context, userID, sessionID string) {
	r.cache.drop(ctx, userID, sessionID)
}
