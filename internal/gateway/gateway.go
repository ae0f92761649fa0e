// Package gateway declares the persistence contract shared by the sql and
// supabase backends. It is the single source of truth for cross-request state.
package gateway

import (
	"context"
	"time"

	"github.com/matthewbub/wussup.chat-sub003/internal/models"
)

// Gateway is implemented by storage.Store and supabase.Store.
//
// Reads of a missing record return an apperr.NotFound error. Every single
// record write is atomic; multi record operations run in one transaction or
// one server side function.
type Gateway interface {
	EnsureUser(ctx context.Context, userID string) (*models.User, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
	SetChatContext(ctx context.Context, userID, chatContext string) error
	SetSubscription(ctx context.Context, userID string, sub models.Subscription) error
	// ExpireSubscriptions downgrades active subscriptions whose period ended before now.
	ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error)
	// IncrementUsage adds by to the daily and monthly counters in one atomic
	// statement, restarting a counter whose period key is not the one containing now.
	IncrementUsage(ctx context.Context, userID string, now time.Time, by int) error

	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	// CreateSessionIfAbsent inserts s unless a session with the same id exists.
	CreateSessionIfAbsent(ctx context.Context, s *models.Session) (bool, error)
	CountSessions(ctx context.Context, userID string) (int, error)
	ListSessions(ctx context.Context, userID string) ([]models.Session, error)
	// UpsertSessionName inserts the session or updates its name when the owner matches.
	UpsertSessionName(ctx context.Context, sessionID, userID, name string) error
	SetSessionName(ctx context.Context, sessionID, userID, name string) error
	SetPinned(ctx context.Context, sessionID, userID string, pinned bool) error
	// DeleteSessions removes sessions with their messages and groups.
	DeleteSessions(ctx context.Context, userID string, sessionIDs []string) (int64, error)

	// InsertMessage appends msg. Inserting an existing id is a no-op and reports false.
	InsertMessage(ctx context.Context, msg *models.Message) (bool, error)
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)

	EnsureResponseGroup(ctx context.Context, g *models.ResponseGroup) error
	GetResponseGroup(ctx context.Context, groupID string) (*models.ResponseGroup, error)
	// SwapPreferred points the group at messageID if its version still equals
	// expectedVersion. It reports false when another writer won.
	SwapPreferred(ctx context.Context, groupID, sessionID, userID, messageID string, expectedVersion int64) (bool, error)

	SetProviderKey(ctx context.Context, userID, provider, key string) error
	// ProviderKey returns "" when the user stored no key for provider.
	ProviderKey(ctx context.Context, userID, provider string) (string, error)
	DeleteProviderKey(ctx context.Context, userID, provider string) error

	Close() error
}
