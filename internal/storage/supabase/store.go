// Package supabase implements the persistence gateway on top of Supabase
// PostgREST tables and Postgres functions. schema.sql holds the matching DDL.
package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/gateway"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
)

const (
	tableUsers    = "users"
	tableSessions = "chat_sessions"
	tableMessages = "chat_messages"
	tableGroups   = "response_groups"
	tableKeys     = "provider_keys"
)

var _ gateway.Gateway = (*Store)(nil)

// Config holds Supabase connection configuration
type Config struct {
	URL    string
	APIKey string
}

// Store talks to Supabase with a service role key. Row level security is
// expected to be bypassed, so every query filters on user_id itself.
type Store struct {
	client *supabase.Client
	now    func() time.Time
}

func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &Store{client: client, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close is a no-op, the client holds no connections of its own.
func (s *Store) Close() error {
	return nil
}

type userRow struct {
	ID                    string     `json:"id"`
	Tier                  string     `json:"tier"`
	DailyCount            int        `json:"daily_count"`
	DayKey                string     `json:"day_key"`
	MonthlyCount          int        `json:"monthly_count"`
	MonthKey              string     `json:"month_key"`
	ChatContext           string     `json:"chat_context"`
	SubscriptionStatus    string     `json:"subscription_status"`
	SubscriptionPeriodEnd *time.Time `json:"subscription_period_end"`
	CreatedAt             time.Time  `json:"created_at"`
}

func (r userRow) model() *models.User {
	return &models.User{
		ID:                    r.ID,
		Tier:                  models.Tier(r.Tier),
		DailyCount:            r.DailyCount,
		DayKey:                r.DayKey,
		MonthlyCount:          r.MonthlyCount,
		MonthKey:              r.MonthKey,
		ChatContext:           r.ChatContext,
		SubscriptionStatus:    r.SubscriptionStatus,
		SubscriptionPeriodEnd: r.SubscriptionPeriodEnd,
		CreatedAt:             r.CreatedAt,
	}
}

type groupRow struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	UserID             string    `json:"user_id"`
	PreferredMessageID *string   `json:"preferred_message_id"`
	Version            int64     `json:"version"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (r groupRow) model() *models.ResponseGroup {
	g := &models.ResponseGroup{
		ID:        r.ID,
		SessionID: r.SessionID,
		UserID:    r.UserID,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
	if r.PreferredMessageID != nil {
		g.PreferredMessageID = *r.PreferredMessageID
	}
	return g
}

type keyRow struct {
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	SealedKey string    `json:"sealed_key"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) EnsureUser(ctx context.Context, userID string) (*models.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.New(apperr.Validation, "ensure user", "user id is required")
	}
	row := userRow{ID: userID, Tier: string(models.TierFree), CreatedAt: s.now()}
	if _, _, err := s.client.From(tableUsers).Insert(row, false, "", "minimal", "").Execute(); err != nil && !isDuplicate(err) {
		return nil, apperr.Wrap(apperr.Persistence, "ensure user", err)
	}
	return s.GetUser(ctx, userID)
}

func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var rows []userRow
	_, err := s.client.From(tableUsers).
		Select("*", "", false).
		Eq("id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "get user", err)
	}
	if len(rows) == 0 {
		return nil, apperr.New(apperr.NotFound, "get user", "user not found")
	}
	return rows[0].model(), nil
}

func (s *Store) SetChatContext(ctx context.Context, userID, chatContext string) error {
	return s.updateUser("set chat context", userID, map[string]any{"chat_context": chatContext})
}

func (s *Store) SetSubscription(ctx context.Context, userID string, sub models.Subscription) error {
	tier := sub.Tier
	if tier == "" {
		tier = models.TierFree
		if sub.Active {
			tier = models.TierPro
		}
	}
	return s.updateUser("set subscription", userID, map[string]any{
		"tier":                    string(tier),
		"subscription_status":     sub.Status,
		"subscription_period_end": sub.PeriodEnd,
	})
}

func (s *Store) updateUser(op, userID string, values map[string]any) error {
	var rows []userRow
	_, err := s.client.From(tableUsers).
		Update(values, "representation", "").
		Eq("id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return apperr.Wrap(apperr.Persistence, op, err)
	}
	if len(rows) == 0 {
		return apperr.New(apperr.NotFound, op, "user not found")
	}
	return nil
}

func (s *Store) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	if err := s.rpc("expire_subscriptions", map[string]any{"p_now": now.UTC()}, &n); err != nil {
		return 0, apperr.Wrap(apperr.Persistence, "expire subscriptions", err)
	}
	return n, nil
}

func (s *Store) IncrementUsage(ctx context.Context, userID string, now time.Time, by int) error {
	if by <= 0 {
		return fmt.Errorf("increment must be positive, got %d", by)
	}
	var found bool
	err := s.rpc("increment_message_count", map[string]any{
		"p_user_id":   userID,
		"p_day_key":   models.DayKey(now),
		"p_month_key": models.MonthKey(now),
		"p_by":        by,
	}, &found)
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "increment usage", err)
	}
	if !found {
		return apperr.New(apperr.NotFound, "increment usage", "user not found")
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var rows []models.Session
	_, err := s.client.From(tableSessions).
		Select("*", "", false).
		Eq("id", sessionID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "get session", err)
	}
	if len(rows) == 0 {
		return nil, apperr.New(apperr.NotFound, "get session", "session not found")
	}
	return &rows[0], nil
}

func (s *Store) CreateSessionIfAbsent(ctx context.Context, sess *models.Session) (bool, error) {
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	_, _, err := s.client.From(tableSessions).Insert(sess, false, "", "minimal", "").Execute()
	if err != nil {
		if isDuplicate(err) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.Persistence, "create session", err)
	}
	return true, nil
}

func (s *Store) CountSessions(ctx context.Context, userID string) (int, error) {
	var rows []struct {
		ID string `json:"id"`
	}
	count, err := s.client.From(tableSessions).
		Select("id", "exact", false).
		Eq("user_id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return 0, apperr.Wrap(apperr.Persistence, "count sessions", err)
	}
	if count == 0 {
		return len(rows), nil
	}
	return int(count), nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	var rows []models.Session
	_, err := s.client.From(tableSessions).
		Select("*", "", false).
		Eq("user_id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "list sessions", err)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Pinned != rows[j].Pinned {
			return rows[i].Pinned
		}
		if !rows[i].UpdatedAt.Equal(rows[j].UpdatedAt) {
			return rows[i].UpdatedAt.After(rows[j].UpdatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows, nil
}

// UpsertSessionName renames an owned session or creates it. A session that
// belongs to another user is left alone.
func (s *Store) UpsertSessionName(ctx context.Context, sessionID, userID, name string) error {
	update := func() (bool, error) {
		updated, err := s.updateSession(sessionID, userID, map[string]any{"name": name, "updated_at": s.now()})
		if err != nil {
			return false, apperr.Wrap(apperr.Persistence, "upsert session name", err)
		}
		return updated, nil
	}
	create := func() (bool, error) {
		return s.CreateSessionIfAbsent(ctx, &models.Session{ID: sessionID, UserID: userID, Name: name})
	}
	return updateOrCreate(update, create)
}

// updateOrCreate lets the last writer win. When the insert loses to a
// concurrent one the update runs again on top of the row that won.
func updateOrCreate(update, create func() (bool, error)) error {
	if updated, err := update(); err != nil || updated {
		return err
	}
	created, err := create()
	if err != nil || created {
		return err
	}
	_, err = update()
	return err
}

func (s *Store) SetSessionName(ctx context.Context, sessionID, userID, name string) error {
	updated, err := s.updateSession(sessionID, userID, map[string]any{"name": name, "updated_at": s.now()})
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "rename session", err)
	}
	if !updated {
		return apperr.New(apperr.NotFound, "rename session", "session not found")
	}
	return nil
}

func (s *Store) SetPinned(ctx context.Context, sessionID, userID string, pinned bool) error {
	updated, err := s.updateSession(sessionID, userID, map[string]any{"pinned": pinned})
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "pin session", err)
	}
	if !updated {
		return apperr.New(apperr.NotFound, "pin session", "session not found")
	}
	return nil
}

func (s *Store) updateSession(sessionID, userID string, values map[string]any) (bool, error) {
	var rows []models.Session
	_, err := s.client.From(tableSessions).
		Update(values, "representation", "").
		Eq("id", sessionID).
		Eq("user_id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// DeleteSessions runs in a Postgres function so the cascade is one transaction.
func (s *Store) DeleteSessions(ctx context.Context, userID string, sessionIDs []string) (int64, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	var n int64
	err := s.rpc("delete_chat_sessions", map[string]any{
		"p_user_id":     userID,
		"p_session_ids": sessionIDs,
	}, &n)
	if err != nil {
		return 0, apperr.Wrap(apperr.Persistence, "delete sessions", err)
	}
	return n, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.SessionID) == "" {
		return false, apperr.New(apperr.Validation, "insert message", "message and session id are required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.Status == "" {
		msg.Status = models.StatusComplete
	}
	row := messageRowFrom(msg)
	if _, _, err := s.client.From(tableMessages).Insert(row, false, "", "minimal", "").Execute(); err != nil {
		if isDuplicate(err) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.Persistence, "insert message", err)
	}
	if _, _, err := s.client.From(tableSessions).
		Update(map[string]any{"updated_at": msg.CreatedAt.UTC()}, "minimal", "").
		Eq("id", msg.SessionID).
		Execute(); err != nil {
		log.Printf("supabase: touch session %s failed: %v", msg.SessionID, err)
	}
	return true, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	var rows []messageRow
	_, err := s.client.From(tableMessages).
		Select("*", "", false).
		Eq("id", messageID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "get message", err)
	}
	if len(rows) == 0 {
		return nil, apperr.New(apperr.NotFound, "get message", "message not found")
	}
	msgs := []*models.Message{rows[0].model()}
	if err := s.markPreferred(msgs); err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "get message", err)
	}
	return msgs[0], nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	var rows []messageRow
	_, err := s.client.From(tableMessages).
		Select("*", "", false).
		Eq("session_id", sessionID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "list messages", err)
	}
	msgs := make([]*models.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.model())
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
	if err := s.markPreferred(msgs); err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "list messages", err)
	}
	return msgs, nil
}

func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var rows []struct {
		ID string `json:"id"`
	}
	count, err := s.client.From(tableMessages).
		Select("id", "exact", false).
		Eq("session_id", sessionID).
		ExecuteTo(&rows)
	if err != nil {
		return 0, apperr.Wrap(apperr.Persistence, "count messages", err)
	}
	if count == 0 {
		return len(rows), nil
	}
	return int(count), nil
}

// markPreferred derives is_preferred from the groups referenced by msgs.
func (s *Store) markPreferred(msgs []*models.Message) error {
	seen := make(map[string]struct{})
	var ids []string
	for _, m := range msgs {
		if m.ResponseGroupID == "" {
			continue
		}
		if _, ok := seen[m.ResponseGroupID]; ok {
			continue
		}
		seen[m.ResponseGroupID] = struct{}{}
		ids = append(ids, m.ResponseGroupID)
	}
	if len(ids) == 0 {
		return nil
	}
	var groups []groupRow
	if _, err := s.client.From(tableGroups).Select("*", "", false).In("id", ids).ExecuteTo(&groups); err != nil {
		return err
	}
	preferred := make(map[string]string, len(groups))
	for _, g := range groups {
		if g.PreferredMessageID != nil {
			preferred[g.ID] = *g.PreferredMessageID
		}
	}
	for _, m := range msgs {
		m.IsPreferred = m.ResponseGroupID != "" && preferred[m.ResponseGroupID] == m.ID
	}
	return nil
}

func (s *Store) EnsureResponseGroup(ctx context.Context, g *models.ResponseGroup) error {
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = s.now()
	}
	row := groupRow{ID: g.ID, SessionID: g.SessionID, UserID: g.UserID, Version: g.Version, UpdatedAt: g.UpdatedAt.UTC()}
	if g.PreferredMessageID != "" {
		row.PreferredMessageID = &g.PreferredMessageID
	}
	if _, _, err := s.client.From(tableGroups).Insert(row, false, "", "minimal", "").Execute(); err != nil && !isDuplicate(err) {
		return apperr.Wrap(apperr.Persistence, "ensure response group", err)
	}
	return nil
}

func (s *Store) GetResponseGroup(ctx context.Context, groupID string) (*models.ResponseGroup, error) {
	var rows []groupRow
	_, err := s.client.From(tableGroups).
		Select("*", "", false).
		Eq("id", groupID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "get response group", err)
	}
	if len(rows) == 0 {
		return nil, apperr.New(apperr.NotFound, "get response group", "response group not found")
	}
	return rows[0].model(), nil
}

func (s *Store) SwapPreferred(ctx context.Context, groupID, sessionID, userID, messageID string, expectedVersion int64) (bool, error) {
	var swapped bool
	err := s.rpc("swap_preferred_response", map[string]any{
		"p_group_id":         groupID,
		"p_session_id":       sessionID,
		"p_user_id":          userID,
		"p_message_id":       messageID,
		"p_expected_version": expectedVersion,
	}, &swapped)
	if err != nil {
		return false, apperr.Wrap(apperr.Persistence, "swap preferred", err)
	}
	return swapped, nil
}

// Provider keys are stored as given on this backend. Encryption at rest is
// left to the database.
func (s *Store) SetProviderKey(ctx context.Context, userID, provider, key string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	key = strings.TrimSpace(key)
	if provider == "" || key == "" {
		return apperr.New(apperr.Validation, "set provider key", "provider and key are required")
	}
	row := keyRow{UserID: userID, Provider: provider, SealedKey: key, CreatedAt: s.now()}
	if _, _, err := s.client.From(tableKeys).Upsert(row, "user_id,provider", "minimal", "").Execute(); err != nil {
		return apperr.Wrap(apperr.Persistence, "set provider key", err)
	}
	return nil
}

func (s *Store) ProviderKey(ctx context.Context, userID, provider string) (string, error) {
	var rows []keyRow
	_, err := s.client.From(tableKeys).
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("provider", strings.ToLower(strings.TrimSpace(provider))).
		ExecuteTo(&rows)
	if err != nil {
		return "", apperr.Wrap(apperr.Persistence, "lookup provider key", err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0].SealedKey, nil
}

func (s *Store) DeleteProviderKey(ctx context.Context, userID, provider string) error {
	var rows []keyRow
	_, err := s.client.From(tableKeys).
		Delete("representation", "").
		Eq("user_id", userID).
		Eq("provider", strings.ToLower(strings.TrimSpace(provider))).
		ExecuteTo(&rows)
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "delete provider key", err)
	}
	if len(rows) == 0 {
		return apperr.New(apperr.NotFound, "delete provider key", "provider key not found")
	}
	return nil
}

// rpc calls a Postgres function and decodes its JSON result into out.
func (s *Store) rpc(name string, params map[string]any, out any) error {
	body := s.client.Rpc(name, "", params)
	return decodeRPC(name, body, out)
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func decodeRPC(name, body string, out any) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return fmt.Errorf("rpc %s: empty response", name)
	}
	if strings.HasPrefix(body, "{") {
		var e rpcError
		if err := json.Unmarshal([]byte(body), &e); err == nil && e.Code != "" && e.Message != "" {
			return fmt.Errorf("rpc %s: %s (%s)", name, e.Message, e.Code)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("rpc %s: decode result: %w", name, err)
	}
	return nil
}

// isDuplicate reports a unique violation (SQLSTATE 23505) returned by PostgREST.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}
