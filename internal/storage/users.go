package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
)

const userColumns = `id, tier, daily_count, day_key, monthly_count, month_key,
	chat_context, subscription_status, subscription_period_end, created_at`

// EnsureUser creates the user row on first sight and returns it.
func (s *Store) EnsureUser(ctx context.Context, userID string) (*models.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.New(apperr.Validation, "ensure user", "user id is required")
	}
	_, err := s.db.ExecContext(ctx,
		s.insertIgnore("users", "id, tier, chat_context, created_at", "?, ?, '', ?"),
		userID, string(models.TierFree), s.now(),
	)
	if err != nil {
		return nil, dbErr("ensure user", err)
	}
	return s.GetUser(ctx, userID)
}

func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var (
		u         models.User
		tier      string
		periodEnd sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, userID,
	).Scan(
		&u.ID, &tier, &u.DailyCount, &u.DayKey, &u.MonthlyCount, &u.MonthKey,
		&u.ChatContext, &u.SubscriptionStatus, &periodEnd, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("get user", "user")
		}
		return nil, dbErr("get user", err)
	}
	u.Tier = models.Tier(tier)
	if periodEnd.Valid {
		end := periodEnd.Time.UTC()
		u.SubscriptionPeriodEnd = &end
	}
	return &u, nil
}

func (s *Store) SetChatContext(ctx context.Context, userID, chatContext string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET chat_context = ? WHERE id = ?`, chatContext, userID)
	if err != nil {
		return dbErr("set chat context", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return notFound("set chat context", "user")
	}
	return nil
}

// SetSubscription stores what billing reports. An empty tier is derived from Active.
func (s *Store) SetSubscription(ctx context.Context, userID string, sub models.Subscription) error {
	tier := sub.Tier
	if tier == "" {
		tier = models.TierFree
		if sub.Active {
			tier = models.TierPro
		}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET tier = ?, subscription_status = ?, subscription_period_end = ? WHERE id = ?`,
		string(tier), sub.Status, nullTime(sub.PeriodEnd), userID,
	)
	if err != nil {
		return dbErr("set subscription", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return notFound("set subscription", "user")
	}
	return nil
}

func (s *Store) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET subscription_status = 'expired', tier = ?
		 WHERE subscription_status = 'active'
		   AND subscription_period_end IS NOT NULL
		   AND subscription_period_end < ?`,
		string(models.TierFree), now.UTC(),
	)
	if err != nil {
		return 0, dbErr("expire subscriptions", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, dbErr("expire subscriptions", err)
	}
	return rows, nil
}

// IncrementUsage rolls stale period keys over and adds by in a single
// statement, so concurrent commits never lose an increment. daily_count is
// assigned before day_key because MySQL evaluates SET left to right.
func (s *Store) IncrementUsage(ctx context.Context, userID string, now time.Time, by int) error {
	if by <= 0 {
		return fmt.Errorf("increment must be positive, got %d", by)
	}
	day, month := models.DayKey(now), models.MonthKey(now)
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET
			daily_count = CASE WHEN day_key = ? THEN daily_count + ? ELSE ? END,
			day_key = ?,
			monthly_count = CASE WHEN month_key = ? THEN monthly_count + ? ELSE ? END,
			month_key = ?
		 WHERE id = ?`,
		day, by, by, day,
		month, by, by, month,
		userID,
	)
	if err != nil {
		return dbErr("increment usage", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return notFound("increment usage", "user")
	}
	return nil
}
