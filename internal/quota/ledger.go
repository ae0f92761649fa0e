// Package quota enforces per user message ceilings. Checks take no lock: two
// concurrent turns may both pass a check at the edge of the ceiling, and
// every commit is still counted exactly once by the gateway's atomic increment.
package quota

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/config"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
)

// Store is the subset of the gateway the ledger needs.
type Store interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	IncrementUsage(ctx context.Context, userID string, now time.Time, by int) error
}

// SubscriptionSource reports what billing knows about a user.
type SubscriptionSource interface {
	Status(ctx context.Context, userID string) (models.Subscription, error)
}

type Limits struct {
	FreeDaily   int
	FreeMonthly int
	ProMonthly  int
}

func LimitsFromConfig(cfg config.QuotaConfig) Limits {
	return Limits{FreeDaily: cfg.FreeDaily, FreeMonthly: cfg.FreeMonthly, ProMonthly: cfg.ProMonthly}
}

// Usage describes the candidates of one turn. BYOK has one entry per
// candidate, true when it runs on a key the user supplied.
type Usage struct {
	BYOK []bool
}

// Metered is the single metering rule: a turn counts against the ceiling
// unless every candidate runs on the user's own key.
func Metered(u Usage) bool {
	if len(u.BYOK) == 0 {
		return true
	}
	for _, own := range u.BYOK {
		if !own {
			return true
		}
	}
	return false
}

type Decision struct {
	Allowed bool        `json:"allowed"`
	Tier    models.Tier `json:"tier"`
	// Remaining is the smallest applicable remaining count.
	Remaining int `json:"remaining"`
	// RemainingDaily is nil for tiers without a daily ceiling.
	RemainingDaily   *int `json:"remaining_daily,omitempty"`
	RemainingMonthly int  `json:"remaining_monthly"`
	DailyLimit       *int `json:"daily_limit,omitempty"`
	MonthlyLimit     int  `json:"monthly_limit"`
	DailyExceeded    bool `json:"daily_exceeded"`
	MonthlyExceeded  bool `json:"monthly_exceeded"`
	Metered          bool `json:"metered"`
}

// Err converts a denial into a QuotaExceeded error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch {
	case d.DailyExceeded:
		return apperr.New(apperr.QuotaExceeded, "quota.check", "daily message limit reached")
	default:
		return apperr.New(apperr.QuotaExceeded, "quota.check", "monthly message limit reached")
	}
}

type Ledger struct {
	store  Store
	subs   SubscriptionSource
	limits Limits
	now    func() time.Time
}

func NewLedger(store Store, subs SubscriptionSource, limits Limits) *Ledger {
	return &Ledger{store: store, subs: subs, limits: limits, now: time.Now}
}

// CheckAndReserve decides whether a turn may start. Nothing is written; the
// reservation is the caller's promise to Commit after persisting.
func (l *Ledger) CheckAndReserve(ctx context.Context, userID string, usage Usage) (Decision, error) {
	d, err := l.evaluate(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	d.Metered = Metered(usage)
	if !d.Metered {
		d.Allowed = true
	}
	return d, nil
}

// Status is the read only view behind the quota endpoint.
func (l *Ledger) Status(ctx context.Context, userID string) (Decision, error) {
	d, err := l.evaluate(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	d.Metered = true
	return d, nil
}

// Commit counts one persisted model message. Unmetered usage is not counted.
func (l *Ledger) Commit(ctx context.Context, userID string, usage Usage) error {
	if !Metered(usage) {
		return nil
	}
	if err := l.store.IncrementUsage(ctx, userID, l.now(), 1); err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	return nil
}

func (l *Ledger) evaluate(ctx context.Context, userID string) (Decision, error) {
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("load user for quota: %w", err)
	}
	now := l.now()
	tier := l.tier(ctx, user, now)

	daily, monthly := 0, 0
	if user.DayKey == models.DayKey(now) {
		daily = user.DailyCount
	}
	if user.MonthKey == models.MonthKey(now) {
		monthly = user.MonthlyCount
	}

	d := Decision{Tier: tier}
	if tier == models.TierPro {
		d.MonthlyLimit = l.limits.ProMonthly
		d.RemainingMonthly = remaining(l.limits.ProMonthly, monthly)
		d.MonthlyExceeded = monthly >= l.limits.ProMonthly
		d.Remaining = d.RemainingMonthly
	} else {
		dailyLimit := l.limits.FreeDaily
		remDaily := remaining(dailyLimit, daily)
		d.DailyLimit = &dailyLimit
		d.RemainingDaily = &remDaily
		d.DailyExceeded = daily >= dailyLimit
		d.MonthlyLimit = l.limits.FreeMonthly
		d.RemainingMonthly = remaining(l.limits.FreeMonthly, monthly)
		d.MonthlyExceeded = monthly >= l.limits.FreeMonthly
		d.Remaining = min(remDaily, d.RemainingMonthly)
	}
	d.Allowed = !d.DailyExceeded && !d.MonthlyExceeded
	return d, nil
}

// tier prefers live billing state and falls back to the stored tier.
func (l *Ledger) tier(ctx context.Context, user *models.User, now time.Time) models.Tier {
	if l.subs != nil {
		sub, err := l.subs.Status(ctx, user.ID)
		if err != nil {
			log.Printf("quota subscription lookup for user %s failed: %v", user.ID, err)
		} else if sub.Active && (sub.PeriodEnd == nil || sub.PeriodEnd.After(now)) {
			return models.TierPro
		} else if sub.Status != "" {
			return models.TierFree
		}
	}
	if user.Tier == models.TierPro {
		return models.TierPro
	}
	return models.TierFree
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}
