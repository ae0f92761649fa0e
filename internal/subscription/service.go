// Package subscription reads and writes the billing columns kept on users and
// downgrades lapsed plans on a schedule.
package subscription

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
)

const DefaultSweepInterval = 10 * time.Minute

const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

type Store interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	SetSubscription(ctx context.Context, userID string, sub models.Subscription) error
	ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error)
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Status derives the subscription from the stored billing columns.
func (s *Service) Status(ctx context.Context, userID string) (models.Subscription, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return models.Subscription{}, fmt.Errorf("load subscription: %w", err)
	}
	sub := models.Subscription{
		Status:    user.SubscriptionStatus,
		Tier:      user.Tier,
		PeriodEnd: user.SubscriptionPeriodEnd,
	}
	sub.Active = strings.EqualFold(user.SubscriptionStatus, StatusActive) &&
		(sub.PeriodEnd == nil || sub.PeriodEnd.After(s.now()))
	return sub, nil
}

// Sync stores what the billing provider reports for a user.
func (s *Service) Sync(ctx context.Context, userID string, sub models.Subscription) error {
	if strings.TrimSpace(userID) == "" {
		return apperr.New(apperr.Validation, "subscription.sync", "user id is required")
	}
	if sub.Status == "" {
		sub.Status = StatusExpired
		if sub.Active {
			sub.Status = StatusActive
		}
	}
	if err := s.store.SetSubscription(ctx, userID, sub); err != nil {
		return fmt.Errorf("sync subscription: %w", err)
	}
	return nil
}

// StartSweeper downgrades lapsed subscriptions every interval until ctx is done.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go s.sweepLoop(ctx, interval)
}

func (s *Service) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Printf("subscription sweep error: %v", err)
			}
		}
	}
}

// Sweep runs one pass and reports how many users were downgraded.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireSubscriptions(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	if n > 0 {
		log.Printf("subscription sweep downgraded %d users", n)
	}
	return n, nil
}
