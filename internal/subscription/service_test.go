package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/matthewbub/wussup.chat-sub003/internal/config"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
	"github.com/matthewbub/wussup.chat-sub003/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	store, err := storage.New(db, "sqlite3", "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSyncAndStatus(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store)
	ctx := context.Background()
	if _, err := store.EnsureUser(ctx, "u"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}

	end := time.Now().Add(24 * time.Hour)
	if err := svc.Sync(ctx, "u", models.Subscription{Active: true, PeriodEnd: &end}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	sub, err := svc.Status(ctx, "u")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !sub.Active || sub.Tier != models.TierPro || sub.Status != StatusActive {
		t.Fatalf("unexpected subscription %+v", sub)
	}

	svc.now = func() time.Time { return end.Add(time.Minute) }
	sub, _ = svc.Status(ctx, "u")
	if sub.Active {
		t.Fatalf("subscription past its period end must not be active")
	}
}

func TestSweepDowngradesLapsed(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store)
	ctx := context.Background()
	if _, err := store.EnsureUser(ctx, "u"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	end := time.Now().Add(-time.Minute)
	if err := svc.Sync(ctx, "u", models.Subscription{Active: true, PeriodEnd: &end}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	n, err := svc.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	u, _ := store.GetUser(ctx, "u")
	if u.Tier != models.TierFree || u.SubscriptionStatus != StatusExpired {
		t.Fatalf("user not downgraded: %+v", u)
	}
}

func TestSweeperStopsWithContext(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store)
	ctx := context.Background()
	if _, err := store.EnsureUser(ctx, "u"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	end := time.Now().Add(-time.Minute)
	if err := svc.Sync(ctx, "u", models.Subscription{Active: true, PeriodEnd: &end}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	svc.StartSweeper(sweepCtx, 10*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for {
		u, _ := store.GetUser(ctx, "u")
		if u.SubscriptionStatus == StatusExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweeper never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
}
