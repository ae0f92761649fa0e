package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
)

type fakeStore struct {
	mu    sync.Mutex
	users map[string]*models.User
	err   error
}

func (f *fakeStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "get user", "user not found")
	}
	copied := *u
	return &copied, nil
}

func (f *fakeStore) IncrementUsage(ctx context.Context, userID string, now time.Time, by int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	u := f.users[userID]
	day, month := models.DayKey(now), models.MonthKey(now)
	if u.DayKey == day {
		u.DailyCount += by
	} else {
		u.DailyCount, u.DayKey = by, day
	}
	if u.MonthKey == month {
		u.MonthlyCount += by
	} else {
		u.MonthlyCount, u.MonthKey = by, month
	}
	return nil
}

type fakeSubs struct {
	sub models.Subscription
	err error
}

func (f fakeSubs) Status(ctx context.Context, userID string) (models.Subscription, error) {
	return f.sub, f.err
}

var testLimits = Limits{FreeDaily: 20, FreeMonthly: 100, ProMonthly: 1500}

func newTestLedger(user *models.User, subs SubscriptionSource, now time.Time) (*Ledger, *fakeStore) {
	store := &fakeStore{users: map[string]*models.User{user.ID: user}}
	l := NewLedger(store, subs, testLimits)
	l.now = func() time.Time { return now }
	return l, store
}

func TestFreeTierDailyCeiling(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	user := &models.User{ID: "u", Tier: models.TierFree, DailyCount: 20, DayKey: models.DayKey(now), MonthlyCount: 40, MonthKey: models.MonthKey(now)}
	l, _ := newTestLedger(user, nil, now)

	d, err := l.CheckAndReserve(context.Background(), "u", Usage{BYOK: []bool{false}})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.DailyExceeded)
	assert.False(t, d.MonthlyExceeded)
	assert.Equal(t, 0, d.Remaining)
	require.NotNil(t, d.RemainingDaily)
	assert.Equal(t, 0, *d.RemainingDaily)
	assert.Equal(t, 60, d.RemainingMonthly)
	assert.True(t, apperr.Is(d.Err(), apperr.QuotaExceeded))
}

func TestStalePeriodReadsAsZero(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 5, 0, 0, time.UTC)
	user := &models.User{ID: "u", DailyCount: 20, DayKey: "2026-03-09", MonthlyCount: 100, MonthKey: "2026-02"}
	l, _ := newTestLedger(user, nil, now)

	d, err := l.Status(context.Background(), "u")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, models.TierFree, d.Tier)
	assert.Equal(t, 20, d.Remaining)
	assert.Equal(t, 100, d.RemainingMonthly)
}

func TestProTierHasNoDailyCeiling(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	end := now.Add(72 * time.Hour)
	user := &models.User{ID: "u", DailyCount: 500, DayKey: models.DayKey(now), MonthlyCount: 1499, MonthKey: models.MonthKey(now)}
	l, _ := newTestLedger(user, fakeSubs{sub: models.Subscription{Active: true, Status: "active", PeriodEnd: &end}}, now)

	d, err := l.CheckAndReserve(context.Background(), "u", Usage{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, models.TierPro, d.Tier)
	assert.Nil(t, d.RemainingDaily)
	assert.Equal(t, 1, d.Remaining)
}

func TestLapsedSubscriptionFallsBackToFree(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	end := now.Add(-time.Hour)
	user := &models.User{ID: "u", Tier: models.TierPro, DailyCount: 25, DayKey: models.DayKey(now), MonthKey: models.MonthKey(now), MonthlyCount: 25}
	l, _ := newTestLedger(user, fakeSubs{sub: models.Subscription{Active: true, Status: "active", PeriodEnd: &end}}, now)

	d, err := l.CheckAndReserve(context.Background(), "u", Usage{})
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, d.Tier)
	assert.False(t, d.Allowed)
}

func TestSubscriptionErrorUsesStoredTier(t *testing.T) {
	now := time.Now()
	user := &models.User{ID: "u", Tier: models.TierPro}
	l, _ := newTestLedger(user, fakeSubs{err: errors.New("billing down")}, now)

	d, err := l.Status(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, d.Tier)
}

func TestBYOKTurnIsUnmetered(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	user := &models.User{ID: "u", DailyCount: 20, DayKey: models.DayKey(now), MonthlyCount: 20, MonthKey: models.MonthKey(now)}
	l, store := newTestLedger(user, nil, now)
	ctx := context.Background()

	own := Usage{BYOK: []bool{true, true}}
	d, err := l.CheckAndReserve(ctx, "u", own)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Metered)
	require.NoError(t, l.Commit(ctx, "u", own))
	assert.Equal(t, 20, store.users["u"].DailyCount)

	mixed := Usage{BYOK: []bool{true, false}}
	assert.True(t, Metered(mixed))
	d, err = l.CheckAndReserve(ctx, "u", mixed)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestConcurrentCommitsCountEachTurn(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	user := &models.User{ID: "u"}
	l, store := newTestLedger(user, nil, now)

	const n = 30
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Commit(context.Background(), "u", Usage{}))
		}()
	}
	wg.Wait()
	assert.Equal(t, n, store.users["u"].DailyCount)
	assert.Equal(t, n, store.users["u"].MonthlyCount)
}

func TestCommitErrorIsReturned(t *testing.T) {
	l, store := newTestLedger(&models.User{ID: "u"}, nil, time.Now())
	store.err = errors.New("db down")
	assert.Error(t, l.Commit(context.Background(), "u", Usage{}))
}
