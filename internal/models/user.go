package models

import "time"

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// User mirrors the identity provider subject plus usage counters.
type User struct {
	ID                    string     `json:"id"`
	Tier                  Tier       `json:"tier"`
	DailyCount            int        `json:"daily_count"`
	DayKey                string     `json:"day_key"`
	MonthlyCount          int        `json:"monthly_count"`
	MonthKey              string     `json:"month_key"`
	ChatContext           string     `json:"chat_context,omitempty"`
	SubscriptionStatus    string     `json:"subscription_status,omitempty"`
	SubscriptionPeriodEnd *time.Time `json:"subscription_period_end,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// Subscription is what the billing collaborator knows about a user.
type Subscription struct {
	Active    bool       `json:"active"`
	Tier      Tier       `json:"tier"`
	Status    string     `json:"status"`
	PeriodEnd *time.Time `json:"period_end,omitempty"`
}

// DayKey and MonthKey name the UTC quota periods containing t.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
