package store

import (
	"errors"
	"time"
)

// ErrPrincipalNotFound is returned when a quota or settings lookup names a
// principal that was never provisioned.
var ErrPrincipalNotFound = errors.New("principal not found")

// Principal is a quota-accounting identity. The limit and persona notes are
// set by the account layer; the core only reads them.
type Principal struct {
	ID            string    `json:"id"`
	PasswordHash  string    `json:"-"`
	MonthlyTokens int64     `json:"monthly_tokens"`
	AboutMe       string    `json:"about_me"`
	CreatedAt     time.Time `json:"created_at"`
}

// UsageEntry is one append-only debit in the usage log. Entries are never
// updated; current usage is always a sum over them.
type UsageEntry struct {
	ID             string    `json:"id"`
	PrincipalID    string    `json:"principal_id"`
	Model          string    `json:"model"`
	Tokens         int64     `json:"tokens"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// UsageStats is the 30-day aggregate served by the stats endpoint.
type UsageStats struct {
	TotalTokens           int64        `json:"total_tokens"`
	TotalRequests         int64        `json:"total_requests"`
	AverageResponseTimeMs float64      `json:"average_response_time_ms"`
	SuccessRate           float64      `json:"success_rate"`
	UsageOverTime         []DailyUsage `json:"usage_over_time"`
}

// DailyUsage is one point of the per-day token series.
type DailyUsage struct {
	Date   string `json:"date"`
	Tokens int64  `json:"tokens"`
}
