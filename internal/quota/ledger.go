// Package quota derives a principal's token quota state from an append-only
// usage log. State is never cached: every check recomputes usage from the
// debits recorded since the start of the current calendar month.
package quota

import (
	"context"
	"time"

	"github.com/pagetalk/pagetalk/internal/store"
)

// nearLimitThreshold is the usage fraction past which clients show a
// warning.
const nearLimitThreshold = 0.8

// State is the derived quota snapshot for one principal.
type State struct {
	CanUseTokens    bool    `json:"canUseTokens"`
	CurrentUsage    int64   `json:"currentUsage"`
	Limit           int64   `json:"limit"`
	RemainingTokens int64   `json:"remainingTokens"`
	IsNearLimit     bool    `json:"isNearLimit"`
	UsagePercentage float64 `json:"usagePercentage"`
}

// Outcome describes the request a debit belongs to.
type Outcome struct {
	Model        string
	Success      bool
	ResponseTime time.Duration
	Error        string
}

// Store is the persistence the ledger needs: a configured limit, a sum over
// debits, and an append.
type Store interface {
	PrincipalLimit(ctx context.Context, principalID string) (int64, error)
	UsageSince(ctx context.Context, principalID string, since time.Time) (int64, error)
	AppendUsage(ctx context.Context, entry store.UsageEntry) error
}

type Ledger struct {
	store Store
	// now is swappable for tests; defaults to time.Now.
	now func() time.Time
}

func NewLedger(s Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

// Check computes the current quota state. It has no side effects and is
// safe to call repeatedly; two checks with no intervening Record return the
// same state. Unknown principals yield store.ErrPrincipalNotFound.
func (l *Ledger) Check(ctx context.Context, principalID string) (State, error) {
	limit, err := l.store.PrincipalLimit(ctx, principalID)
	if err != nil {
		return State{}, err
	}

	usage, err := l.store.UsageSince(ctx, principalID, startOfMonth(l.now()))
	if err != nil {
		return State{}, err
	}

	remaining := limit - usage
	if remaining < 0 {
		remaining = 0
	}
	// A zero limit means no budget at all; avoid a NaN percentage.
	percentage := 100.0
	if limit > 0 {
		percentage = float64(usage) / float64(limit) * 100
	}

	return State{
		CanUseTokens:    usage < limit,
		CurrentUsage:    usage,
		Limit:           limit,
		RemainingTokens: remaining,
		IsNearLimit:     percentage >= nearLimitThreshold*100,
		UsagePercentage: percentage,
	}, nil
}

// Record appends one debit to the usage log.
func (l *Ledger) Record(ctx context.Context, principalID string, tokens int64, outcome Outcome) error {
	return l.store.AppendUsage(ctx, store.UsageEntry{
		PrincipalID:    principalID,
		Model:          outcome.Model,
		Tokens:         tokens,
		ResponseTimeMs: outcome.ResponseTime.Milliseconds(),
		Success:        outcome.Success,
		Error:          outcome.Error,
		Timestamp:      l.now().UTC(),
	})
}

func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
