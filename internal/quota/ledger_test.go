package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pagetalk/pagetalk/internal/store"
)

// fakeStore keeps usage entries in memory.
type fakeStore struct {
	limit   int64
	limits  map[string]int64
	entries []store.UsageEntry
}

func (f *fakeStore) PrincipalLimit(ctx context.Context, principalID string) (int64, error) {
	if f.limits != nil {
		limit, ok := f.limits[principalID]
		if !ok {
			return 0, store.ErrPrincipalNotFound
		}
		return limit, nil
	}
	return f.limit, nil
}

func (f *fakeStore) UsageSince(ctx context.Context, principalID string, since time.Time) (int64, error) {
	var total int64
	for _, e := range f.entries {
		if e.PrincipalID == principalID && !e.Timestamp.Before(since) {
			total += e.Tokens
		}
	}
	return total, nil
}

func (f *fakeStore) AppendUsage(ctx context.Context, entry store.UsageEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func fixedTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parsing time: %v", err)
	}
	return ts
}

func TestLedger_Check_FreshMonth(t *testing.T) {
	ledger := NewLedger(&fakeStore{limit: 100})

	state, err := ledger.Check(context.Background(), "alice")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !state.CanUseTokens {
		t.Error("expected tokens to be available")
	}
	if state.CurrentUsage != 0 || state.RemainingTokens != 100 || state.Limit != 100 {
		t.Errorf("unexpected state: %+v", state)
	}
	if state.IsNearLimit {
		t.Error("fresh month should not be near the limit")
	}
}

func TestLedger_Check_Idempotent(t *testing.T) {
	fs := &fakeStore{limit: 100}
	ledger := NewLedger(fs)
	ledger.now = func() time.Time { return fixedTime(t, "2026-08-15T12:00:00Z") }
	fs.entries = []store.UsageEntry{
		{PrincipalID: "alice", Tokens: 40, Timestamp: fixedTime(t, "2026-08-10T09:00:00Z")},
	}

	first, err := ledger.Check(context.Background(), "alice")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	second, err := ledger.Check(context.Background(), "alice")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if first != second {
		t.Errorf("two checks without a record diverged: %+v vs %+v", first, second)
	}
	if first.CurrentUsage != 40 || first.RemainingTokens != 60 {
		t.Errorf("unexpected state: %+v", first)
	}
}

func TestLedger_Check_MonthBoundary(t *testing.T) {
	fs := &fakeStore{limit: 100}
	ledger := NewLedger(fs)
	ledger.now = func() time.Time { return fixedTime(t, "2026-08-02T00:00:00Z") }
	fs.entries = []store.UsageEntry{
		// Last month's usage must not count against this month.
		{PrincipalID: "alice", Tokens: 90, Timestamp: fixedTime(t, "2026-07-31T23:59:59Z")},
		{PrincipalID: "alice", Tokens: 10, Timestamp: fixedTime(t, "2026-08-01T00:00:01Z")},
		// Someone else's usage never counts.
		{PrincipalID: "bob", Tokens: 50, Timestamp: fixedTime(t, "2026-08-01T12:00:00Z")},
	}

	state, err := ledger.Check(context.Background(), "alice")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if state.CurrentUsage != 10 {
		t.Errorf("expected usage 10 for the current month, got %d", state.CurrentUsage)
	}
	if state.RemainingTokens != 90 {
		t.Errorf("expected 90 remaining, got %d", state.RemainingTokens)
	}
}

func TestLedger_Check_NearLimit(t *testing.T) {
	fs := &fakeStore{limit: 100}
	ledger := NewLedger(fs)
	ledger.now = func() time.Time { return fixedTime(t, "2026-08-15T12:00:00Z") }

	fs.entries = []store.UsageEntry{
		{PrincipalID: "alice", Tokens: 79, Timestamp: fixedTime(t, "2026-08-10T09:00:00Z")},
	}
	state, err := ledger.Check(context.Background(), "alice")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if state.IsNearLimit {
		t.Error("79% should not be near the limit")
	}

	fs.entries = append(fs.entries, store.UsageEntry{
		PrincipalID: "alice", Tokens: 1, Timestamp: fixedTime(t, "2026-08-11T09:00:00Z"),
	})
	state, err = ledger.Check(context.Background(), "alice")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !state.IsNearLimit {
		t.Error("80% should be near the limit")
	}
	if !state.CanUseTokens {
		t.Error("near the limit is not over the limit")
	}
}

func TestLedger_Check_Exhausted(t *testing.T) {
	fs := &fakeStore{limit: 100}
	ledger := NewLedger(fs)
	ledger.now = func() time.Time { return fixedTime(t, "2026-08-15T12:00:00Z") }
	fs.entries = []store.UsageEntry{
		{PrincipalID: "alice", Tokens: 100, Timestamp: fixedTime(t, "2026-08-10T09:00:00Z")},
	}

	state, err := ledger.Check(context.Background(), "alice")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if state.CanUseTokens {
		t.Error("usage at the limit must block further tokens")
	}
	if state.RemainingTokens != 0 {
		t.Errorf("expected 0 remaining, got %d", state.RemainingTokens)
	}
	if state.UsagePercentage != 100 {
		t.Errorf("expected 100%%, got %f", state.UsagePercentage)
	}
}

func TestLedger_Check_UnknownPrincipal(t *testing.T) {
	ledger := NewLedger(&fakeStore{limits: map[string]int64{}})

	_, err := ledger.Check(context.Background(), "ghost")
	if !errors.Is(err, store.ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound, got %v", err)
	}
}

func TestLedger_Record(t *testing.T) {
	fs := &fakeStore{limit: 100}
	ledger := NewLedger(fs)
	now := fixedTime(t, "2026-08-15T12:00:00Z")
	ledger.now = func() time.Time { return now }

	err := ledger.Record(context.Background(), "alice", 42, Outcome{
		Model:        "test-model",
		Success:      true,
		ResponseTime: 1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	if len(fs.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(fs.entries))
	}
	entry := fs.entries[0]
	if entry.PrincipalID != "alice" || entry.Tokens != 42 || entry.Model != "test-model" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.ResponseTimeMs != 1500 {
		t.Errorf("expected 1500ms, got %d", entry.ResponseTimeMs)
	}
	if !entry.Timestamp.Equal(now) {
		t.Errorf("expected timestamp %v, got %v", now, entry.Timestamp)
	}

	state, err := ledger.Check(context.Background(), "alice")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if state.CurrentUsage != 42 {
		t.Errorf("recorded debit not reflected in check: %+v", state)
	}
}
