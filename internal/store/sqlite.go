package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS principals (
        id TEXT PRIMARY KEY,
        password_hash TEXT NOT NULL,
        monthly_tokens INTEGER NOT NULL,
        about_me TEXT NOT NULL DEFAULT '',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS usage_logs (
        id TEXT PRIMARY KEY, -- UUID
        principal_id TEXT NOT NULL,
        model TEXT NOT NULL,
        tokens INTEGER NOT NULL,
        response_time_ms INTEGER NOT NULL,
        success BOOLEAN NOT NULL,
        error TEXT,
        timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (principal_id) REFERENCES principals (id)
    );

    CREATE INDEX IF NOT EXISTS idx_usage_logs_principal_time
        ON usage_logs (principal_id, timestamp);
    `
	_, err := s.db.Exec(schema)
	return err
}

// Principal methods

func (s *SQLiteStore) CreatePrincipal(ctx context.Context, id, passwordHash string, monthlyTokens int64) (*Principal, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO principals (id, password_hash, monthly_tokens, about_me, created_at) VALUES (?, ?, ?, '', ?)",
		id, passwordHash, monthlyTokens, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert principal: %w", err)
	}
	return &Principal{ID: id, PasswordHash: passwordHash, MonthlyTokens: monthlyTokens, CreatedAt: now}, nil
}

func (s *SQLiteStore) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	var p Principal
	err := s.db.QueryRowContext(ctx,
		"SELECT id, password_hash, monthly_tokens, about_me, created_at FROM principals WHERE id = ?", id).
		Scan(&p.ID, &p.PasswordHash, &p.MonthlyTokens, &p.AboutMe, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrPrincipalNotFound
		}
		return nil, fmt.Errorf("failed to query principal: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) UpdateAboutMe(ctx context.Context, id, aboutMe string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE principals SET about_me = ? WHERE id = ?", aboutMe, id)
	if err != nil {
		return fmt.Errorf("failed to update about_me: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateMonthlyTokens(ctx context.Context, id string, monthlyTokens int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE principals SET monthly_tokens = ? WHERE id = ?", monthlyTokens, id)
	if err != nil {
		return fmt.Errorf("failed to update monthly_tokens: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

// PersonaNotes returns the principal's free-text "things to know about me"
// section for prompt assembly.
func (s *SQLiteStore) PersonaNotes(ctx context.Context, id string) (string, error) {
	var notes string
	err := s.db.QueryRowContext(ctx, "SELECT about_me FROM principals WHERE id = ?", id).Scan(&notes)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrPrincipalNotFound
		}
		return "", fmt.Errorf("failed to query persona notes: %w", err)
	}
	return notes, nil
}

// PrincipalLimit returns the configured monthly token limit.
func (s *SQLiteStore) PrincipalLimit(ctx context.Context, id string) (int64, error) {
	var limit int64
	err := s.db.QueryRowContext(ctx, "SELECT monthly_tokens FROM principals WHERE id = ?", id).Scan(&limit)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrPrincipalNotFound
		}
		return 0, fmt.Errorf("failed to query principal limit: %w", err)
	}
	return limit, nil
}

// Usage log methods

// AppendUsage records one debit. The log is append-only; nothing updates or
// deletes entries.
func (s *SQLiteStore) AppendUsage(ctx context.Context, entry UsageEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO usage_logs (id, principal_id, model, tokens, response_time_ms, success, error, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		entry.ID, entry.PrincipalID, entry.Model, entry.Tokens, entry.ResponseTimeMs, entry.Success, entry.Error, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert usage log: %w", err)
	}
	return nil
}

// UsageSince sums the tokens debited for a principal since the given time.
func (s *SQLiteStore) UsageSince(ctx context.Context, principalID string, since time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(tokens), 0) FROM usage_logs WHERE principal_id = ? AND timestamp >= ?",
		principalID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total, nil
}

// UsageStats aggregates the log entries since the given time: totals,
// average latency, success rate and a per-day token series.
func (s *SQLiteStore) UsageStats(ctx context.Context, principalID string, since time.Time) (*UsageStats, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tokens, response_time_ms, success, timestamp FROM usage_logs WHERE principal_id = ? AND timestamp >= ? ORDER BY timestamp ASC",
		principalID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	stats := &UsageStats{}
	byDate := make(map[string]int64)
	var totalResponseMs int64
	var successes int64

	for rows.Next() {
		var tokens, responseMs int64
		var success bool
		var ts time.Time
		if err := rows.Scan(&tokens, &responseMs, &success, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan usage log row: %w", err)
		}
		stats.TotalTokens += tokens
		stats.TotalRequests++
		totalResponseMs += responseMs
		if success {
			successes++
		}
		byDate[ts.UTC().Format("2006-01-02")] += tokens
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage logs: %w", err)
	}

	if stats.TotalRequests > 0 {
		stats.AverageResponseTimeMs = float64(totalResponseMs) / float64(stats.TotalRequests)
		stats.SuccessRate = float64(successes) / float64(stats.TotalRequests) * 100
	}

	dates := make([]string, 0, len(byDate))
	for date := range byDate {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	for _, date := range dates {
		stats.UsageOverTime = append(stats.UsageOverTime, DailyUsage{Date: date, Tokens: byDate[date]})
	}

	return stats, nil
}
