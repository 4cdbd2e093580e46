package storage

import (
	"database/sql"
	"errors"
	"time"
)

// UsageEntry is one append-only record of model usage or routing outcome.
type UsageEntry struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	ProviderID     string    `json:"provider_id"`
	ModelID        string    `json:"model_id"`
	Profile        string    `json:"profile"`
	Stage          string    `json:"stage"`
	RequestTokens  int       `json:"request_tokens"`
	ResponseTokens int       `json:"response_tokens"`
	LatencyMS      int64     `json:"latency_ms"`
	StatusCode     int       `json:"status_code,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// BudgetEvent is one append-only governor event (warnings, cooldowns, profile
// changes).
type BudgetEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// BudgetState is one mutable governor state row, keyed by name. Cooldown rows
// carry an expiry; override rows carry a value.
type BudgetState struct {
	Key           string     `json:"key"`
	Value         string     `json:"value"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// AppendUsage persists a usage entry. The log is append-only.
func (db *DB) AppendUsage(e *UsageEntry) error {
	var statusCode *int
	if e.StatusCode != 0 {
		statusCode = &e.StatusCode
	}
	var errMsg *string
	if e.Error != "" {
		errMsg = &e.Error
	}

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := db.Exec(
		"INSERT INTO runtime_usage_events (session_id, provider_id, model_id, profile, stage, request_tokens, response_tokens, latency_ms, status_code, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		e.SessionID, e.ProviderID, e.ModelID, e.Profile, e.Stage, e.RequestTokens, e.ResponseTokens, e.LatencyMS, statusCode, errMsg, createdAt,
	)
	return err
}

// UsageTotals aggregates request counts and token totals.
type UsageTotals struct {
	Requests int `json:"requests"`
	Tokens   int `json:"tokens"`
}

// UsageSince returns totals for completed request attempts since the given
// time, optionally filtered by session or provider. Skipped entries do not
// count against budgets.
func (db *DB) UsageSince(since time.Time, sessionID, providerID string) (*UsageTotals, error) {
	query := "SELECT COUNT(*), COALESCE(SUM(request_tokens + response_tokens), 0) FROM runtime_usage_events WHERE created_at >= ? AND stage != 'skipped'"
	args := []any{since}

	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	if providerID != "" {
		query += " AND provider_id = ?"
		args = append(args, providerID)
	}

	var t UsageTotals
	err := db.QueryRow(query, args...).Scan(&t.Requests, &t.Tokens)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UsageByProviderSince returns per-provider request counts since the given
// time, excluding skipped entries.
func (db *DB) UsageByProviderSince(since time.Time) (map[string]int, error) {
	rows, err := db.Query(
		"SELECT provider_id, COUNT(*) FROM runtime_usage_events WHERE created_at >= ? AND stage != 'skipped' AND provider_id != '' GROUP BY provider_id",
		since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var provider string
		var count int
		if err := rows.Scan(&provider, &count); err != nil {
			return nil, err
		}
		counts[provider] = count
	}

	return counts, rows.Err()
}

// AppendBudgetEvent persists a governor event.
func (db *DB) AppendBudgetEvent(sessionID, eventType, detail string) error {
	_, err := db.Exec(
		"INSERT INTO runtime_budget_events (session_id, type, detail, created_at) VALUES (?, ?, ?, ?)",
		sessionID, eventType, detail, time.Now(),
	)
	return err
}

// ListBudgetEvents returns governor events, newest first.
func (db *DB) ListBudgetEvents(limit int) ([]*BudgetEvent, error) {
	query := "SELECT id, session_id, type, detail, created_at FROM runtime_budget_events ORDER BY id DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*BudgetEvent
	for rows.Next() {
		var e BudgetEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}

	return events, rows.Err()
}

// SetBudgetState upserts a governor state row.
func (db *DB) SetBudgetState(key, value string, cooldownUntil *time.Time) error {
	_, err := db.Exec(
		"INSERT INTO runtime_budget_state (key, value, cooldown_until, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, cooldown_until = excluded.cooldown_until, updated_at = excluded.updated_at",
		key, value, cooldownUntil, time.Now(),
	)
	return err
}

// GetBudgetState returns a governor state row.
func (db *DB) GetBudgetState(key string) (*BudgetState, error) {
	var s BudgetState
	var cooldownUntil sql.NullTime

	err := db.QueryRow(
		"SELECT key, value, cooldown_until, updated_at FROM runtime_budget_state WHERE key = ?",
		key,
	).Scan(&s.Key, &s.Value, &cooldownUntil, &s.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if cooldownUntil.Valid {
		s.CooldownUntil = &cooldownUntil.Time
	}

	return &s, nil
}

// DeleteBudgetState removes a governor state row.
func (db *DB) DeleteBudgetState(key string) error {
	_, err := db.Exec("DELETE FROM runtime_budget_state WHERE key = ?", key)
	return err
}

// ListBudgetStateByPrefix returns state rows whose key starts with prefix.
func (db *DB) ListBudgetStateByPrefix(prefix string) ([]*BudgetState, error) {
	rows, err := db.Query(
		"SELECT key, value, cooldown_until, updated_at FROM runtime_budget_state WHERE key LIKE ? ORDER BY key ASC",
		prefix+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*BudgetState
	for rows.Next() {
		var s BudgetState
		var cooldownUntil sql.NullTime
		if err := rows.Scan(&s.Key, &s.Value, &cooldownUntil, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if cooldownUntil.Valid {
			s.CooldownUntil = &cooldownUntil.Time
		}
		states = append(states, &s)
	}

	return states, rows.Err()
}
