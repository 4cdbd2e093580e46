package storage

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// CallbackReceipt records the first outcome of a webhook callback, keyed by
// its idempotency key. Receipts are never evicted.
type CallbackReceipt struct {
	IdempotencyKey string    `json:"idempotency_key"`
	StatusCode     int       `json:"status_code"`
	Outcome        string    `json:"outcome"`
	CreatedAt      time.Time `json:"created_at"`
}

// RecordCallbackReceipt stores the outcome of a first-seen callback. A second
// insert with the same key returns ErrDuplicate.
func (db *DB) RecordCallbackReceipt(key string, statusCode int, outcome string) error {
	_, err := db.Exec(
		"INSERT INTO callback_receipts (idempotency_key, status_code, outcome, created_at) VALUES (?, ?, ?, ?)",
		key, statusCode, outcome, time.Now(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrDuplicate
	}
	return err
}

// GetCallbackReceipt returns the receipt for an idempotency key.
func (db *DB) GetCallbackReceipt(key string) (*CallbackReceipt, error) {
	var r CallbackReceipt
	err := db.QueryRow(
		"SELECT idempotency_key, status_code, outcome, created_at FROM callback_receipts WHERE idempotency_key = ?",
		key,
	).Scan(&r.IdempotencyKey, &r.StatusCode, &r.Outcome, &r.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &r, nil
}

// CountRejectedCallbacks returns the number of rejected callbacks since the
// given time.
func (db *DB) CountRejectedCallbacks(since time.Time) (int, error) {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM callback_receipts WHERE outcome = 'rejected' AND created_at >= ?",
		since,
	).Scan(&count)
	return count, err
}
