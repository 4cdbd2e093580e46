package storage

import (
	"database/sql"
	"errors"
	"time"
)

// SetKV stores a key/value pair. A zero ttl means the value never expires.
func (db *DB) SetKV(key, value string, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err := db.Exec(
		"INSERT INTO kv_store (key, value, expires_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at",
		key, value, expiresAt,
	)
	return err
}

// GetKV returns the value for key. Expired rows are deleted on read.
func (db *DB) GetKV(key string) (string, error) {
	var value string
	var expiresAt sql.NullTime

	err := db.QueryRow("SELECT value, expires_at FROM kv_store WHERE key = ?", key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		_, _ = db.Exec("DELETE FROM kv_store WHERE key = ?", key)
		return "", ErrNotFound
	}

	return value, nil
}

// DeleteKV removes a key.
func (db *DB) DeleteKV(key string) error {
	_, err := db.Exec("DELETE FROM kv_store WHERE key = ?", key)
	return err
}

// SweepExpiredKV deletes all expired rows and returns how many were removed.
func (db *DB) SweepExpiredKV() (int64, error) {
	result, err := db.Exec("DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= ?", time.Now())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
