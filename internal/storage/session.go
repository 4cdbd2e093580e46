package storage

import (
	"database/sql"
	"errors"
	"time"
)

// Session is one conversation thread, keyed by platform and sender.
type Session struct {
	ID             string    `json:"id"`
	Platform       string    `json:"platform"`
	SenderID       string    `json:"sender_id"`
	DegradedStreak int       `json:"degraded_streak"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EnsureSession returns the session with the given id, creating it if absent.
func (db *DB) EnsureSession(id, platform, senderID string) (*Session, error) {
	s, err := db.GetSession(id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	_, err = db.Exec(
		"INSERT INTO sessions (id, platform, sender_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		id, platform, senderID, now, now,
	)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:        id,
		Platform:  platform,
		SenderID:  senderID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetSession returns a session by id.
func (db *DB) GetSession(id string) (*Session, error) {
	var s Session
	err := db.QueryRow(
		"SELECT id, platform, sender_id, degraded_streak, created_at, updated_at FROM sessions WHERE id = ?",
		id,
	).Scan(&s.ID, &s.Platform, &s.SenderID, &s.DegradedStreak, &s.CreatedAt, &s.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &s, nil
}

// ListSessions returns sessions ordered by most recent activity.
func (db *DB) ListSessions(limit int) ([]*Session, error) {
	query := "SELECT id, platform, sender_id, degraded_streak, created_at, updated_at FROM sessions ORDER BY updated_at DESC"
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

	var sessions []*Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Platform, &s.SenderID, &s.DegradedStreak, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &s)
	}

	return sessions, rows.Err()
}

// SetDegradedStreak records the number of consecutive compactions that ended
// with the session still over budget.
func (db *DB) SetDegradedStreak(id string, streak int) error {
	result, err := db.Exec(
		"UPDATE sessions SET degraded_streak = ?, updated_at = ? WHERE id = ?",
		streak, time.Now(), id,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// MaxDegradedStreak returns the highest degraded streak across all sessions.
func (db *DB) MaxDegradedStreak() (int, error) {
	var streak int
	err := db.QueryRow("SELECT COALESCE(MAX(degraded_streak), 0) FROM sessions").Scan(&streak)
	return streak, err
}

// DeleteSession removes a session and its messages.
func (db *DB) DeleteSession(id string) error {
	return db.WithTx(func(tx *Tx) error {
		if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", id); err != nil {
			return err
		}

		result, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id)
		if err != nil {
			return err
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}

		return nil
	})
}
