package storage

import (
	"database/sql"
	"errors"
	"time"
)

// RoutingEvent is one persisted model routing telemetry record.
type RoutingEvent struct {
	ID         int64     `json:"id"`
	ProviderID string    `json:"provider_id"`
	ModelID    string    `json:"model_id"`
	Type       string    `json:"type"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// AppendRoutingEvent persists a telemetry record and prunes the table down to
// the newest maxEvents rows.
func (db *DB) AppendRoutingEvent(providerID, modelID, eventType, detail string, maxEvents int) error {
	return db.WithTx(func(tx *Tx) error {
		if _, err := tx.Exec(
			"INSERT INTO model_routing_events (provider_id, model_id, type, detail, created_at) VALUES (?, ?, ?, ?, ?)",
			providerID, modelID, eventType, detail, time.Now(),
		); err != nil {
			return err
		}

		if maxEvents > 0 {
			if _, err := tx.Exec(
				"DELETE FROM model_routing_events WHERE id NOT IN (SELECT id FROM model_routing_events ORDER BY id DESC LIMIT ?)",
				maxEvents,
			); err != nil {
				return err
			}
		}

		return nil
	})
}

// ListRoutingEvents returns persisted telemetry, newest first.
func (db *DB) ListRoutingEvents(limit int) ([]*RoutingEvent, error) {
	query := "SELECT id, provider_id, model_id, type, detail, created_at FROM model_routing_events ORDER BY id DESC"
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

	var events []*RoutingEvent
	for rows.Next() {
		var e RoutingEvent
		if err := rows.Scan(&e.ID, &e.ProviderID, &e.ModelID, &e.Type, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}

	return events, rows.Err()
}

// SetRoutingSetting upserts a persisted router setting.
func (db *DB) SetRoutingSetting(key, value string) error {
	_, err := db.Exec(
		"INSERT INTO model_routing_settings (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		key, value, time.Now(),
	)
	return err
}

// GetRoutingSetting returns a persisted router setting.
func (db *DB) GetRoutingSetting(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM model_routing_settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
