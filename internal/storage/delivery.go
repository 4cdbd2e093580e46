package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Delivery states.
const (
	DeliveryQueued      = "queued"
	DeliveryDispatching = "dispatching"
	DeliverySent        = "sent"
	DeliveryFailed      = "failed"
	DeliveryDeadLetter  = "dead_letter"
)

// Delivery is one outbound message in the delivery queue.
type Delivery struct {
	ID            string     `json:"id"`
	Platform      string     `json:"platform"`
	ChatID        string     `json:"chat_id"`
	Payload       string     `json:"payload"`
	State         string     `json:"state"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// DeliveryAttempt is one row in the append-only attempts ledger. Attempt
// numbers for a delivery are dense, starting at 1.
type DeliveryAttempt struct {
	ID          int64      `json:"id"`
	DeliveryID  string     `json:"delivery_id"`
	Attempt     int        `json:"attempt_number"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
}

// EnqueueDelivery appends an outbound message to the queue.
func (db *DB) EnqueueDelivery(platform, chatID, payload string) (*Delivery, error) {
	id := uuid.New().String()
	now := time.Now()

	_, err := db.Exec(
		"INSERT INTO delivery_queue (id, platform, chat_id, payload, state, attempts, created_at, updated_at) VALUES (?, ?, ?, ?, ?, 0, ?, ?)",
		id, platform, chatID, payload, DeliveryQueued, now, now,
	)
	if err != nil {
		return nil, err
	}

	return &Delivery{
		ID:        id,
		Platform:  platform,
		ChatID:    chatID,
		Payload:   payload,
		State:     DeliveryQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// DequeueDeliveries claims up to limit due rows for dispatch. The claim is a
// single transaction: each selected row is moved to dispatching, its attempt
// counter incremented and an attempt row opened, so no other cycle can pick it
// up again.
func (db *DB) DequeueDeliveries(limit int) ([]*Delivery, error) {
	var claimed []*Delivery

	err := db.WithTx(func(tx *Tx) error {
		now := time.Now()
		rows, err := tx.Query(
			`SELECT id, platform, chat_id, payload, state, attempts, next_attempt_at, resolved_at, created_at, updated_at
			 FROM delivery_queue
			 WHERE state IN (?, ?) AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			 ORDER BY next_attempt_at ASC, created_at ASC
			 LIMIT ?`,
			DeliveryQueued, DeliveryFailed, now, limit,
		)
		if err != nil {
			return err
		}

		var due []*Delivery
		for rows.Next() {
			d, err := scanDelivery(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, d)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, d := range due {
			d.Attempts++
			d.State = DeliveryDispatching
			d.UpdatedAt = now

			if _, err := tx.Exec(
				"UPDATE delivery_queue SET state = ?, attempts = ?, updated_at = ? WHERE id = ?",
				DeliveryDispatching, d.Attempts, now, d.ID,
			); err != nil {
				return err
			}

			if _, err := tx.Exec(
				"INSERT INTO delivery_attempts (delivery_id, attempt_number, started_at) VALUES (?, ?, ?)",
				d.ID, d.Attempts, now,
			); err != nil {
				return err
			}
		}

		claimed = due
		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// CompleteDelivery marks a dispatched row as sent and closes its attempt.
func (db *DB) CompleteDelivery(id string, attempt int, duration time.Duration) error {
	return db.WithTx(func(tx *Tx) error {
		now := time.Now()

		result, err := tx.Exec(
			"UPDATE delivery_queue SET state = ?, resolved_at = ?, next_attempt_at = NULL, updated_at = ? WHERE id = ? AND state = ?",
			DeliverySent, now, now, id, DeliveryDispatching,
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrInvalidState
		}

		_, err = tx.Exec(
			"UPDATE delivery_attempts SET completed_at = ?, duration_ms = ? WHERE delivery_id = ? AND attempt_number = ?",
			now, duration.Milliseconds(), id, attempt,
		)
		return err
	})
}

// FailDelivery records a failed attempt. If dead is true the row moves to
// dead_letter, otherwise it goes back to failed with the given retry time.
func (db *DB) FailDelivery(id string, attempt int, errMsg string, duration time.Duration, nextAttemptAt time.Time, dead bool) error {
	return db.WithTx(func(tx *Tx) error {
		now := time.Now()

		var result sql.Result
		var err error
		if dead {
			result, err = tx.Exec(
				"UPDATE delivery_queue SET state = ?, resolved_at = ?, next_attempt_at = NULL, updated_at = ? WHERE id = ? AND state = ?",
				DeliveryDeadLetter, now, now, id, DeliveryDispatching,
			)
		} else {
			result, err = tx.Exec(
				"UPDATE delivery_queue SET state = ?, next_attempt_at = ?, updated_at = ? WHERE id = ? AND state = ?",
				DeliveryFailed, nextAttemptAt, now, id, DeliveryDispatching,
			)
		}
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrInvalidState
		}

		_, err = tx.Exec(
			"UPDATE delivery_attempts SET completed_at = ?, error = ?, duration_ms = ? WHERE delivery_id = ? AND attempt_number = ?",
			now, errMsg, duration.Milliseconds(), id, attempt,
		)
		return err
	})
}

// GetDelivery returns a queue row by id.
func (db *DB) GetDelivery(id string) (*Delivery, error) {
	row := db.QueryRow(
		"SELECT id, platform, chat_id, payload, state, attempts, next_attempt_at, resolved_at, created_at, updated_at FROM delivery_queue WHERE id = ?",
		id,
	)

	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return d, nil
}

// GetDeliveryAttempts returns a delivery's attempts in order.
func (db *DB) GetDeliveryAttempts(deliveryID string) ([]*DeliveryAttempt, error) {
	rows, err := db.Query(
		"SELECT id, delivery_id, attempt_number, started_at, completed_at, error, duration_ms FROM delivery_attempts WHERE delivery_id = ? ORDER BY attempt_number ASC",
		deliveryID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		var completedAt sql.NullTime
		var errMsg sql.NullString
		var durationMS sql.NullInt64

		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.Attempt, &a.StartedAt, &completedAt, &errMsg, &durationMS); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			a.CompletedAt = &completedAt.Time
		}
		if errMsg.Valid {
			a.Error = errMsg.String
		}
		if durationMS.Valid {
			a.DurationMS = durationMS.Int64
		}
		attempts = append(attempts, &a)
	}

	return attempts, rows.Err()
}

// QueueDepth returns the number of queued and dispatching rows.
func (db *DB) QueueDepth() (int, error) {
	var depth int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM delivery_queue WHERE state IN (?, ?)",
		DeliveryQueued, DeliveryDispatching,
	).Scan(&depth)
	return depth, err
}

// CountDeliveriesByState returns the number of rows in the given state.
func (db *DB) CountDeliveriesByState(state string) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM delivery_queue WHERE state = ?", state).Scan(&count)
	return count, err
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var d Delivery
	var nextAttemptAt, resolvedAt sql.NullTime

	if err := row.Scan(&d.ID, &d.Platform, &d.ChatID, &d.Payload, &d.State, &d.Attempts, &nextAttemptAt, &resolvedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if nextAttemptAt.Valid {
		d.NextAttemptAt = &nextAttemptAt.Time
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}

	return &d, nil
}
