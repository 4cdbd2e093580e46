package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Incident statuses.
const (
	IncidentActive      = "active"
	IncidentRemediating = "remediating"
	IncidentEscalated   = "escalated"
	IncidentResolved    = "resolved"
)

// Incident is one detected reliability condition and its remediation record.
type Incident struct {
	ID                 string     `json:"id"`
	Type               string     `json:"type"`
	Severity           string     `json:"severity"`
	Status             string     `json:"status"`
	CooldownUntil      *time.Time `json:"cooldown_until,omitempty"`
	RemediationAction  string     `json:"remediation_action"`
	Attempts           int        `json:"attempts"`
	Evidence           string     `json:"evidence"`
	RecommendedActions string     `json:"recommended_actions"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TimelineEntry is one row in an incident's append-only timeline.
type TimelineEntry struct {
	ID         int64     `json:"id"`
	IncidentID string    `json:"incident_id"`
	Type       string    `json:"type"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateIncident persists a new active incident.
func (db *DB) CreateIncident(incidentType, severity, remediation, evidence, recommended string) (*Incident, error) {
	id := uuid.New().String()
	now := time.Now()

	_, err := db.Exec(
		"INSERT INTO incidents (id, type, severity, status, remediation_action, attempts, evidence, recommended_actions, created_at, updated_at) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)",
		id, incidentType, severity, IncidentActive, remediation, evidence, recommended, now, now,
	)
	if err != nil {
		return nil, err
	}

	return &Incident{
		ID:                 id,
		Type:               incidentType,
		Severity:           severity,
		Status:             IncidentActive,
		RemediationAction:  remediation,
		Evidence:           evidence,
		RecommendedActions: recommended,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// UpdateIncident persists status, severity, cooldown and attempt changes.
func (db *DB) UpdateIncident(id, status, severity string, cooldownUntil *time.Time, attempts int) error {
	result, err := db.Exec(
		"UPDATE incidents SET status = ?, severity = ?, cooldown_until = ?, attempts = ?, updated_at = ? WHERE id = ?",
		status, severity, cooldownUntil, attempts, time.Now(), id,
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

// GetActiveIncident returns the unresolved incident of the given type, if any.
func (db *DB) GetActiveIncident(incidentType string) (*Incident, error) {
	row := db.QueryRow(
		"SELECT id, type, severity, status, cooldown_until, remediation_action, attempts, evidence, recommended_actions, created_at, updated_at FROM incidents WHERE type = ? AND status != ? ORDER BY created_at DESC LIMIT 1",
		incidentType, IncidentResolved,
	)

	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return inc, nil
}

// ListIncidents returns incidents newest first, optionally filtered to
// unresolved ones.
func (db *DB) ListIncidents(activeOnly bool, limit int) ([]*Incident, error) {
	query := "SELECT id, type, severity, status, cooldown_until, remediation_action, attempts, evidence, recommended_actions, created_at, updated_at FROM incidents"
	args := []any{}

	if activeOnly {
		query += " WHERE status != ?"
		args = append(args, IncidentResolved)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}

	return incidents, rows.Err()
}

// AppendTimeline adds an entry to an incident's timeline.
func (db *DB) AppendTimeline(incidentID, entryType, detail string) error {
	_, err := db.Exec(
		"INSERT INTO incident_timeline (incident_id, type, detail, created_at) VALUES (?, ?, ?, ?)",
		incidentID, entryType, detail, time.Now(),
	)
	return err
}

// GetTimeline returns an incident's timeline in order.
func (db *DB) GetTimeline(incidentID string) ([]*TimelineEntry, error) {
	rows, err := db.Query(
		"SELECT id, incident_id, type, detail, created_at FROM incident_timeline WHERE incident_id = ? ORDER BY id ASC",
		incidentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.Type, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

func scanIncident(row rowScanner) (*Incident, error) {
	var inc Incident
	var cooldownUntil sql.NullTime

	if err := row.Scan(&inc.ID, &inc.Type, &inc.Severity, &inc.Status, &cooldownUntil, &inc.RemediationAction, &inc.Attempts, &inc.Evidence, &inc.RecommendedActions, &inc.CreatedAt, &inc.UpdatedAt); err != nil {
		return nil, err
	}
	if cooldownUntil.Valid {
		inc.CooldownUntil = &cooldownUntil.Time
	}

	return &inc, nil
}
