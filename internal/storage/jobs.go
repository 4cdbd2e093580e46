package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Orchestration job states.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job is one delegated unit of work tracked by the orchestrator.
type Job struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	BriefID       string    `json:"brief_id"`
	ParentMessage string    `json:"parent_message"`
	Title         string    `json:"title"`
	Objective     string    `json:"objective"`
	State         string    `json:"state"`
	Attempt       int       `json:"attempt"`
	Output        string    `json:"output,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreateJob persists a new queued job.
func (db *DB) CreateJob(sessionID, briefID, parentMessage, title, objective string) (*Job, error) {
	id := uuid.New().String()
	now := time.Now()

	_, err := db.Exec(
		"INSERT INTO orchestration_jobs (id, session_id, brief_id, parent_message, title, objective, state, attempt, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)",
		id, sessionID, briefID, parentMessage, title, objective, JobQueued, now, now,
	)
	if err != nil {
		return nil, err
	}

	return &Job{
		ID:            id,
		SessionID:     sessionID,
		BriefID:       briefID,
		ParentMessage: parentMessage,
		Title:         title,
		Objective:     objective,
		State:         JobQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// UpdateJobState moves a job to a new state, recording attempt count and
// output or error.
func (db *DB) UpdateJobState(id, state string, attempt int, output, errMsg string) error {
	var outputPtr, errPtr *string
	if output != "" {
		outputPtr = &output
	}
	if errMsg != "" {
		errPtr = &errMsg
	}

	result, err := db.Exec(
		"UPDATE orchestration_jobs SET state = ?, attempt = ?, output = ?, error = ?, updated_at = ? WHERE id = ?",
		state, attempt, outputPtr, errPtr, time.Now(), id,
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

// GetJob returns a job by id.
func (db *DB) GetJob(id string) (*Job, error) {
	row := db.QueryRow(
		"SELECT id, session_id, brief_id, parent_message, title, objective, state, attempt, output, error, created_at, updated_at FROM orchestration_jobs WHERE id = ?",
		id,
	)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return j, nil
}

// ListJobs returns a session's jobs in creation order.
func (db *DB) ListJobs(sessionID string) ([]*Job, error) {
	rows, err := db.Query(
		"SELECT id, session_id, brief_id, parent_message, title, objective, state, attempt, output, error, created_at, updated_at FROM orchestration_jobs WHERE session_id = ? ORDER BY created_at ASC",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

// AppendJobEvent adds a row to a job's event trail.
func (db *DB) AppendJobEvent(jobID, eventType, detail string) error {
	_, err := db.Exec(
		"INSERT INTO orchestration_events (job_id, type, detail, created_at) VALUES (?, ?, ?, ?)",
		jobID, eventType, detail, time.Now(),
	)
	return err
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var output, errMsg sql.NullString

	if err := row.Scan(&j.ID, &j.SessionID, &j.BriefID, &j.ParentMessage, &j.Title, &j.Objective, &j.State, &j.Attempt, &output, &errMsg, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if output.Valid {
		j.Output = output.String
	}
	if errMsg.Valid {
		j.Error = errMsg.String
	}

	return &j, nil
}
