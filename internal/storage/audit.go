package storage

import "time"

// PolicyAudit is one persisted tool gating decision.
type PolicyAudit struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Tool      string    `json:"tool"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason"`
	ProfileID string    `json:"profile_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendPolicyAudit records a tool gating decision.
func (db *DB) AppendPolicyAudit(sessionID, tool, action, reason, profileID string) error {
	_, err := db.Exec(
		"INSERT INTO policy_audits (session_id, tool, action, reason, profile_id, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		sessionID, tool, action, reason, profileID, time.Now(),
	)
	return err
}

// ListPolicyAudits returns gating decisions newest first.
func (db *DB) ListPolicyAudits(sessionID string, limit int) ([]*PolicyAudit, error) {
	query := "SELECT id, session_id, tool, action, reason, profile_id, created_at FROM policy_audits"
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []*PolicyAudit
	for rows.Next() {
		var a PolicyAudit
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Tool, &a.Action, &a.Reason, &a.ProfileID, &a.CreatedAt); err != nil {
			return nil, err
		}
		audits = append(audits, &a)
	}

	return audits, rows.Err()
}
