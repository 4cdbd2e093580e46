package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ToolCall is one tool invocation requested by an assistant turn.
type ToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function json.RawMessage `json:"function"`
}

// GetName returns the name of the tool being called.
func (tc *ToolCall) GetName() string {
	if len(tc.Function) == 0 {
		return ""
	}
	var fn struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(tc.Function, &fn); err != nil {
		return ""
	}
	return fn.Name
}

// GetArguments returns the raw argument string of the tool call.
func (tc *ToolCall) GetArguments() string {
	if len(tc.Function) == 0 {
		return ""
	}
	var fn struct {
		Arguments string `json:"arguments"`
	}
	if err := json.Unmarshal(tc.Function, &fn); err != nil {
		return ""
	}
	return fn.Arguments
}

// Message is one conversation turn.
type Message struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AppendMessage persists a new turn and bumps the session timestamp.
func (db *DB) AppendMessage(sessionID, role, content string, toolCalls []ToolCall, toolCallID string) (*Message, error) {
	id := uuid.New().String()
	now := time.Now()

	toolCallsJSON, toolCallIDPtr, err := encodeToolFields(toolCalls, toolCallID)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(
		"INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, sessionID, role, content, toolCallsJSON, toolCallIDPtr, now,
	)
	if err != nil {
		return nil, err
	}

	_, _ = db.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?", now, sessionID)

	return &Message{
		ID:         id,
		SessionID:  sessionID,
		Role:       role,
		Content:    content,
		ToolCalls:  toolCalls,
		ToolCallID: toolCallID,
		CreatedAt:  now,
	}, nil
}

// GetMessages returns a session's turns in chronological order.
func (db *DB) GetMessages(sessionID string, limit int) ([]*Message, error) {
	query := "SELECT id, session_id, role, content, tool_calls, tool_call_id, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC"
	args := []any{sessionID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// CountMessages returns the number of turns in a session.
func (db *DB) CountMessages(sessionID string) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&count)
	return count, err
}

// ReplaceMessages atomically replaces all turns of a session. Used to persist
// compaction results: old turns are deleted and the compacted ones inserted in
// a single transaction.
func (db *DB) ReplaceMessages(sessionID string, messages []*Message) error {
	return db.WithTx(func(tx *Tx) error {
		if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
			return err
		}

		for _, msg := range messages {
			id := msg.ID
			if id == "" {
				id = uuid.New().String()
			}

			toolCallsJSON, toolCallIDPtr, err := encodeToolFields(msg.ToolCalls, msg.ToolCallID)
			if err != nil {
				return err
			}

			createdAt := msg.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}

			if _, err := tx.Exec(
				"INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
				id, sessionID, msg.Role, msg.Content, toolCallsJSON, toolCallIDPtr, createdAt,
			); err != nil {
				return err
			}
		}

		_, _ = tx.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?", time.Now(), sessionID)
		return nil
	})
}

// GetMessage returns a single turn by id.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(
		"SELECT id, session_id, role, content, tool_calls, tool_call_id, created_at FROM messages WHERE id = ?",
		id,
	)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var toolCallsJSON sql.NullString
	var toolCallID sql.NullString

	if err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCallsJSON, &toolCallID, &m.CreatedAt); err != nil {
		return nil, err
	}

	if toolCallsJSON.Valid {
		if err := json.Unmarshal([]byte(toolCallsJSON.String), &m.ToolCalls); err != nil {
			return nil, err
		}
	}
	if toolCallID.Valid {
		m.ToolCallID = toolCallID.String
	}

	return &m, nil
}

func encodeToolFields(toolCalls []ToolCall, toolCallID string) (*string, *string, error) {
	var toolCallsJSON *string
	if len(toolCalls) > 0 {
		data, err := json.Marshal(toolCalls)
		if err != nil {
			return nil, nil, err
		}
		s := string(data)
		toolCallsJSON = &s
	}

	var toolCallIDPtr *string
	if toolCallID != "" {
		toolCallIDPtr = &toolCallID
	}

	return toolCallsJSON, toolCallIDPtr, nil
}
