package storage

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Reasoning edge relations.
const (
	RelationSupports    = "supports"
	RelationContradicts = "contradicts"
	RelationDependsOn   = "depends_on"
	RelationDerivedFrom = "derived_from"
)

// ReasoningNode is one claim in the reasoning graph. Two nodes may share a
// claim key with opposite polarity; that pair is a contradiction.
type ReasoningNode struct {
	ID        string    `json:"id"`
	ClaimKey  string    `json:"claim_key"`
	Statement string    `json:"statement"`
	Polarity  int       `json:"polarity"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReasoningEdge is one typed, directed link between claims.
type ReasoningEdge struct {
	ID        string    `json:"id"`
	FromNode  string    `json:"from_node"`
	ToNode    string    `json:"to_node"`
	Relation  string    `json:"relation"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Memory is one embedded chunk of conversation content.
type Memory struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	Vector    []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// UpsertReasoningNode inserts or refreshes the node for (claimKey, polarity).
func (db *DB) UpsertReasoningNode(claimKey, statement string, polarity int) (*ReasoningNode, error) {
	now := time.Now()

	existing, err := db.getNode(claimKey, polarity)
	if err == nil {
		_, err = db.Exec(
			"UPDATE reasoning_nodes SET statement = ?, updated_at = ? WHERE id = ?",
			statement, now, existing.ID,
		)
		if err != nil {
			return nil, err
		}
		existing.Statement = statement
		existing.UpdatedAt = now
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	id := uuid.New().String()
	_, err = db.Exec(
		"INSERT INTO reasoning_nodes (id, claim_key, statement, polarity, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, claimKey, statement, polarity, now, now,
	)
	if err != nil {
		return nil, err
	}

	return &ReasoningNode{
		ID:        id,
		ClaimKey:  claimKey,
		Statement: statement,
		Polarity:  polarity,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetReasoningNode returns a node by id.
func (db *DB) GetReasoningNode(id string) (*ReasoningNode, error) {
	row := db.QueryRow(
		"SELECT id, claim_key, statement, polarity, created_at, updated_at FROM reasoning_nodes WHERE id = ?",
		id,
	)
	return scanNode(row)
}

// FindOpposingNode returns the node that shares claimKey with the opposite
// polarity, if one exists.
func (db *DB) FindOpposingNode(claimKey string, polarity int) (*ReasoningNode, error) {
	row := db.QueryRow(
		"SELECT id, claim_key, statement, polarity, created_at, updated_at FROM reasoning_nodes WHERE claim_key = ? AND polarity = ?",
		claimKey, -polarity,
	)
	return scanNode(row)
}

func (db *DB) getNode(claimKey string, polarity int) (*ReasoningNode, error) {
	row := db.QueryRow(
		"SELECT id, claim_key, statement, polarity, created_at, updated_at FROM reasoning_nodes WHERE claim_key = ? AND polarity = ?",
		claimKey, polarity,
	)
	return scanNode(row)
}

// UpsertReasoningEdge inserts or refreshes a directed edge.
func (db *DB) UpsertReasoningEdge(fromNode, toNode, relation string) error {
	now := time.Now()
	_, err := db.Exec(
		`INSERT INTO reasoning_edges (id, from_node, to_node, relation, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(from_node, to_node, relation) DO UPDATE SET updated_at = excluded.updated_at`,
		uuid.New().String(), fromNode, toNode, relation, now, now,
	)
	return err
}

// ListEdgesFrom returns a node's outgoing edges, most recently touched first.
func (db *DB) ListEdgesFrom(nodeID string, limit int) ([]*ReasoningEdge, error) {
	query := "SELECT id, from_node, to_node, relation, created_at, updated_at FROM reasoning_edges WHERE from_node = ? ORDER BY updated_at DESC"
	args := []any{nodeID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []*ReasoningEdge
	for rows.Next() {
		var e ReasoningEdge
		if err := rows.Scan(&e.ID, &e.FromNode, &e.ToNode, &e.Relation, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		edges = append(edges, &e)
	}

	return edges, rows.Err()
}

// CountEdgesByRelation returns the number of edges touching a node, grouped by
// relation, counting both directions.
func (db *DB) CountEdgesByRelation(nodeID string) (map[string]int, error) {
	rows, err := db.Query(
		"SELECT relation, COUNT(*) FROM reasoning_edges WHERE from_node = ? OR to_node = ? GROUP BY relation",
		nodeID, nodeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var relation string
		var count int
		if err := rows.Scan(&relation, &count); err != nil {
			return nil, err
		}
		counts[relation] = count
	}

	return counts, rows.Err()
}

// InsertMemory stores an embedded chunk.
func (db *DB) InsertMemory(sessionID, content string, vector []float32) (*Memory, error) {
	id := uuid.New().String()
	now := time.Now()

	_, err := db.Exec(
		"INSERT INTO memory_embeddings (id, session_id, content, vector, dim, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, sessionID, content, encodeVector(vector), len(vector), now,
	)
	if err != nil {
		return nil, err
	}

	return &Memory{
		ID:        id,
		SessionID: sessionID,
		Content:   content,
		Vector:    vector,
		CreatedAt: now,
	}, nil
}

// ListMemories returns embedded chunks with decoded vectors. An empty
// sessionID returns all memories.
func (db *DB) ListMemories(sessionID string) ([]*Memory, error) {
	query := "SELECT id, session_id, content, vector, dim, created_at FROM memory_embeddings"
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []*Memory
	for rows.Next() {
		var m Memory
		var blob []byte
		var dim int
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Content, &blob, &dim, &m.CreatedAt); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob, dim)
		if err != nil {
			return nil, fmt.Errorf("memory %s: %w", m.ID, err)
		}
		m.Vector = vec
		memories = append(memories, &m)
	}

	return memories, rows.Err()
}

// LinkProvenance records that a memory grounds a reasoning node.
func (db *DB) LinkProvenance(memoryID, nodeID, sessionID string) error {
	_, err := db.Exec(
		"INSERT INTO memory_provenance (id, memory_id, node_id, session_id, created_at) VALUES (?, ?, ?, ?, ?)",
		uuid.New().String(), memoryID, nodeID, sessionID, time.Now(),
	)
	return err
}

// NodesForMemory returns the reasoning nodes a memory grounds.
func (db *DB) NodesForMemory(memoryID string) ([]*ReasoningNode, error) {
	rows, err := db.Query(
		`SELECT n.id, n.claim_key, n.statement, n.polarity, n.created_at, n.updated_at
		 FROM reasoning_nodes n
		 JOIN memory_provenance p ON p.node_id = n.id
		 WHERE p.memory_id = ?
		 ORDER BY n.updated_at DESC`,
		memoryID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*ReasoningNode
	for rows.Next() {
		var n ReasoningNode
		if err := rows.Scan(&n.ID, &n.ClaimKey, &n.Statement, &n.Polarity, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		nodes = append(nodes, &n)
	}

	return nodes, rows.Err()
}

func scanNode(row rowScanner) (*ReasoningNode, error) {
	var n ReasoningNode
	err := row.Scan(&n.ID, &n.ClaimKey, &n.Statement, &n.Polarity, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Vectors are stored as little-endian float32 blobs.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte, dim int) ([]float32, error) {
	if len(blob) != 4*dim {
		return nil, fmt.Errorf("vector blob size %d does not match dim %d", len(blob), dim)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
