// Package storage provides the SQLite-backed persistent store shared by every
// runtime subsystem: sessions, conversation turns, orchestration jobs, the
// delivery queue, callback receipts, routing telemetry, budget accounting,
// incidents and the reasoning graph.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"relay/internal/config"
	"relay/internal/storage/migrations"

	_ "modernc.org/sqlite"
)

// DB wraps the database connection.
type DB struct {
	*sql.DB
	path string
}

// Open opens the database at path, applying pragmas and pending migrations.
func Open(path string) (*DB, error) {
	expandedPath, err := config.ExpandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := sql.Open("sqlite", expandedPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &DB{DB: db, path: expandedPath}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Tx wraps a transaction.
type Tx struct {
	*sql.Tx
}

// Begin starts a transaction.
func (db *DB) Begin() (*Tx, error) {
	tx, err := db.DB.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx}, nil
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (db *DB) WithTx(fn func(*Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
