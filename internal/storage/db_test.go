package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", db.Path(), dbPath)
	}

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err != nil {
		t.Errorf("query failed: %v", err)
	}
	if result != 1 {
		t.Errorf("result = %d, want 1", result)
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", db.Path(), dbPath)
	}
}

func TestOpen_WALMode(t *testing.T) {
	db := testDB(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}
}

func TestWithTx_Commit(t *testing.T) {
	db := testDB(t)

	err := db.WithTx(func(tx *Tx) error {
		_, err := tx.Exec("INSERT INTO kv_store (key, value) VALUES (?, ?)", "test_key", "test_value")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}

	var value string
	if err := db.QueryRow("SELECT value FROM kv_store WHERE key = ?", "test_key").Scan(&value); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if value != "test_value" {
		t.Errorf("value = %q, want test_value", value)
	}
}

func TestWithTx_Rollback(t *testing.T) {
	db := testDB(t)

	testErr := errors.New("test error")
	err := db.WithTx(func(tx *Tx) error {
		_, err := tx.Exec("INSERT INTO kv_store (key, value) VALUES (?, ?)", "rollback_key", "rollback_value")
		if err != nil {
			return err
		}
		return testErr
	})
	if err != testErr {
		t.Errorf("WithTx error = %v, want %v", err, testErr)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM kv_store WHERE key = ?", "rollback_key").Scan(&count); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0 (should be rolled back)", count)
	}
}
