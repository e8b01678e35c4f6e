// Package sqlite persists the reprovision failure lock and the run history
// in a local SQLite database.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout has fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is an open state database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureSchema(db *sql.DB) error {
	const lockSchema = `
CREATE TABLE IF NOT EXISTS reprovision_failure_lock (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	message TEXT NOT NULL,
	acquired_at TEXT NOT NULL
)`
	if _, err := db.Exec(lockSchema); err != nil {
		return fmt.Errorf("initialize failure lock schema: %w", err)
	}

	const historySchema = `
CREATE TABLE IF NOT EXISTS run_history (
	run_id TEXT PRIMARY KEY,
	pipeline TEXT NOT NULL,
	outcome TEXT NOT NULL,
	failed_step TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	elapsed_ms INTEGER NOT NULL,
	finished_at TEXT NOT NULL
)`
	if _, err := db.Exec(historySchema); err != nil {
		return fmt.Errorf("initialize run history schema: %w", err)
	}
	return nil
}
