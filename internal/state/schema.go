// Package state persists conversion state so re-runs are incremental.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/starford/vaultport/internal/apperr"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	note_id      TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	path         TEXT NOT NULL UNIQUE,
	notebook     TEXT NOT NULL DEFAULT '',
	dir          TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL DEFAULT '',
	created      TEXT NOT NULL DEFAULT '',
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_notes_dir ON notes(dir);

CREATE TABLE IF NOT EXISTS attachments (
	content_id   TEXT PRIMARY KEY,
	path         TEXT NOT NULL,
	display_name TEXT NOT NULL UNIQUE,
	mime         TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS notebooks (
	name TEXT PRIMARY KEY,
	dir  TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	bundle      TEXT NOT NULL DEFAULT '',
	stage       TEXT NOT NULL DEFAULT '',
	written     INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	started_at  TEXT NOT NULL DEFAULT '',
	finished_at TEXT NOT NULL DEFAULT ''
);
`

// MemoryPath opens a throwaway in-memory store.
const MemoryPath = ":memory:"

// DB is the conversion state store. Writes are serialized; reads may run concurrently.
type DB struct {
	mu   sync.RWMutex
	conn *sql.DB
	path string

	recovered *apperr.ItemError
}

// Open opens (or creates) the state database at path and verifies its integrity.
func Open(path string) (*DB, error) {
	dsn := path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("state: mkdir: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("state: open db: %w", err)
	}
	// One connection keeps :memory: databases coherent and matches the single-writer model.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("state: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("state: apply schema: %w", err)
	}
	var check string
	if err := conn.QueryRow(`PRAGMA quick_check`).Scan(&check); err != nil {
		conn.Close()
		return nil, fmt.Errorf("state: integrity check: %w", err)
	}
	if check != "ok" {
		conn.Close()
		return nil, fmt.Errorf("state: integrity check: %s", check)
	}
	return &DB{conn: conn, path: path}, nil
}

// OpenOrRecover opens the store at path. A store that cannot be opened is
// moved aside and replaced by a fresh one; if that fails too an in-memory
// store is returned. Either way Recovered reports the warning.
func OpenOrRecover(path string, logger *slog.Logger) (*DB, error) {
	db, err := Open(path)
	if err == nil {
		return db, nil
	}
	warn := &apperr.ItemError{Kind: apperr.KindStateCorruption, Ref: path, Err: err}
	logger.Warn("state: store unusable, starting fresh",
		slog.String("path", path),
		slog.String("error", err.Error()))

	if path != MemoryPath {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, aside); renameErr != nil && !errors.Is(renameErr, os.ErrNotExist) {
			logger.Warn("state: move aside failed", slog.String("error", renameErr.Error()))
		}
		_ = os.Remove(path + "-wal")
		_ = os.Remove(path + "-shm")

		fresh, freshErr := Open(path)
		if freshErr == nil {
			fresh.recovered = warn
			return fresh, nil
		}
		logger.Warn("state: fresh store failed, using memory", slog.String("error", freshErr.Error()))
	}

	mem, memErr := Open(MemoryPath)
	if memErr != nil {
		return nil, fmt.Errorf("state: in-memory fallback: %w", memErr)
	}
	mem.recovered = warn
	return mem, nil
}

// Recovered returns the corruption warning raised when the store was opened, if any.
func (db *DB) Recovered() *apperr.ItemError {
	return db.recovered
}

// Path returns the database location.
func (db *DB) Path() string { return db.path }

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Reset deletes every record. Only an explicit vault reset calls this.
func (db *DB) Reset() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("state: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	for _, table := range []string{"notes", "attachments", "notebooks", "meta", "runs"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("state: reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

const timeLayout = "2006-01-02T15:04:05Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
