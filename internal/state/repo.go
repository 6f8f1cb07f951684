package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/vaultport/internal/apperr"
)

// NoteRecord is the persisted outcome of converting one note.
type NoteRecord struct {
	NoteID      string
	ContentHash string
	Path        string
	Notebook    string
	Dir         string
	Title       string
	Created     time.Time
}

// AttachmentRecord is the persisted placement of one attachment.
type AttachmentRecord struct {
	ContentID   string
	Path        string
	DisplayName string
	MIME        string
	Size        int64
}

// RunRecord summarizes one pipeline run.
type RunRecord struct {
	ID         string    `json:"id"`
	Bundle     string    `json:"bundle"`
	Stage      string    `json:"stage"`
	Written    int       `json:"written"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// IsUpToDate reports whether noteID was last recorded with hash.
func (db *DB) IsUpToDate(noteID, hash string) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var cs string
	err := db.conn.QueryRow(`SELECT content_hash FROM notes WHERE note_id = ?`, noteID).Scan(&cs)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state: lookup hash: %w", err)
	}
	return cs == hash, nil
}

// RecordNote inserts or replaces the record for a note.
func (db *DB) RecordNote(r NoteRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		INSERT INTO notes (note_id, content_hash, path, notebook, dir, title, created, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(note_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			path         = excluded.path,
			notebook     = excluded.notebook,
			dir          = excluded.dir,
			title        = excluded.title,
			created      = excluded.created,
			updated_at   = excluded.updated_at
	`, r.NoteID, r.ContentHash, r.Path, r.Notebook, r.Dir, r.Title, formatTime(r.Created))
	if isUniqueViolation(err) {
		return fmt.Errorf("state: path %s already recorded: %w", r.Path, apperr.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("state: record note: %w", err)
	}
	return nil
}

// Note returns the record for noteID or apperr.ErrNotFound.
func (db *DB) Note(noteID string) (*NoteRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRow(`
		SELECT note_id, content_hash, path, notebook, dir, title, created
		FROM notes WHERE note_id = ?`, noteID)
	r, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get note: %w", err)
	}
	return r, nil
}

// PathOwner returns the note id recorded at path, or "".
func (db *DB) PathOwner(path string) (string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var id string
	err := db.conn.QueryRow(`SELECT note_id FROM notes WHERE path = ?`, path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("state: path owner: %w", err)
	}
	return id, nil
}

// NotesInDir returns every note recorded under a notebook directory,
// ordered by creation time, then title, then id.
func (db *DB) NotesInDir(dir string) ([]NoteRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT note_id, content_hash, path, notebook, dir, title, created
		FROM notes WHERE dir = ?
		ORDER BY created, title, note_id`, dir)
	if err != nil {
		return nil, fmt.Errorf("state: notes in dir: %w", err)
	}
	defer rows.Close()

	var out []NoteRecord
	for rows.Next() {
		r, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CountNotes returns the number of recorded notes.
func (db *DB) CountNotes() (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var n int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM notes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("state: count notes: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNote(s scanner) (*NoteRecord, error) {
	var r NoteRecord
	var created string
	if err := s.Scan(&r.NoteID, &r.ContentHash, &r.Path, &r.Notebook, &r.Dir, &r.Title, &created); err != nil {
		return nil, err
	}
	r.Created = parseTime(created)
	return &r, nil
}

// Attachment returns the record for contentID or apperr.ErrNotFound.
func (db *DB) Attachment(contentID string) (*AttachmentRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var r AttachmentRecord
	err := db.conn.QueryRow(`
		SELECT content_id, path, display_name, mime, size
		FROM attachments WHERE content_id = ?`, contentID).
		Scan(&r.ContentID, &r.Path, &r.DisplayName, &r.MIME, &r.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get attachment: %w", err)
	}
	return &r, nil
}

// RecordAttachment stores an attachment placement. A display name already
// owned by different content yields apperr.ErrConflict.
func (db *DB) RecordAttachment(r AttachmentRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		INSERT INTO attachments (content_id, path, display_name, mime, size)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_id) DO UPDATE SET
			path = excluded.path,
			mime = excluded.mime,
			size = excluded.size
	`, r.ContentID, r.Path, r.DisplayName, r.MIME, r.Size)
	if isUniqueViolation(err) {
		return fmt.Errorf("state: display name %s taken: %w", r.DisplayName, apperr.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("state: record attachment: %w", err)
	}
	return nil
}

// DisplayNameOwner returns the content id owning a display name, or "".
func (db *DB) DisplayNameOwner(name string) (string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var id string
	err := db.conn.QueryRow(`SELECT content_id FROM attachments WHERE display_name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("state: display name owner: %w", err)
	}
	return id, nil
}

// NotebookDir returns the directory assigned to a notebook, or "".
func (db *DB) NotebookDir(name string) (string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var dir string
	err := db.conn.QueryRow(`SELECT dir FROM notebooks WHERE name = ?`, name).Scan(&dir)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("state: notebook dir: %w", err)
	}
	return dir, nil
}

// ClaimNotebookDir assigns dir to a notebook. A dir already assigned to
// another notebook yields apperr.ErrConflict.
func (db *DB) ClaimNotebookDir(name, dir string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`INSERT INTO notebooks (name, dir) VALUES (?, ?)`, name, dir)
	if isUniqueViolation(err) {
		return fmt.Errorf("state: claim %s: %w", dir, apperr.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("state: claim notebook dir: %w", err)
	}
	return nil
}

// Dirs returns every assigned notebook directory, sorted.
func (db *DB) Dirs() ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`SELECT dir FROM notebooks ORDER BY dir`)
	if err != nil {
		return nil, fmt.Errorf("state: dirs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Meta returns a meta value and whether it was set.
func (db *DB) Meta(key string) (string, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var v string
	err := db.conn.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("state: meta %s: %w", key, err)
	}
	return v, true, nil
}

// SetMeta stores a meta value.
func (db *DB) SetMeta(key, value string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("state: set meta %s: %w", key, err)
	}
	return nil
}

// BeginRun records the start of a run.
func (db *DB) BeginRun(id, bundle string, startedAt time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`INSERT OR REPLACE INTO runs (id, bundle, stage, started_at) VALUES (?, ?, 'Idle', ?)`,
		id, bundle, formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("state: begin run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (db *DB) FinishRun(r RunRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		UPDATE runs SET stage = ?, written = ?, skipped = ?, failed = ?, finished_at = ?
		WHERE id = ?`, r.Stage, r.Written, r.Skipped, r.Failed, formatTime(r.FinishedAt), r.ID)
	if err != nil {
		return fmt.Errorf("state: finish run: %w", err)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (db *DB) Runs(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT id, bundle, stage, written, skipped, failed, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("state: runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Bundle, &r.Stage, &r.Written, &r.Skipped, &r.Failed, &started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}
