// Package layout decides where notes live in the vault and writes them there.
//
// Notebooks map to top-level directories named by Sanitize. When two
// notebooks sanitize to the same name, or a name matches a reserved vault
// directory (attachments, templates, .obsidian, the state directory), the
// later one takes the first free "<base>-2", "<base>-3", ... name.
//
// Notes are written as "<dir>/<title>.md". When that file belongs to a
// different note, or to nobody we know (a foreign file), the note is
// written as "<dir>/<title>_<id8>.md" where id8 is the first eight runes
// of its sanitized id, then "<title>_<id8>-2.md" and so on. "_Index.md" is
// reserved in every notebook directory.
//
// Every choice is persisted in the conversion state and reused by later
// runs while the note's notebook and sanitized title stay the same. A note
// that moved notebooks or was retitled gets a fresh path; the file at its
// old path is removed once the new one is written, if it is still ours.
package layout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/starford/vaultport/internal/apperr"
	"github.com/starford/vaultport/internal/models"
	"github.com/starford/vaultport/internal/parser"
	"github.com/starford/vaultport/internal/state"
	"github.com/starford/vaultport/internal/storage"
	"github.com/starford/vaultport/internal/transform"
)

// IndexFile is the per-notebook index note.
const IndexFile = "_Index.md"

// Default reserved directories.
const (
	DefaultTemplatesDir = "templates"
	ObsidianDir         = ".obsidian"
	StateDir            = ".vaultport"
)

// Options configure a Planner.
type Options struct {
	AttachmentsDir string
	TemplatesDir   string
	MarkdownLinks  bool // app.json useMarkdownLinks
	Logger         *slog.Logger
}

// Placement is the destination chosen for one note.
type Placement struct {
	NoteID   string    `json:"note_id"`
	Title    string    `json:"title"`
	Notebook string    `json:"notebook"`
	Dir      string    `json:"dir"`
	Path     string    `json:"path"`
	Created  time.Time `json:"created"`
	// Previous is the recorded path being replaced, empty when unchanged.
	Previous string `json:"previous,omitempty"`
}

// PlaceResult reports what Place did.
type PlaceResult struct {
	Path    string
	Written bool
}

// Planner assigns and writes note paths. Assign must be called from a
// single goroutine; Place is safe for concurrent use.
type Planner struct {
	fs       storage.Provider
	state    *state.DB
	opts     Options
	logger   *slog.Logger
	reserved map[string]bool

	mu      sync.Mutex
	claimed map[string]string // lower-cased path -> note id, this process
	dirMu   map[string]*sync.Mutex
}

// New creates a Planner.
func New(fs storage.Provider, db *state.DB, opts Options) *Planner {
	if opts.AttachmentsDir == "" {
		opts.AttachmentsDir = "attachments"
	}
	if opts.TemplatesDir == "" {
		opts.TemplatesDir = DefaultTemplatesDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reserved := map[string]bool{
		strings.ToLower(ObsidianDir): true,
		strings.ToLower(StateDir):    true,
	}
	for _, d := range []string{opts.AttachmentsDir, opts.TemplatesDir} {
		first, _, _ := strings.Cut(strings.Trim(d, "/"), "/")
		reserved[strings.ToLower(first)] = true
	}
	return &Planner{
		fs:       fs,
		state:    db,
		opts:     opts,
		logger:   logger,
		reserved: reserved,
		claimed:  make(map[string]string),
		dirMu:    make(map[string]*sync.Mutex),
	}
}

// Assign chooses the destination for note. A recorded assignment is
// reused while it still matches the note's notebook and title.
func (p *Planner) Assign(note models.Note) (Placement, error) {
	pl := Placement{NoteID: note.ID, Title: note.Title, Notebook: note.Notebook, Created: note.Created}

	rec, err := p.state.Note(note.ID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return Placement{}, fmt.Errorf("layout: lookup %s: %w", note.ID, err)
	}

	dir, err := p.notebookDir(note.Notebook)
	if err != nil {
		return Placement{}, err
	}
	pl.Dir = dir

	base := Sanitize(note.Title, File)
	id8 := Truncate(Sanitize(note.ID, File), 8)
	if rec != nil {
		// The old path stays claimed until the note has left it.
		p.claim(rec.Path, note.ID)
		if rec.Dir == dir && stemMatches(rec.Path, base, id8) {
			pl.Path = rec.Path
			return pl, nil
		}
		pl.Previous = rec.Path
	}

	for n := 0; ; n++ {
		var name string
		switch {
		case n == 0:
			name = base
		case n == 1:
			name = base + "_" + id8
		default:
			name = base + "_" + id8 + "-" + strconv.Itoa(n)
		}
		candidate := path.Join(dir, name+".md")
		free, err := p.available(candidate, note.ID)
		if err != nil {
			return Placement{}, err
		}
		if free {
			pl.Path = candidate
			p.claim(candidate, note.ID)
			return pl, nil
		}
	}
}

// stemMatches reports whether recorded is one of the names Assign would
// derive from base and id8. Case is ignored so a case-only retitle keeps
// its file.
func stemMatches(recorded, base, id8 string) bool {
	stem := strings.TrimSuffix(path.Base(recorded), ".md")
	if strings.EqualFold(stem, base) {
		return true
	}
	prefix := base + "_" + id8
	if len(stem) < len(prefix) || !strings.EqualFold(stem[:len(prefix)], prefix) {
		return false
	}
	rest := stem[len(prefix):]
	if rest == "" {
		return true
	}
	n, ok := strings.CutPrefix(rest, "-")
	if !ok {
		return false
	}
	_, err := strconv.Atoi(n)
	return err == nil
}

// notebookDir returns the persisted directory for a notebook, claiming one if needed.
func (p *Planner) notebookDir(notebook string) (string, error) {
	dir, err := p.state.NotebookDir(notebook)
	if err != nil {
		return "", fmt.Errorf("layout: %w", err)
	}
	if dir != "" {
		return dir, nil
	}

	existing, err := p.state.Dirs()
	if err != nil {
		return "", fmt.Errorf("layout: %w", err)
	}
	taken := make(map[string]bool, len(existing))
	for _, d := range existing {
		taken[strings.ToLower(d)] = true
	}

	base := Sanitize(notebook, Dir)
	for n := 1; ; n++ {
		candidate := base
		if n > 1 {
			candidate = base + "-" + strconv.Itoa(n)
		}
		// Directories differing only in case collide on some file systems.
		if p.reserved[strings.ToLower(candidate)] || taken[strings.ToLower(candidate)] {
			continue
		}
		err := p.state.ClaimNotebookDir(notebook, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return "", fmt.Errorf("layout: %w", err)
		}
	}
}

// available reports whether noteID may be written at candidate.
func (p *Planner) available(candidate, noteID string) (bool, error) {
	if strings.EqualFold(path.Base(candidate), IndexFile) {
		return false, nil
	}

	p.mu.Lock()
	holder, taken := p.claimed[strings.ToLower(candidate)]
	p.mu.Unlock()
	if taken && holder != noteID {
		return false, nil
	}

	owner, err := p.state.PathOwner(candidate)
	if err != nil {
		return false, fmt.Errorf("layout: %w", err)
	}
	if owner != "" {
		return owner == noteID, nil
	}

	data, err := p.fs.Read(candidate)
	if err != nil {
		if exists, _ := p.fs.Exists(candidate); !exists {
			return true, nil
		}
		return false, nil
	}
	// An unrecorded file is ours only when it carries this note's id.
	return parser.OwnedBy(data, noteID, transform.SourceMarker), nil
}

func (p *Planner) claim(path, noteID string) {
	p.mu.Lock()
	p.claimed[strings.ToLower(path)] = noteID
	p.mu.Unlock()
}

func (p *Planner) lockDir(dir string) func() {
	p.mu.Lock()
	m, ok := p.dirMu[dir]
	if !ok {
		m = &sync.Mutex{}
		p.dirMu[dir] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Place writes a converted note at its placement and records it. Unchanged
// notes already on disk are skipped. Errors are *apperr.ItemError with
// KindLayoutWrite unless the vault itself stopped accepting writes, which
// is reported as apperr.ErrDestinationUnwritable.
func (p *Planner) Place(ctx context.Context, pl Placement, conv *models.ConvertedNote) (PlaceResult, error) {
	if err := ctx.Err(); err != nil {
		return PlaceResult{}, err
	}
	unlock := p.lockDir(pl.Dir)
	defer unlock()

	res := PlaceResult{Path: pl.Path}
	fail := func(err error) (PlaceResult, error) {
		if probeErr := p.fs.Probe(); probeErr != nil {
			return PlaceResult{}, fmt.Errorf("layout: write %s: %w", pl.Path, probeErr)
		}
		return PlaceResult{}, &apperr.ItemError{Kind: apperr.KindLayoutWrite, NoteID: pl.NoteID, Ref: pl.Path, Err: err}
	}

	current, err := p.state.IsUpToDate(pl.NoteID, conv.ContentHash)
	if err != nil {
		return fail(err)
	}
	existing, readErr := p.fs.Read(pl.Path)
	onDisk := readErr == nil
	if current && onDisk && pl.Previous == "" {
		return res, nil
	}

	if !onDisk || !bytes.Equal(existing, conv.Content) {
		if err := ctx.Err(); err != nil {
			return PlaceResult{}, err
		}
		if err := p.fs.Write(pl.Path, conv.Content); err != nil {
			return fail(err)
		}
		res.Written = true
	}

	err = p.state.RecordNote(state.NoteRecord{
		NoteID:      pl.NoteID,
		ContentHash: conv.ContentHash,
		Path:        pl.Path,
		Notebook:    pl.Notebook,
		Dir:         pl.Dir,
		Title:       pl.Title,
		Created:     pl.Created,
	})
	if err != nil {
		return fail(err)
	}
	if pl.Previous != "" && !strings.EqualFold(pl.Previous, pl.Path) {
		p.retire(pl)
		res.Written = true
	}
	return res, nil
}

// retire removes the file a note left behind when its path changed. Files
// that no longer carry the note's id are left alone.
func (p *Planner) retire(pl Placement) {
	data, err := p.fs.Read(pl.Previous)
	if err != nil {
		return
	}
	if !parser.OwnedBy(data, pl.NoteID, transform.SourceMarker) {
		p.logger.Info("kept edited file at old note path",
			slog.String("note_id", pl.NoteID), slog.String("path", pl.Previous))
		return
	}
	if err := p.fs.Delete(pl.Previous); err != nil {
		p.logger.Warn("remove old note file",
			slog.String("path", pl.Previous), slog.String("error", err.Error()))
	}
}
