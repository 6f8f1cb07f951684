// Package attach places note attachments in the vault under content-derived names.
//
// Every attachment is stored once at <dir>/<sha256><ext>. Identical bytes
// from any number of notes map to the same file, so re-running an import
// never duplicates or rewrites attachments.
package attach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/starford/vaultport/internal/apperr"
	"github.com/starford/vaultport/internal/checksum"
	"github.com/starford/vaultport/internal/layout"
	"github.com/starford/vaultport/internal/models"
	"github.com/starford/vaultport/internal/state"
	"github.com/starford/vaultport/internal/storage"
)

// DefaultDir is the vault-relative attachments directory.
const DefaultDir = "attachments"

// Mirror receives a copy of every newly stored attachment.
type Mirror interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// Options configure a Store.
type Options struct {
	Dir    string
	Mirror Mirror // optional
	Logger *slog.Logger
}

// Store writes attachments into the vault. It is safe for concurrent use.
type Store struct {
	fs     storage.Provider
	state  *state.DB
	dir    string
	mirror Mirror
	logger *slog.Logger
	locks  *keyedMutex
	// mirrored holds content ids uploaded by this store.
	mirrored sync.Map
}

// New creates a Store.
func New(fs storage.Provider, db *state.DB, opts Options) *Store {
	dir := strings.Trim(opts.Dir, "/")
	if dir == "" {
		dir = DefaultDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		fs:     fs,
		state:  db,
		dir:    dir,
		mirror: opts.Mirror,
		logger: logger,
		locks:  newKeyedMutex(),
	}
}

// Dir returns the vault-relative attachments directory.
func (s *Store) Dir() string { return s.dir }

// Put stores att and returns where it lives. Corrupt attachments are passed
// through unstored so the note can render a placeholder. Errors are
// *apperr.ItemError with KindAttachmentWrite and affect this attachment only.
func (s *Store) Put(ctx context.Context, att models.Attachment) (models.StoredAttachment, error) {
	if att.Corrupt {
		return models.StoredAttachment{SourceID: att.SourceID, MIME: att.MIME, Corrupt: true}, nil
	}
	if err := ctx.Err(); err != nil {
		return models.StoredAttachment{}, err
	}

	id := checksum.Sum(att.Data)
	ext := Extension(att.MIME, att.DeclaredName)
	out := models.StoredAttachment{
		SourceID:  att.SourceID,
		ContentID: id,
		Path:      path.Join(s.dir, id+ext),
		MIME:      att.MIME,
		Size:      int64(len(att.Data)),
	}
	fail := func(format string, args ...any) (models.StoredAttachment, error) {
		return models.StoredAttachment{}, apperr.Item(apperr.KindAttachmentWrite, att.NoteID, att.SourceID, format, args...)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.state.Attachment(id)
	switch {
	case err == nil:
		ok, err := s.fs.Exists(rec.Path)
		if err != nil {
			return fail("stat %s: %v", rec.Path, err)
		}
		if ok {
			out.Path = rec.Path
			out.DisplayName = rec.DisplayName
			out.Deduped = true
			s.mirrorUpload(ctx, out, att.Data)
			return out, nil
		}
		// Recorded but removed from disk: write it back under the recorded names.
		out.Path = rec.Path
		out.DisplayName = rec.DisplayName
	case errors.Is(err, apperr.ErrNotFound):
	default:
		return fail("lookup: %v", err)
	}

	written, err := s.writeContent(ctx, out.Path, id, att.Data)
	if err != nil {
		return fail("%v", err)
	}
	out.Deduped = !written

	if out.DisplayName == "" {
		name, err := s.claimDisplayName(att, id, ext, out)
		if err != nil {
			return fail("%v", err)
		}
		out.DisplayName = name
	} else if err := s.record(out); err != nil {
		return fail("%v", err)
	}

	s.mirrorUpload(ctx, out, att.Data)
	return out, nil
}

// mirrorUpload copies stored content to the mirror. Deduplicated content is
// offered too, so an upload that failed in an earlier run is retried.
// Failures are logged and never fail the attachment.
func (s *Store) mirrorUpload(ctx context.Context, out models.StoredAttachment, data []byte) {
	if s.mirror == nil {
		return
	}
	if _, done := s.mirrored.Load(out.ContentID); done {
		return
	}
	if err := s.mirror.Upload(ctx, path.Base(out.Path), data, out.MIME); err != nil {
		s.logger.Warn("attachment mirror upload failed",
			slog.String("content_id", out.ContentID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.mirrored.Store(out.ContentID, struct{}{})
}

// writeContent writes data unless the file already holds bytes hashing to id.
func (s *Store) writeContent(ctx context.Context, p, id string, data []byte) (bool, error) {
	if existing, err := s.fs.Read(p); err == nil && checksum.Sum(existing) == id {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.fs.Write(p, data); err != nil {
		return false, fmt.Errorf("write %s: %w", p, err)
	}
	return true, nil
}

// claimDisplayName records the attachment under its preferred display name,
// falling back to a content-qualified name when another attachment owns it.
func (s *Store) claimDisplayName(att models.Attachment, id, ext string, out models.StoredAttachment) (string, error) {
	stem := displayStem(att, id)
	preferred := stem + ext

	owner, err := s.state.DisplayNameOwner(preferred)
	if err != nil {
		return "", err
	}
	if owner == "" || owner == id {
		out.DisplayName = preferred
		err := s.record(out)
		if err == nil {
			return preferred, nil
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return "", err
		}
	}

	out.DisplayName = stem + "-" + id[:8] + ext
	if err := s.record(out); err != nil {
		return "", err
	}
	return out.DisplayName, nil
}

func (s *Store) record(out models.StoredAttachment) error {
	return s.state.RecordAttachment(state.AttachmentRecord{
		ContentID:   out.ContentID,
		Path:        out.Path,
		DisplayName: out.DisplayName,
		MIME:        out.MIME,
		Size:        out.Size,
	})
}

// displayStem derives a readable stem from the declared file name or the media type.
func displayStem(att models.Attachment, id string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(att.DeclaredName), `\`, "/"))
	if name == "." || name == "/" {
		name = ""
	}
	name = strings.TrimSuffix(name, path.Ext(name))
	if name != "" {
		return layout.Sanitize(name, layout.File)
	}
	kind, _, _ := strings.Cut(att.MIME, "/")
	if kind == "" {
		kind = "attachment"
	}
	return layout.Sanitize(kind, layout.File) + "-" + id[:8]
}
