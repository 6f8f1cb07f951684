package state

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/vaultport/internal/apperr"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordNoteAndUpToDate(t *testing.T) {
	db := testDB(t)

	ok, err := db.IsUpToDate("n1", "h1")
	if err != nil || ok {
		t.Fatalf("unknown note up to date = %v, %v", ok, err)
	}

	rec := NoteRecord{NoteID: "n1", ContentHash: "h1", Path: "Work/A.md", Notebook: "Work", Dir: "Work", Title: "A",
		Created: time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)}
	if err := db.RecordNote(rec); err != nil {
		t.Fatalf("RecordNote: %v", err)
	}
	if ok, _ := db.IsUpToDate("n1", "h1"); !ok {
		t.Error("expected up to date")
	}
	if ok, _ := db.IsUpToDate("n1", "h2"); ok {
		t.Error("different hash must not be up to date")
	}

	got, err := db.Note("n1")
	if err != nil {
		t.Fatalf("Note: %v", err)
	}
	if got.Path != "Work/A.md" || !got.Created.Equal(rec.Created) {
		t.Errorf("Note = %+v", got)
	}

	rec.ContentHash = "h2"
	if err := db.RecordNote(rec); err != nil {
		t.Fatalf("RecordNote update: %v", err)
	}
	if ok, _ := db.IsUpToDate("n1", "h2"); !ok {
		t.Error("update not applied")
	}
}

func TestNoteNotFound(t *testing.T) {
	db := testDB(t)
	if _, err := db.Note("missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordNotePathConflict(t *testing.T) {
	db := testDB(t)
	_ = db.RecordNote(NoteRecord{NoteID: "a", ContentHash: "x", Path: "P.md"})
	err := db.RecordNote(NoteRecord{NoteID: "b", ContentHash: "y", Path: "P.md"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
	owner, _ := db.PathOwner("P.md")
	if owner != "a" {
		t.Errorf("owner = %q", owner)
	}
}

func TestNotesInDirOrdering(t *testing.T) {
	db := testDB(t)
	day := func(d int) time.Time { return time.Date(2021, 5, d, 0, 0, 0, 0, time.UTC) }
	_ = db.RecordNote(NoteRecord{NoteID: "c", Path: "W/c.md", Dir: "W", Title: "C", Created: day(3)})
	_ = db.RecordNote(NoteRecord{NoteID: "b", Path: "W/b.md", Dir: "W", Title: "B", Created: day(1)})
	_ = db.RecordNote(NoteRecord{NoteID: "a", Path: "W/a.md", Dir: "W", Title: "B", Created: day(1)})
	_ = db.RecordNote(NoteRecord{NoteID: "z", Path: "X/z.md", Dir: "X", Title: "Z", Created: day(1)})

	notes, err := db.NotesInDir("W")
	if err != nil {
		t.Fatalf("NotesInDir: %v", err)
	}
	var ids []string
	for _, n := range notes {
		ids = append(ids, n.NoteID)
	}
	want := []string{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids = %v, want %v", ids, want)
			break
		}
	}
}

func TestAttachmentDisplayNameConflict(t *testing.T) {
	db := testDB(t)
	if err := db.RecordAttachment(AttachmentRecord{ContentID: "c1", Path: "attachments/c1.png", DisplayName: "a.png"}); err != nil {
		t.Fatal(err)
	}
	// Re-recording the same content is fine.
	if err := db.RecordAttachment(AttachmentRecord{ContentID: "c1", Path: "attachments/c1.png", DisplayName: "a.png"}); err != nil {
		t.Fatalf("re-record: %v", err)
	}
	err := db.RecordAttachment(AttachmentRecord{ContentID: "c2", Path: "attachments/c2.png", DisplayName: "a.png"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
	owner, _ := db.DisplayNameOwner("a.png")
	if owner != "c1" {
		t.Errorf("owner = %q", owner)
	}
	if _, err := db.Attachment("c2"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("c2 should not exist: %v", err)
	}
}

func TestNotebookDirs(t *testing.T) {
	db := testDB(t)
	if err := db.ClaimNotebookDir("Work", "Work"); err != nil {
		t.Fatal(err)
	}
	if err := db.ClaimNotebookDir("work", "Work"); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
	dir, _ := db.NotebookDir("Work")
	if dir != "Work" {
		t.Errorf("dir = %q", dir)
	}
	dirs, _ := db.Dirs()
	if len(dirs) != 1 || dirs[0] != "Work" {
		t.Errorf("dirs = %v", dirs)
	}
}

func TestMetaAndReset(t *testing.T) {
	db := testDB(t)
	if _, ok, _ := db.Meta("templates"); ok {
		t.Error("meta set before write")
	}
	_ = db.SetMeta("templates", "1")
	_ = db.RecordNote(NoteRecord{NoteID: "n", Path: "n.md"})

	if v, ok, _ := db.Meta("templates"); !ok || v != "1" {
		t.Errorf("meta = %q, %v", v, ok)
	}
	if err := db.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if n, _ := db.CountNotes(); n != 0 {
		t.Errorf("notes after reset = %d", n)
	}
	if _, ok, _ := db.Meta("templates"); ok {
		t.Error("meta survived reset")
	}
}

func TestRuns(t *testing.T) {
	db := testDB(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = db.BeginRun("r1", "a.enex", start)
	_ = db.FinishRun(RunRecord{ID: "r1", Stage: "Completed", Written: 3, Failed: 1, FinishedAt: start.Add(time.Minute)})

	runs, err := db.Runs(10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Stage != "Completed" || runs[0].Written != 3 || runs[0].Failed != 1 {
		t.Errorf("runs = %+v", runs)
	}
}

func TestOpenOrRecoverCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	if err := os.WriteFile(path, []byte("this is definitely not a sqlite database file, just junk bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	db, err := OpenOrRecover(path, discardLogger())
	if err != nil {
		t.Fatalf("OpenOrRecover: %v", err)
	}
	defer db.Close()

	warn := db.Recovered()
	if warn == nil || warn.Kind != apperr.KindStateCorruption {
		t.Fatalf("Recovered = %v", warn)
	}
	if err := db.RecordNote(NoteRecord{NoteID: "n", Path: "n.md"}); err != nil {
		t.Fatalf("fresh store unusable: %v", err)
	}
	aside, _ := filepath.Glob(path + ".corrupt-*")
	if len(aside) != 1 {
		t.Errorf("corrupt file not moved aside: %v", aside)
	}
}

func TestOpenOrRecoverHealthy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := OpenOrRecover(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if db.Recovered() != nil {
		t.Error("healthy store reported recovery")
	}
}
