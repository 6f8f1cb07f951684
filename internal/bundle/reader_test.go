package bundle

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/vaultport/internal/apperr"
	"github.com/starford/vaultport/internal/checksum"
	"github.com/starford/vaultport/internal/testutil"
)

func readAll(t *testing.T, r *Reader) []Record {
	t.Helper()
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, rec)
	}
}

func TestReadNotesInOrder(t *testing.T) {
	doc := testutil.ENEX(
		testutil.Note{GUID: "g1", Title: "First", Body: "<p>one</p>", Notebook: "Work", Tags: []string{"a", "b", "a"}},
		testutil.Note{GUID: "g2", Title: "Second", Body: "<p>two</p>"},
	)
	recs := readAll(t, NewReader(strings.NewReader(doc), Options{}))
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	first := recs[0].Note
	if first.ID != "g1" || first.Title != "First" || first.Notebook != "Work" {
		t.Errorf("first = %+v", first)
	}
	if len(first.Tags) != 2 {
		t.Errorf("tags = %v, want deduplicated", first.Tags)
	}
	if !strings.Contains(first.Body, "<p>one</p>") {
		t.Errorf("body = %q", first.Body)
	}
	if first.Created.IsZero() || first.Created.Year() != 2020 {
		t.Errorf("created = %v", first.Created)
	}
	if !first.Updated.Equal(first.Created) {
		t.Errorf("updated should default to created")
	}
	if recs[1].Ordinal != 2 {
		t.Errorf("ordinal = %d", recs[1].Ordinal)
	}
}

func TestDefaultNotebook(t *testing.T) {
	doc := testutil.ENEX(testutil.Note{Title: "x"})
	recs := readAll(t, NewReader(strings.NewReader(doc), Options{DefaultNotebook: "Inbox"}))
	if recs[0].Note.Notebook != "Inbox" {
		t.Errorf("notebook = %q", recs[0].Note.Notebook)
	}
}

func TestDerivedIDIsStable(t *testing.T) {
	doc := testutil.ENEX(testutil.Note{Title: "Plan", Created: "20210304T050607Z"})
	a := readAll(t, NewReader(strings.NewReader(doc), Options{}))
	b := readAll(t, NewReader(strings.NewReader(doc), Options{}))
	if a[0].Note.ID == "" || a[0].Note.ID != b[0].Note.ID {
		t.Errorf("ids = %q, %q", a[0].Note.ID, b[0].Note.ID)
	}
	if a[0].Note.ID != DeriveID("Plan", "20210304T050607Z") {
		t.Errorf("id = %q", a[0].Note.ID)
	}
}

func TestDuplicateIDsRenamed(t *testing.T) {
	doc := testutil.ENEX(
		testutil.Note{GUID: "same", Title: "A"},
		testutil.Note{GUID: "same", Title: "B"},
	)
	recs := readAll(t, NewReader(strings.NewReader(doc), Options{}))
	if recs[0].Note.ID != "same" || recs[1].Note.ID != "same~2" {
		t.Errorf("ids = %q, %q", recs[0].Note.ID, recs[1].Note.ID)
	}
	if len(recs[1].Warnings) == 0 {
		t.Error("expected duplicate warning")
	}
}

func TestResources(t *testing.T) {
	img := []byte("\x89PNG fake image bytes")
	doc := testutil.ENEX(testutil.Note{
		GUID:  "n",
		Title: "With image",
		Body:  testutil.Media(img, "image/png"),
		Resources: []testutil.Resource{
			{Data: img, MIME: "image/png", FileName: "photo.png"},
			{Data: []byte("blob")},
		},
	})
	recs := readAll(t, NewReader(strings.NewReader(doc), Options{}))
	atts := recs[0].Attachments
	if len(atts) != 2 {
		t.Fatalf("attachments = %d", len(atts))
	}
	if atts[0].SourceID != checksum.MD5(img) || string(atts[0].Data) != string(img) {
		t.Errorf("attachment 0 = %+v", atts[0])
	}
	if atts[0].DeclaredName != "photo.png" {
		t.Errorf("declared name = %q", atts[0].DeclaredName)
	}
	if atts[1].MIME != DefaultMIME {
		t.Errorf("mime = %q", atts[1].MIME)
	}
	if len(recs[0].Note.AttachmentRefs) != 2 {
		t.Errorf("refs = %v", recs[0].Note.AttachmentRefs)
	}
}

func TestCorruptResource(t *testing.T) {
	doc := testutil.ENEX(testutil.Note{
		GUID:      "n",
		Title:     "Broken attachment",
		Resources: []testutil.Resource{{RawData: "!!!not base64!!!", MIME: "image/png"}},
	})
	recs := readAll(t, NewReader(strings.NewReader(doc), Options{}))
	if recs[0].Err != nil {
		t.Fatalf("note should decode: %v", recs[0].Err)
	}
	att := recs[0].Attachments[0]
	if !att.Corrupt {
		t.Error("attachment should be marked corrupt")
	}
	if len(recs[0].Warnings) != 1 || recs[0].Warnings[0].Kind != apperr.KindAttachmentDecode {
		t.Errorf("warnings = %v", recs[0].Warnings)
	}
}

func TestMalformedNoteIsolated(t *testing.T) {
	doc := testutil.ENEX(
		testutil.Note{GUID: "a", Title: "Good one"},
		testutil.Note{Raw: "<note><title>Broken<title><content></content></note>"},
		testutil.Note{GUID: "c", Title: "Good two"},
	)
	recs := readAll(t, NewReader(strings.NewReader(doc), Options{}))
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	if recs[0].Err != nil || recs[2].Err != nil {
		t.Errorf("good notes failed: %v / %v", recs[0].Err, recs[2].Err)
	}
	if recs[1].Err == nil || recs[1].Err.Kind != apperr.KindNoteParse {
		t.Errorf("malformed note err = %v", recs[1].Err)
	}
}

func TestUnclosedNoteDoesNotSwallowNext(t *testing.T) {
	doc := testutil.ENEX(
		testutil.Note{GUID: "a", Title: "A"},
		testutil.Note{Raw: "<note><title>Broken</title><content>x</content>"},
		testutil.Note{GUID: "c", Title: "C"},
		testutil.Note{GUID: "d", Title: "D"},
	)
	recs := readAll(t, NewReader(strings.NewReader(doc), Options{}))
	if len(recs) != 4 {
		t.Fatalf("records = %d, want 4", len(recs))
	}
	if recs[1].Err == nil || recs[1].Err.Kind != apperr.KindNoteParse {
		t.Errorf("unclosed note err = %v", recs[1].Err)
	}
	if recs[1].Label != "Broken" {
		t.Errorf("label = %q", recs[1].Label)
	}
	for _, i := range []int{0, 2, 3} {
		if recs[i].Err != nil {
			t.Errorf("record %d failed: %v", i, recs[i].Err)
		}
	}
	if recs[2].Note.ID != "c" || recs[2].Ordinal != 3 {
		t.Errorf("third record = %+v", recs[2])
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "b.enex")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if n, err := CountFile(path); err != nil || n != 4 {
		t.Errorf("CountFile = %d, %v", n, err)
	}
}

func TestNoteWithAttributes(t *testing.T) {
	doc := testutil.ENEX(
		testutil.Note{Raw: `<note lang="en"><guid>attr</guid><title>Attributed</title><content>x</content></note>`},
		testutil.Note{GUID: "plain", Title: "Plain", Notebook: "Work"},
	)
	recs := readAll(t, NewReader(strings.NewReader(doc), Options{}))
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].Err != nil || recs[0].Note.ID != "attr" || recs[0].Note.Title != "Attributed" {
		t.Errorf("attributed note = %+v, err %v", recs[0].Note, recs[0].Err)
	}
	if recs[1].Note.Notebook != "Work" {
		t.Errorf("notebook element taken for a note: %+v", recs[1].Note)
	}
}

func TestTruncatedNote(t *testing.T) {
	doc := testutil.ENEX(testutil.Note{GUID: "a", Title: "Good"})
	doc = strings.TrimSuffix(doc, "</en-export>\n") + "<note><title>Cut off</title><content>"
	recs := readAll(t, NewReader(strings.NewReader(doc), Options{}))
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[1].Err == nil {
		t.Fatal("truncated note should fail")
	}
	if recs[1].Label != "Cut off" {
		t.Errorf("label = %q", recs[1].Label)
	}
}

func TestOversizedNote(t *testing.T) {
	doc := testutil.ENEX(
		testutil.Note{GUID: "big", Title: "Big", Body: "<p>" + strings.Repeat("x", 4096) + "</p>"},
		testutil.Note{GUID: "small", Title: "Small"},
	)
	recs := readAll(t, NewReader(strings.NewReader(doc), Options{MaxNoteBytes: 1024}))
	if len(recs) != 2 {
		t.Fatalf("records = %d", len(recs))
	}
	if recs[0].Err == nil {
		t.Error("oversized note should fail")
	}
	if recs[1].Err != nil || recs[1].Note.ID != "small" {
		t.Errorf("next note = %+v", recs[1])
	}
}

func TestNotABundle(t *testing.T) {
	r := NewReader(strings.NewReader("<html><body>nope</body></html>"), Options{})
	_, err := r.Next()
	if !errors.Is(err, apperr.ErrBundleFormat) {
		t.Fatalf("err = %v, want ErrBundleFormat", err)
	}
	// The error is sticky.
	if _, err := r.Next(); !errors.Is(err, apperr.ErrBundleFormat) {
		t.Errorf("second call err = %v", err)
	}
}

func TestEmptyEnvelope(t *testing.T) {
	r := NewReader(strings.NewReader(`<?xml version="1.0"?><en-export/>`), Options{})
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want EOF", err)
	}
}

func TestUnknownFieldsKept(t *testing.T) {
	raw := `<note><guid>u</guid><title>T</title><content>x</content>` +
		`<reminder-order>5</reminder-order><note-attributes><source>web.clip</source><source-url>https://example.com</source-url></note-attributes></note>`
	recs := readAll(t, NewReader(strings.NewReader(testutil.ENEX(testutil.Note{Raw: raw})), Options{}))
	n := recs[0].Note
	if n.Extra["reminder-order"] != "5" {
		t.Errorf("extra = %v", n.Extra)
	}
	if n.Attributes["source"] != "web.clip" || n.SourceURL != "https://example.com" {
		t.Errorf("attributes = %v, source url = %q", n.Attributes, n.SourceURL)
	}
}

func TestCountFile(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteBundle(t, dir, "b.enex",
		testutil.Note{GUID: "1", Title: "a"},
		testutil.Note{GUID: "2", Title: "b"},
		testutil.Note{GUID: "3", Title: "c"},
	)
	n, err := CountFile(path)
	if err != nil {
		t.Fatalf("CountFile: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}

	r, err := Open(filepath.Join(dir, "b.enex"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if c, _ := r.Count(); c != 3 {
		t.Errorf("Count = %d", c)
	}
	if got := len(readAll(t, r)); got != 3 {
		t.Errorf("read %d records", got)
	}
}

func TestStreamCountUnknown(t *testing.T) {
	r := NewReader(strings.NewReader(testutil.ENEX()), Options{})
	if c, _ := r.Count(); c != -1 {
		t.Errorf("Count = %d, want -1", c)
	}
}
