package attach

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/vaultport/internal/apperr"
	"github.com/starford/vaultport/internal/checksum"
	"github.com/starford/vaultport/internal/models"
	"github.com/starford/vaultport/internal/testutil"
)

type fakeMirror struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (m *fakeMirror) Upload(_ context.Context, key string, _ []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return m.err
}

func newStore(t *testing.T, mirror Mirror) (*Store, string) {
	t.Helper()
	dir, fs := testutil.TestVault(t)
	return New(fs, testutil.TestState(t), Options{Mirror: mirror}), dir
}

func png(data string) models.Attachment {
	return models.Attachment{SourceID: checksum.MD5([]byte(data)), NoteID: "n1", Data: []byte(data), MIME: "image/png", DeclaredName: "photo.png"}
}

func TestPutWritesContentAddressedFile(t *testing.T) {
	s, dir := newStore(t, nil)
	att := png("pixels")

	got, err := s.Put(context.Background(), att)
	require.NoError(t, err)

	id := checksum.Sum([]byte("pixels"))
	assert.Equal(t, "attachments/"+id+".png", got.Path)
	assert.Equal(t, id, got.ContentID)
	assert.Equal(t, "photo.png", got.DisplayName)
	assert.Equal(t, att.SourceID, got.SourceID)
	assert.False(t, got.Deduped)

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(got.Path)))
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))
}

func TestPutDeduplicatesAcrossNotes(t *testing.T) {
	mirror := &fakeMirror{}
	s, dir := newStore(t, mirror)

	first, err := s.Put(context.Background(), png("same"))
	require.NoError(t, err)
	other := png("same")
	other.NoteID = "n2"
	second, err := s.Put(context.Background(), other)
	require.NoError(t, err)

	assert.Equal(t, first.Path, second.Path)
	assert.True(t, second.Deduped)
	assert.Len(t, testutil.Files(t, dir), 1)
	assert.Len(t, mirror.keys, 1)
}

func TestPutConcurrentSameContent(t *testing.T) {
	s, dir := newStore(t, nil)

	var wg sync.WaitGroup
	paths := make([]string, 8)
	errs := make([]error, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := s.Put(context.Background(), png("shared"))
			paths[i], errs[i] = got.Path, err
		}(i)
	}
	wg.Wait()

	for i := range paths {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	assert.Len(t, testutil.Files(t, dir), 1)
}

func TestPutDisplayNameCollision(t *testing.T) {
	s, _ := newStore(t, nil)

	a, err := s.Put(context.Background(), png("one"))
	require.NoError(t, err)
	b, err := s.Put(context.Background(), png("two"))
	require.NoError(t, err)

	assert.Equal(t, "photo.png", a.DisplayName)
	assert.Equal(t, "photo-"+b.ContentID[:8]+".png", b.DisplayName)
	assert.NotEqual(t, a.Path, b.Path)
}

func TestPutFallbackDisplayName(t *testing.T) {
	s, _ := newStore(t, nil)
	got, err := s.Put(context.Background(), models.Attachment{SourceID: "x", Data: []byte("pdf"), MIME: "application/pdf"})
	require.NoError(t, err)
	assert.Equal(t, "application-"+got.ContentID[:8]+".pdf", got.DisplayName)
}

func TestPutCorruptPassesThrough(t *testing.T) {
	s, dir := newStore(t, nil)
	got, err := s.Put(context.Background(), models.Attachment{SourceID: "corrupt-0", MIME: "image/png", Corrupt: true})
	require.NoError(t, err)
	assert.True(t, got.Corrupt)
	assert.Empty(t, got.Path)
	assert.Empty(t, testutil.Files(t, dir))
}

func TestPutReusesUnrecordedIdenticalFile(t *testing.T) {
	s, dir := newStore(t, nil)
	id := checksum.Sum([]byte("existing"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "attachments"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "attachments", id+".png"), []byte("existing"), 0o644))

	got, err := s.Put(context.Background(), png("existing"))
	require.NoError(t, err)
	assert.True(t, got.Deduped)
}

func TestPutRestoresDeletedFile(t *testing.T) {
	s, dir := newStore(t, nil)
	first, err := s.Put(context.Background(), png("restore"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, filepath.FromSlash(first.Path))))

	again, err := s.Put(context.Background(), png("restore"))
	require.NoError(t, err)
	assert.False(t, again.Deduped)
	assert.Equal(t, first.DisplayName, again.DisplayName)
	_, err = os.Stat(filepath.Join(dir, filepath.FromSlash(first.Path)))
	assert.NoError(t, err)
}

func TestPutMirrorFailureIsNotFatal(t *testing.T) {
	mirror := &fakeMirror{err: errors.New("offline")}
	s, _ := newStore(t, mirror)
	_, err := s.Put(context.Background(), png("mirrored"))
	require.NoError(t, err)
	assert.Len(t, mirror.keys, 1)
}

func TestPutRetriesMirrorOnLaterRun(t *testing.T) {
	dir, fs := testutil.TestVault(t)
	db := testutil.TestState(t)

	offline := &fakeMirror{err: errors.New("offline")}
	_, err := New(fs, db, Options{Mirror: offline}).Put(context.Background(), png("later"))
	require.NoError(t, err)
	require.Len(t, offline.keys, 1)

	online := &fakeMirror{}
	next := New(fs, db, Options{Mirror: online})
	st, err := next.Put(context.Background(), png("later"))
	require.NoError(t, err)
	assert.True(t, st.Deduped)
	assert.Equal(t, []string{path.Base(st.Path)}, online.keys)

	_, err = next.Put(context.Background(), png("later"))
	require.NoError(t, err)
	assert.Len(t, online.keys, 1)
	assert.Len(t, testutil.Files(t, dir), 1)
}

func TestPutWriteFailure(t *testing.T) {
	s, dir := newStore(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "attachments"), []byte("not a dir"), 0o644))

	_, err := s.Put(context.Background(), png("blocked"))
	require.Error(t, err)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindAttachmentWrite, kind)
}

func TestPutCancelled(t *testing.T) {
	s, dir := newStore(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Put(ctx, png("late"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, testutil.Files(t, dir))
}

func TestExtension(t *testing.T) {
	cases := []struct {
		mime, name, want string
	}{
		{"image/jpeg", "", ".jpg"},
		{"IMAGE/PNG; charset=x", "", ".png"},
		{"image/svg+xml", "", ".svg"},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "", ".docx"},
		{"application/x-unknown-thing", "Report.KEY", ".key"},
		{"", "archive.tar.GZ", ".gz"},
		{"", "weird.ex-t!", ".ext"},
		{"", "averyveryverylongextension.abcdefghijklmnop", ".abcdefghij"},
		{"", "noext", DefaultExt},
		{"", "", DefaultExt},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Extension(tc.mime, tc.name), "mime=%q name=%q", tc.mime, tc.name)
	}
}
