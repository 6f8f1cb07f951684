package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/vaultport/internal/apperr"
	"github.com/starford/vaultport/internal/pipeline"
	"github.com/starford/vaultport/internal/testutil"
)

// gateRunner emits one converting event and blocks until released or cancelled.
type gateRunner struct {
	release chan struct{}
	mu      sync.Mutex
	sources []pipeline.Source
	spooled []byte
}

func newGateRunner() *gateRunner {
	return &gateRunner{release: make(chan struct{})}
}

func (g *gateRunner) Run(ctx context.Context, src pipeline.Source, events chan<- pipeline.Event) (*pipeline.Manifest, error) {
	g.mu.Lock()
	g.sources = append(g.sources, src)
	if src.Path != "" {
		g.spooled, _ = os.ReadFile(src.Path)
	}
	g.mu.Unlock()

	events <- pipeline.Event{JobID: src.JobID, Stage: pipeline.StageConverting, Processed: 1, Remaining: 1, Written: 1}
	select {
	case <-g.release:
		events <- pipeline.Event{JobID: src.JobID, Stage: pipeline.StageCompleted, Processed: 2, Written: 2}
		return &pipeline.Manifest{JobID: src.JobID, Stage: pipeline.StageCompleted, Written: 2}, nil
	case <-ctx.Done():
		events <- pipeline.Event{JobID: src.JobID, Stage: pipeline.StageCancelled, Processed: 1, Remaining: 1, Written: 1}
		return &pipeline.Manifest{JobID: src.JobID, Stage: pipeline.StageCancelled, Written: 1}, ctx.Err()
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	stages []string
}

func (r *recordingNotifier) PublishProgress(_, stage string, _ bool, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

func (r *recordingNotifier) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stages...)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartAndComplete(t *testing.T) {
	runner := newGateRunner()
	notifier := &recordingNotifier{}
	m := NewManager(runner, Options{Notifier: notifier})
	defer m.Close()

	st, err := m.Start(pipeline.FileSource("/tmp/export.enex"))
	require.NoError(t, err)
	assert.NotEmpty(t, st.ID)
	assert.Equal(t, "export.enex", st.Bundle)
	assert.True(t, m.Busy())

	close(runner.release)
	final, err := m.Wait(waitCtx(t), st.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageCompleted, final.Stage)
	assert.Equal(t, 2, final.Progress.Written)
	require.NotNil(t, final.FinishedAt)
	require.NotNil(t, final.Manifest)
	assert.Empty(t, final.Error)
	assert.False(t, m.Busy())
	assert.Equal(t, []string{"Converting", "Completed"}, notifier.snapshot())
}

func TestStartWhileBusy(t *testing.T) {
	runner := newGateRunner()
	m := NewManager(runner, Options{})
	defer m.Close()

	first, err := m.Start(pipeline.FileSource("a.enex"))
	require.NoError(t, err)

	_, err = m.Start(pipeline.FileSource("b.enex"))
	assert.ErrorIs(t, err, apperr.ErrVaultBusy)

	close(runner.release)
	_, err = m.Wait(waitCtx(t), first.ID)
	require.NoError(t, err)

	_, err = m.Start(pipeline.FileSource("b.enex"))
	require.NoError(t, err)
}

func TestCancel(t *testing.T) {
	runner := newGateRunner()
	m := NewManager(runner, Options{})
	defer m.Close()

	st, err := m.Start(pipeline.FileSource("a.enex"))
	require.NoError(t, err)
	require.NoError(t, m.Cancel(st.ID))

	final, err := m.Wait(waitCtx(t), st.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageCancelled, final.Stage)
	assert.Contains(t, final.Error, "context canceled")

	err = m.Cancel(st.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestUnknownJob(t *testing.T) {
	m := NewManager(newGateRunner(), Options{})
	defer m.Close()

	_, err := m.Get("missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, m.Cancel("missing"), apperr.ErrNotFound)
	_, err = m.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListNewestFirstAndHistory(t *testing.T) {
	runner := newGateRunner()
	close(runner.release)
	m := NewManager(runner, Options{History: 2})
	defer m.Close()

	var ids []string
	for _, name := range []string{"a.enex", "b.enex", "c.enex"} {
		st, err := m.Start(pipeline.FileSource(name))
		require.NoError(t, err)
		_, err = m.Wait(waitCtx(t), st.ID)
		require.NoError(t, err)
		ids = append(ids, st.ID)
		time.Sleep(5 * time.Millisecond)
	}

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[1], list[1].ID)
	_, err := m.Get(ids[0])
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStartUploadSpoolsAndCleansUp(t *testing.T) {
	runner := newGateRunner()
	close(runner.release)
	spool := t.TempDir()
	m := NewManager(runner, Options{SpoolDir: spool})
	defer m.Close()

	st, err := m.StartUpload(strings.NewReader("<en-export/>"), "../upload.enex")
	require.NoError(t, err)
	assert.Equal(t, "upload.enex", st.Bundle)

	_, err = m.Wait(waitCtx(t), st.ID)
	require.NoError(t, err)

	runner.mu.Lock()
	assert.Equal(t, "<en-export/>", string(runner.spooled))
	runner.mu.Unlock()

	entries, err := os.ReadDir(spool)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStartUploadDisabled(t *testing.T) {
	m := NewManager(newGateRunner(), Options{})
	defer m.Close()
	_, err := m.StartUpload(strings.NewReader("x"), "x.enex")
	require.Error(t, err)
}

func TestCloseCancelsRunning(t *testing.T) {
	runner := newGateRunner()
	m := NewManager(runner, Options{})

	st, err := m.Start(pipeline.FileSource("a.enex"))
	require.NoError(t, err)
	m.Close()

	final, err := m.Get(st.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageCancelled, final.Stage)
}

func TestWithOrchestrator(t *testing.T) {
	_, fs := testutil.TestVault(t)
	orch := pipeline.New(pipeline.Deps{FS: fs, State: testutil.TestState(t)}, pipeline.Options{Workers: 2})
	m := NewManager(orch, Options{})
	defer m.Close()

	bundlePath := testutil.WriteBundle(t, t.TempDir(), "export.enex",
		testutil.Note{GUID: "a", Title: "Alpha", Notebook: "Work", Body: "<div>one</div>"},
		testutil.Note{GUID: "b", Title: "Beta", Body: "<div>two</div>"},
	)

	st, err := m.Start(pipeline.FileSource(bundlePath))
	require.NoError(t, err)
	final, err := m.Wait(waitCtx(t), st.ID)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StageCompleted, final.Stage)
	require.NotNil(t, final.Manifest)
	assert.Equal(t, 2, final.Manifest.Written)
	assert.Equal(t, st.ID, final.Manifest.JobID)
	assert.FileExists(t, filepath.Join(fs.Root(), "Work", "Alpha.md"))
}

func TestRunnerErrorWithoutManifest(t *testing.T) {
	m := NewManager(runnerFunc(func(context.Context, pipeline.Source, chan<- pipeline.Event) (*pipeline.Manifest, error) {
		return nil, errors.New("boom")
	}), Options{})
	defer m.Close()

	st, err := m.Start(pipeline.FileSource("a.enex"))
	require.NoError(t, err)
	final, err := m.Wait(waitCtx(t), st.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageFailed, final.Stage)
	assert.Equal(t, "boom", final.Error)
}

type runnerFunc func(context.Context, pipeline.Source, chan<- pipeline.Event) (*pipeline.Manifest, error)

func (f runnerFunc) Run(ctx context.Context, src pipeline.Source, events chan<- pipeline.Event) (*pipeline.Manifest, error) {
	return f(ctx, src, events)
}
