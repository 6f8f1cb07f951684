// Package jobs tracks background conversion runs started from the HTTP API,
// the inbox watcher and the MCP server.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/vaultport/internal/apperr"
	"github.com/starford/vaultport/internal/pipeline"
)

// Runner executes one conversion. *pipeline.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, src pipeline.Source, events chan<- pipeline.Event) (*pipeline.Manifest, error)
}

// Notifier receives job updates. *sse.Broker implements it.
type Notifier interface {
	PublishProgress(jobID, stage string, terminal bool, data any)
}

// Options configure a Manager.
type Options struct {
	Notifier Notifier
	Logger   *slog.Logger
	// SpoolDir receives uploaded bundles until their run finishes.
	SpoolDir string
	// History caps the number of finished jobs kept in memory.
	History int
}

// Status is a snapshot of one job.
type Status struct {
	ID         string             `json:"id"`
	Bundle     string             `json:"bundle"`
	Stage      pipeline.Stage     `json:"stage"`
	Progress   pipeline.Event     `json:"progress"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Error      string             `json:"error,omitempty"`
	Manifest   *pipeline.Manifest `json:"manifest,omitempty"`
}

type job struct {
	status Status
	cancel context.CancelFunc
	done   chan struct{}
	spool  string
}

// Manager runs at most one job at a time against its vault.
type Manager struct {
	runner Runner
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*job
	active string

	wg sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(runner Runner, opts Options) *Manager {
	if opts.History <= 0 {
		opts.History = 50
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner: runner,
		opts:   opts,
		logger: logger,
		jobs:   make(map[string]*job),
	}
}

// Start launches a run for src. It fails with apperr.ErrVaultBusy while
// another job is active.
func (m *Manager) Start(src pipeline.Source) (Status, error) {
	return m.start(src, "")
}

// StartUpload spools r into the spool directory and starts a run on it.
func (m *Manager) StartUpload(r io.Reader, name string) (Status, error) {
	if m.opts.SpoolDir == "" {
		return Status{}, errors.New("jobs: uploads are not enabled")
	}
	if m.Busy() {
		return Status{}, apperr.ErrVaultBusy
	}
	if err := os.MkdirAll(m.opts.SpoolDir, 0o755); err != nil {
		return Status{}, fmt.Errorf("jobs: create spool dir: %w", err)
	}
	f, err := os.CreateTemp(m.opts.SpoolDir, "upload-*.enex")
	if err != nil {
		return Status{}, fmt.Errorf("jobs: spool upload: %w", err)
	}
	path := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return Status{}, fmt.Errorf("jobs: spool upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return Status{}, fmt.Errorf("jobs: spool upload: %w", err)
	}

	src := pipeline.FileSource(path)
	if name != "" {
		src.Name = filepath.Base(name)
	}
	st, err := m.start(src, path)
	if err != nil {
		os.Remove(path)
	}
	return st, err
}

func (m *Manager) start(src pipeline.Source, spool string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != "" {
		return Status{}, apperr.ErrVaultBusy
	}

	if src.JobID == "" {
		src.JobID = uuid.NewString()
	}
	bundleName := src.Name
	if bundleName == "" && src.Path != "" {
		bundleName = filepath.Base(src.Path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		status: Status{
			ID:        src.JobID,
			Bundle:    bundleName,
			Stage:     pipeline.StageIdle,
			Progress:  pipeline.Event{JobID: src.JobID, Stage: pipeline.StageIdle, Remaining: -1},
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
		spool:  spool,
	}
	m.jobs[j.status.ID] = j
	m.active = j.status.ID
	m.prune()

	m.logger.Info("job started",
		slog.String("job_id", j.status.ID),
		slog.String("bundle", bundleName))

	m.wg.Add(1)
	go m.execute(ctx, j, src)

	return j.status, nil
}

func (m *Manager) execute(ctx context.Context, j *job, src pipeline.Source) {
	defer m.wg.Done()
	defer close(j.done)
	defer j.cancel()

	events := make(chan pipeline.Event)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range events {
			m.mu.Lock()
			j.status.Stage = ev.Stage
			j.status.Progress = ev
			m.mu.Unlock()
			if m.opts.Notifier != nil {
				m.opts.Notifier.PublishProgress(ev.JobID, string(ev.Stage), ev.Stage.Terminal(), ev)
			}
		}
	}()

	manifest, err := m.runner.Run(ctx, src, events)
	close(events)
	<-drained

	if j.spool != "" {
		if rmErr := os.Remove(j.spool); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			m.logger.Warn("job spool cleanup failed",
				slog.String("job_id", j.status.ID),
				slog.String("error", rmErr.Error()))
		}
	}

	now := time.Now().UTC()
	m.mu.Lock()
	j.status.FinishedAt = &now
	j.status.Manifest = manifest
	if manifest != nil {
		j.status.Stage = manifest.Stage
	}
	if err != nil {
		j.status.Error = err.Error()
		if manifest == nil {
			j.status.Stage = pipeline.StageFailed
		}
	}
	if m.active == j.status.ID {
		m.active = ""
	}
	st := j.status
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("job ended",
			slog.String("job_id", st.ID),
			slog.String("stage", string(st.Stage)),
			slog.String("error", err.Error()))
		return
	}
	m.logger.Info("job ended",
		slog.String("job_id", st.ID),
		slog.String("stage", string(st.Stage)),
		slog.Int("written", st.Progress.Written),
		slog.Int("skipped", st.Progress.Skipped),
		slog.Int("failed", st.Progress.Failed))
}

// prune drops the oldest finished jobs beyond the history cap. Callers hold mu.
func (m *Manager) prune() {
	if len(m.jobs) <= m.opts.History {
		return
	}
	var finished []*job
	for _, j := range m.jobs {
		if j.status.FinishedAt != nil {
			finished = append(finished, j)
		}
	}
	sort.Slice(finished, func(a, b int) bool {
		return finished[a].status.StartedAt.Before(finished[b].status.StartedAt)
	})
	for _, j := range finished {
		if len(m.jobs) <= m.opts.History {
			return
		}
		delete(m.jobs, j.status.ID)
	}
}

// Busy reports whether a job is running.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != ""
}

// Get returns the status of job id.
func (m *Manager) Get(id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Status{}, fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
	}
	return j.status, nil
}

// List returns all known jobs, newest first.
func (m *Manager) List() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.status)
	}
	m.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].StartedAt.Equal(out[b].StartedAt) {
			return out[a].StartedAt.After(out[b].StartedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Cancel requests cancellation of job id. Cancelling a finished job is
// apperr.ErrConflict.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
	}
	if j.status.FinishedAt != nil {
		return fmt.Errorf("job %s already %s: %w", id, j.status.Stage, apperr.ErrConflict)
	}
	j.cancel()
	return nil
}

// Wait blocks until job id finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Status, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	return m.Get(id)
}

// Close cancels running jobs and waits for them to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, j := range m.jobs {
		j.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
