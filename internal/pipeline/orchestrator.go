// Package pipeline drives a bundle through conversion into a vault.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/vaultport/internal/apperr"
	"github.com/starford/vaultport/internal/attach"
	"github.com/starford/vaultport/internal/bundle"
	"github.com/starford/vaultport/internal/layout"
	"github.com/starford/vaultport/internal/models"
	"github.com/starford/vaultport/internal/parser"
	"github.com/starford/vaultport/internal/state"
	"github.com/starford/vaultport/internal/storage"
	"github.com/starford/vaultport/internal/transform"
)

// Deps are the collaborators shared by every run on one vault.
type Deps struct {
	FS     storage.Provider
	State  *state.DB
	Mirror attach.Mirror // optional
	Logger *slog.Logger
}

// Options tune a run.
type Options struct {
	Workers         int
	QueueSize       int
	MaxNoteBytes    int
	DefaultNotebook string
	AttachmentsDir  string
	TemplatesDir    string
	EmbedStyle      string
	// Templates enables one-time vault scaffolding.
	Templates bool
}

// DefaultWorkers is used when Options.Workers is not positive.
const DefaultWorkers = 4

// Orchestrator runs conversions. Runs on the same vault exclude each other
// through a file lock, so a second concurrent run fails with apperr.ErrVaultBusy.
type Orchestrator struct {
	deps        Deps
	opts        Options
	transformer *transform.Transformer
	logger      *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers * 2
	}
	if opts.DefaultNotebook == "" {
		opts.DefaultNotebook = layout.UnfiledDir
	}
	if opts.AttachmentsDir == "" {
		opts.AttachmentsDir = attach.DefaultDir
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:        deps,
		opts:        opts,
		transformer: transform.New(transform.Options{EmbedStyle: opts.EmbedStyle}),
		logger:      logger,
	}
}

type item struct {
	rec       bundle.Record
	placement layout.Placement
}

type outcome int

const (
	outcomeWritten outcome = iota
	outcomeSkipped
	outcomeFailed
)

// run holds the mutable state of one Run call.
type run struct {
	o       *Orchestrator
	jobID   string
	events  chan<- Event
	logger  *slog.Logger
	store   *attach.Store
	planner *layout.Planner

	mu     sync.Mutex // guards m and placed, and orders events
	m      *Manifest
	placed []string
}

// Run converts src into the vault, sending progress on events. Progress
// events are dropped once ctx is done; the terminal event is always sent,
// so callers must keep receiving until Run returns. Run does not close events.
//
// The manifest is returned in every case. The error is non-nil when the run
// ends Failed (fatal condition) or Cancelled (ctx error).
func (o *Orchestrator) Run(ctx context.Context, src Source, events chan<- Event) (*Manifest, error) {
	jobID := src.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	r := &run{
		o:      o,
		jobID:  jobID,
		events: events,
		logger: o.logger.With(slog.String("job_id", jobID)),
		m: &Manifest{
			JobID:     jobID,
			Bundle:    src.label(),
			Stage:     StageIdle,
			StartedAt: time.Now().UTC(),
			Total:     -1,
			Failures:  []models.Failure{},
		},
	}

	fl, err := LockVault(o.deps.FS.Root())
	if err != nil {
		return r.finish(StageFailed, err, false)
	}
	defer fl.Unlock()

	return r.execute(ctx, src)
}

func (r *run) execute(ctx context.Context, src Source) (*Manifest, error) {
	o := r.o
	if err := o.deps.FS.Probe(); err != nil {
		return r.finish(StageFailed, err, false)
	}
	if n, err := o.deps.FS.SweepTemp(); err != nil {
		r.logger.Warn("temp sweep failed", slog.String("error", err.Error()))
	} else if n > 0 {
		r.logger.Info("removed interrupted writes", slog.Int("count", n))
	}
	if w := o.deps.State.Recovered(); w != nil {
		r.warn(w.Error())
	}
	if err := o.deps.State.BeginRun(r.jobID, r.m.Bundle, r.m.StartedAt); err != nil {
		r.logger.Warn("record run start", slog.String("error", err.Error()))
	}

	r.store = attach.New(o.deps.FS, o.deps.State, attach.Options{
		Dir:    o.opts.AttachmentsDir,
		Mirror: o.deps.Mirror,
		Logger: r.logger,
	})
	r.planner = layout.New(o.deps.FS, o.deps.State, layout.Options{
		AttachmentsDir: o.opts.AttachmentsDir,
		TemplatesDir:   o.opts.TemplatesDir,
		MarkdownLinks:  o.opts.EmbedStyle == transform.EmbedMarkdown,
		Logger:         r.logger,
	})

	r.transition(ctx, StageReadingBundle)
	reader, total, err := src.open(bundle.Options{
		DefaultNotebook: o.opts.DefaultNotebook,
		MaxNoteBytes:    o.opts.MaxNoteBytes,
	})
	if err != nil {
		return r.finish(StageFailed, err, true)
	}
	defer reader.Close()
	r.mu.Lock()
	r.m.Total = total
	r.mu.Unlock()

	// The first record is read here so an unrecognized envelope fails the
	// run before any conversion starts.
	var first *bundle.Record
	rec, err := reader.Next()
	switch {
	case err == nil:
		first = &rec
	case !errors.Is(err, io.EOF):
		return r.finish(StageFailed, err, true)
	}

	if err := r.convert(ctx, reader, first); err != nil {
		return r.abort(ctx, err)
	}

	r.transition(ctx, StagePlanningLayout)
	indexes, err := r.planner.WriteIndexes(ctx)
	if err != nil {
		return r.abort(ctx, err)
	}
	r.mu.Lock()
	r.m.IndexesWritten = indexes
	r.mu.Unlock()
	if o.opts.Templates {
		if _, err := r.planner.EmitTemplates(); err != nil {
			r.warn(fmt.Sprintf("vault scaffolding: %v", err))
		}
	}

	r.transition(ctx, StageFinalizing)
	if err := r.verify(ctx); err != nil {
		return r.abort(ctx, err)
	}
	return r.finish(StageCompleted, nil, true)
}

// convert runs the single producer and the worker pool.
func (r *run) convert(ctx context.Context, reader *bundle.Reader, first *bundle.Record) error {
	r.transition(ctx, StageConverting)

	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan item, r.o.opts.QueueSize)

	g.Go(func() error {
		defer close(queue)
		for rec := first; rec != nil; {
			if err := r.enqueue(gctx, queue, *rec); err != nil {
				return err
			}
			next, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			rec = &next
		}
		return nil
	})

	for i := 0; i < r.o.opts.Workers; i++ {
		g.Go(func() error {
			for it := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := r.process(gctx, it); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// enqueue assigns a placement in bundle order and hands the note to the workers.
func (r *run) enqueue(ctx context.Context, queue chan<- item, rec bundle.Record) error {
	if rec.Err != nil {
		r.noteDone(ctx, rec.Label, outcomeFailed, failureFrom(rec.Err, models.Note{Title: rec.Label}))
		return nil
	}
	pl, err := r.planner.Assign(rec.Note)
	if err != nil {
		f := failureFrom(err, rec.Note)
		f.Kind = string(apperr.KindLayoutWrite)
		r.noteDone(ctx, rec.Note.Title, outcomeFailed, f)
		return nil
	}
	select {
	case queue <- item{rec: rec, placement: pl}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process converts and places one note. Only fatal and cancellation errors are returned.
func (r *run) process(ctx context.Context, it item) error {
	note := it.rec.Note
	for _, w := range it.rec.Warnings {
		r.recordWarning(w, note)
	}

	stored := make(map[string]models.StoredAttachment, len(it.rec.Attachments))
	for _, att := range it.rec.Attachments {
		st, err := r.store.Put(ctx, att)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.addFailure(failureFrom(err, note))
			continue
		}
		stored[att.SourceID] = st
		if !st.Corrupt {
			r.countAttachment(st.Deduped)
		}
	}

	conv, err := r.o.transformer.Convert(note, stored)
	if err != nil {
		r.noteDone(ctx, note.Title, outcomeFailed, failureFrom(err, note))
		return nil
	}

	res, err := r.planner.Place(ctx, it.placement, conv)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case apperr.IsFatal(err):
		return err
	default:
		r.noteDone(ctx, note.Title, outcomeFailed, failureFrom(err, note))
		return nil
	}

	r.mu.Lock()
	r.placed = append(r.placed, res.Path)
	r.mu.Unlock()
	if res.Written {
		r.noteDone(ctx, note.Title, outcomeWritten, models.Failure{})
	} else {
		r.noteDone(ctx, note.Title, outcomeSkipped, models.Failure{})
	}
	return nil
}

// verify checks that every embed and local link of the notes placed in
// this run resolves to a file in the vault.
func (r *run) verify(ctx context.Context) error {
	r.mu.Lock()
	paths := append([]string(nil), r.placed...)
	r.mu.Unlock()
	sort.Strings(paths)

	fs := r.o.deps.FS
	var broken []BrokenEmbed
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := fs.Read(p)
		if err != nil {
			r.warn(fmt.Sprintf("verify %s: %v", p, err))
			continue
		}
		noteID := parser.Parse(data).Meta.NoteID
		outline := transform.ParseOutline(data)
		for _, target := range append(outline.Embeds, outline.Links...) {
			if !isVaultPath(target) {
				continue
			}
			if ok, err := fs.Exists(target); err == nil && ok {
				continue
			}
			broken = append(broken, BrokenEmbed{NoteID: noteID, Path: p, Target: target})
		}
	}

	r.mu.Lock()
	r.m.BrokenEmbeds = broken
	r.mu.Unlock()
	if len(broken) > 0 {
		r.logger.Warn("broken embeds", slog.Int("count", len(broken)))
	}
	return nil
}

func isVaultPath(target string) bool {
	return target != "" &&
		!strings.Contains(target, "://") &&
		!strings.HasPrefix(target, "mailto:") &&
		!strings.HasPrefix(target, "#")
}

func (r *run) abort(ctx context.Context, err error) (*Manifest, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return r.finish(StageCancelled, ctxErr, true)
	}
	return r.finish(StageFailed, err, true)
}

// finish records the terminal stage, persists the manifest and sends the final event.
func (r *run) finish(stage Stage, runErr error, persist bool) (*Manifest, error) {
	r.mu.Lock()
	r.m.Stage = stage
	r.m.FinishedAt = time.Now().UTC()
	if runErr != nil {
		r.m.Error = runErr.Error()
	}
	if stage == StageCompleted && r.m.Total < r.m.Processed {
		r.m.Total = r.m.Processed
	}
	r.m.sortFailures()
	ev := r.eventLocked("")
	m := r.m
	r.mu.Unlock()

	if persist {
		if err := m.save(r.o.deps.FS); err != nil {
			r.logger.Error("save manifest", slog.String("error", err.Error()))
		}
		err := r.o.deps.State.FinishRun(state.RunRecord{
			ID:         m.JobID,
			Bundle:     m.Bundle,
			Stage:      string(stage),
			Written:    m.Written,
			Skipped:    m.Skipped,
			Failed:     m.Failed,
			StartedAt:  m.StartedAt,
			FinishedAt: m.FinishedAt,
		})
		if err != nil {
			r.logger.Error("record run", slog.String("error", err.Error()))
		}
	}

	attrs := []any{
		slog.String("stage", string(stage)),
		slog.Int("written", m.Written),
		slog.Int("skipped", m.Skipped),
		slog.Int("failed", m.Failed),
	}
	if runErr != nil {
		r.logger.Error("run finished", append(attrs, slog.String("error", runErr.Error()))...)
	} else {
		r.logger.Info("run finished", attrs...)
	}

	if r.events != nil {
		r.events <- ev
	}
	return m, runErr
}

func (r *run) transition(ctx context.Context, s Stage) {
	r.mu.Lock()
	r.m.Stage = s
	r.sendLocked(ctx, r.eventLocked(""))
	r.mu.Unlock()
	r.logger.Debug("stage", slog.String("stage", string(s)))
}

func (r *run) noteDone(ctx context.Context, label string, out outcome, f models.Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Processed++
	switch out {
	case outcomeWritten:
		r.m.Written++
	case outcomeSkipped:
		r.m.Skipped++
	case outcomeFailed:
		r.m.Failed++
		r.m.Failures = append(r.m.Failures, f)
		r.logger.Warn("note failed",
			slog.String("kind", f.Kind),
			slog.String("note_id", f.NoteID),
			slog.String("error", f.Message),
		)
	}
	r.sendLocked(ctx, r.eventLocked(label))
}

func (r *run) addFailure(f models.Failure) {
	r.mu.Lock()
	r.m.Failures = append(r.m.Failures, f)
	r.mu.Unlock()
	r.logger.Warn("item failed",
		slog.String("kind", f.Kind),
		slog.String("note_id", f.NoteID),
		slog.String("attachment", f.Attachment),
		slog.String("error", f.Message),
	)
}

func (r *run) recordWarning(w *apperr.ItemError, note models.Note) {
	if w.Kind == apperr.KindAttachmentDecode {
		r.addFailure(failureFrom(w, note))
		return
	}
	r.warn(w.Error())
}

func (r *run) warn(msg string) {
	r.mu.Lock()
	r.m.Warnings = append(r.m.Warnings, msg)
	r.mu.Unlock()
	r.logger.Warn("run warning", slog.String("warning", msg))
}

func (r *run) countAttachment(deduped bool) {
	r.mu.Lock()
	if deduped {
		r.m.AttachmentsDeduped++
	} else {
		r.m.AttachmentsStored++
	}
	r.mu.Unlock()
}

func (r *run) eventLocked(label string) Event {
	remaining := -1
	if r.m.Total >= 0 {
		remaining = max(r.m.Total-r.m.Processed, 0)
	}
	return Event{
		JobID:     r.jobID,
		Stage:     r.m.Stage,
		Processed: r.m.Processed,
		Remaining: remaining,
		Written:   r.m.Written,
		Skipped:   r.m.Skipped,
		Failed:    r.m.Failed,
		Item:      label,
	}
}

func (r *run) sendLocked(ctx context.Context, ev Event) {
	if r.events == nil {
		return
	}
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

// failureFrom converts an error into a manifest entry for note.
func failureFrom(err error, note models.Note) models.Failure {
	f := models.Failure{
		Kind:    string(apperr.KindConversion),
		NoteID:  note.ID,
		Title:   note.Title,
		Message: err.Error(),
	}
	var ie *apperr.ItemError
	if errors.As(err, &ie) {
		f.Kind = string(ie.Kind)
		if ie.NoteID != "" {
			f.NoteID = ie.NoteID
		}
		if ie.Kind == apperr.KindAttachmentDecode || ie.Kind == apperr.KindAttachmentWrite {
			f.Attachment = ie.Ref
		}
		if ie.Err != nil {
			f.Message = ie.Err.Error()
		}
	}
	return f
}
