// Package inbox converts bundles dropped into a watched directory.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/vaultport/internal/apperr"
	"github.com/starford/vaultport/internal/jobs"
	"github.com/starford/vaultport/internal/pipeline"
)

// Outcome directories created inside the inbox.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// DefaultSettle is how long a bundle must stay unchanged before it is picked up.
const DefaultSettle = 2 * time.Second

// Submitter starts and awaits jobs. *jobs.Manager implements it.
type Submitter interface {
	Start(src pipeline.Source) (jobs.Status, error)
	Wait(ctx context.Context, id string) (jobs.Status, error)
}

// EventCallback is called when a dropped bundle finishes. kind is
// "processed" or "failed".
type EventCallback func(kind, name string, st jobs.Status)

type pending struct {
	size    int64
	changed time.Time
}

// Watch processes bundles in dir until ctx is cancelled. Bundles already in
// dir when Watch starts are picked up too. A bundle is submitted once its
// size has not changed for settle; while the vault is busy it stays queued.
// Finished bundles are moved to the processed or failed subdirectory.
func Watch(ctx context.Context, dir string, settle time.Duration, sub Submitter, logger *slog.Logger, cb EventCallback) error {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("inbox: create dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("inbox: watch %s: %w", dir, err)
	}

	logger.Info("inbox: started", slog.String("dir", dir))

	queue := make(map[string]*pending)
	inFlight := make(map[string]struct{})
	finished := make(chan string)

	note := func(path string) {
		if !isBundle(path) {
			return
		}
		if _, busy := inFlight[path]; busy {
			return
		}
		info, statErr := os.Stat(path)
		if statErr != nil || !info.Mode().IsRegular() {
			delete(queue, path)
			return
		}
		queue[path] = &pending{size: info.Size(), changed: time.Now()}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("inbox: list %s: %w", dir, err)
	}
	for _, e := range entries {
		note(filepath.Join(dir, e.Name()))
	}

	// settleTimer debounces submission until writes stop.
	var settleTimer *time.Timer
	var settleCh <-chan time.Time

	schedule := func(d time.Duration) {
		if settleTimer == nil {
			settleTimer = time.NewTimer(d)
			settleCh = settleTimer.C
		} else {
			settleTimer.Reset(d)
		}
	}
	if len(queue) > 0 {
		schedule(settle)
	}

	submit := func() {
		now := time.Now()
		var wait time.Duration
		for path, p := range queue {
			info, statErr := os.Stat(path)
			if statErr != nil {
				delete(queue, path)
				continue
			}
			if info.Size() != p.size {
				p.size = info.Size()
				p.changed = now
			}
			if left := settle - now.Sub(p.changed); left > 0 {
				wait = minPositive(wait, left)
				continue
			}

			st, startErr := sub.Start(pipeline.FileSource(path))
			if errors.Is(startErr, apperr.ErrVaultBusy) {
				wait = minPositive(wait, settle)
				continue
			}
			delete(queue, path)
			if startErr != nil {
				logger.Warn("inbox: start failed",
					slog.String("path", path),
					slog.String("error", startErr.Error()))
				settleBundle(dir, path, FailedDir, jobs.Status{Error: startErr.Error()}, logger, cb)
				continue
			}
			logger.Info("inbox: submitted",
				slog.String("path", path),
				slog.String("job_id", st.ID))
			inFlight[path] = struct{}{}
			go func(path, id string) {
				final, waitErr := sub.Wait(ctx, id)
				if waitErr == nil {
					kind := ProcessedDir
					if final.Stage != pipeline.StageCompleted {
						kind = FailedDir
					}
					settleBundle(dir, path, kind, final, logger, cb)
				}
				select {
				case finished <- path:
				case <-ctx.Done():
				}
			}(path, st.ID)
		}
		if wait > 0 {
			schedule(wait)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if settleTimer != nil {
				settleTimer.Stop()
			}
			logger.Info("inbox: stopped")
			return nil

		case <-settleCh:
			submit()

		case path := <-finished:
			delete(inFlight, path)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				note(ev.Name)
				if _, queued := queue[ev.Name]; queued {
					schedule(settle)
				}
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(queue, ev.Name)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("inbox: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

// settleBundle moves a finished bundle into the outcome subdirectory.
func settleBundle(dir, path, kind string, st jobs.Status, logger *slog.Logger, cb EventCallback) {
	dest := filepath.Join(dir, kind)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		logger.Warn("inbox: create outcome dir failed", slog.String("error", err.Error()))
		return
	}
	name := filepath.Base(path)
	target := uniqueTarget(dest, name)
	if err := os.Rename(path, target); err != nil {
		logger.Warn("inbox: move bundle failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}
	logger.Info("inbox: bundle "+kind,
		slog.String("path", target),
		slog.String("stage", string(st.Stage)))
	if cb != nil {
		cb(kind, name, st)
	}
}

// uniqueTarget returns dest/name, adding a numeric suffix if it exists.
func uniqueTarget(dest, name string) string {
	target := filepath.Join(dest, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			return target
		}
		target = filepath.Join(dest, fmt.Sprintf("%s-%d%s", stem, i, ext))
	}
}

func isBundle(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && strings.EqualFold(filepath.Ext(base), ".enex")
}

func minPositive(a, b time.Duration) time.Duration {
	if a <= 0 || b < a {
		return b
	}
	return a
}
