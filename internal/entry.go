// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/vaultport/internal/api"
	"github.com/starford/vaultport/internal/attach"
	"github.com/starford/vaultport/internal/inbox"
	"github.com/starford/vaultport/internal/jobs"
	"github.com/starford/vaultport/internal/layout"
	"github.com/starford/vaultport/internal/mcpserver"
	"github.com/starford/vaultport/internal/pipeline"
	"github.com/starford/vaultport/internal/sse"
	"github.com/starford/vaultport/internal/state"
	"github.com/starford/vaultport/internal/storage"
)

// runtime holds the collaborators shared by every command.
type runtime struct {
	cfg    *Config
	logger *slog.Logger
	fs     *storage.FS
	db     *state.DB
	orch   *pipeline.Orchestrator
}

func newApplication(opts []Option) (*application, error) {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if app.logOutput == nil {
		app.logOutput = os.Stdout
	}
	if app.version == "" {
		app.version = "dev"
	}
	return app, nil
}

func (a *application) newLogger() *slog.Logger {
	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(a.logOutput, &slog.HandlerOptions{
		Level: a.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// open prepares the vault, the state database and the orchestrator.
func (a *application) open(ctx context.Context) (*runtime, error) {
	cfg := a.config
	logger := a.newLogger()

	dbPath := cfg.State.DBPath(cfg.Vault.Path)
	logger.Info("Configuration loaded",
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("state_path", dbPath),
		slog.Int("workers", cfg.Pipeline.Workers),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure vault directory exists.
	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}

	// Initialize storage.
	fs, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := state.OpenOrRecover(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("init state: %w", err)
	}

	var mirror attach.Mirror
	if cfg.Mirror.Enabled {
		m, err := attach.NewBucketMirror(ctx, cfg.Mirror.Attach(), logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init mirror: %w", err)
		}
		mirror = m
	}

	orch := pipeline.New(pipeline.Deps{
		FS:     fs,
		State:  db,
		Mirror: mirror,
		Logger: logger,
	}, pipeline.Options{
		Workers:         cfg.Pipeline.Workers,
		QueueSize:       cfg.Pipeline.QueueSize,
		MaxNoteBytes:    cfg.Pipeline.MaxNoteBytes,
		DefaultNotebook: cfg.Vault.DefaultNotebook,
		AttachmentsDir:  cfg.Vault.AttachmentsDir,
		TemplatesDir:    cfg.Vault.TemplatesDir,
		EmbedStyle:      cfg.Vault.EmbedStyle,
		Templates:       cfg.Vault.Templates,
	})

	return &runtime{cfg: cfg, logger: logger, fs: fs, db: db, orch: orch}, nil
}

func (r *runtime) Close() {
	if err := r.db.Close(); err != nil {
		r.logger.Warn("close state failed", slog.String("error", err.Error()))
	}
}

// Convert runs one conversion of bundlePath in the foreground. SIGINT and
// SIGTERM cancel the run; notes already written stay complete.
func Convert(ctx context.Context, bundlePath string, opts ...Option) (*pipeline.Manifest, error) {
	app, err := newApplication(opts)
	if err != nil {
		return nil, err
	}
	rt, err := app.open(ctx)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := make(chan pipeline.Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if app.progress != nil {
				app.progress(ev, ev.Stage.Terminal())
			}
		}
	}()

	manifest, err := rt.orch.Run(ctx, pipeline.FileSource(bundlePath), events)
	close(events)
	<-done
	return manifest, err
}

// Reset clears the conversion state of the vault. Files are left in place;
// the next run treats every note as new. A running conversion blocks the reset.
func Reset(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	rt, err := app.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	fl, err := pipeline.LockVault(rt.fs.Root())
	if err != nil {
		return err
	}
	defer fl.Unlock() //nolint:errcheck // released on exit anyway

	notes, err := rt.db.CountNotes()
	if err != nil {
		return err
	}
	if err := rt.db.Reset(); err != nil {
		return err
	}
	rt.logger.Info("State reset", slog.Int("notes_forgotten", notes))
	return nil
}

// ServeMCP serves the MCP tools on stdin/stdout until the client disconnects.
func ServeMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	rt, err := app.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	mgr := jobs.NewManager(rt.orch, jobs.Options{Logger: rt.logger})
	defer mgr.Close()

	rt.logger.Info("MCP server starting", slog.String("transport", "stdio"))
	return mcpserver.New(mgr, rt.fs, app.version).ServeStdio()
}

// Run starts the HTTP control server with the optional inbox watcher.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	rt, err := app.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := rt.cfg
	logger := rt.logger

	// SSE broker.
	broker := sse.NewBroker(500 * time.Millisecond)
	defer broker.Close()

	mgr := jobs.NewManager(rt.orch, jobs.Options{
		Notifier: broker,
		Logger:   logger,
		SpoolDir: filepath.Join(cfg.Vault.Path, layout.StateDir, "uploads"),
	})
	defer mgr.Close()

	apiRouter := api.NewRouter(mgr, rt.fs, api.RouterOptions{
		AuthEnabled: cfg.Auth.AuthEnabled(),
		Token:       cfg.Auth.Token,
		SSE:         broker,
		BundleRoot:  cfg.Inbox.Dir,
	})

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := rt.fs.Probe(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"vault unwritable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Watch the inbox and publish bundle outcomes.
	if cfg.Inbox.Watch {
		g.Go(func() error {
			return inbox.Watch(gCtx, cfg.Inbox.Dir, cfg.Inbox.Settle, mgr, logger, func(kind, name string, st jobs.Status) {
				broker.Publish(sse.Event{Type: sse.TypeInboxBundle, Data: map[string]string{
					"outcome": kind,
					"bundle":  name,
					"job_id":  st.ID,
					"stage":   string(st.Stage),
				}})
			})
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown stops the remaining server goroutines after a signal.
var errShutdown = errors.New("shutdown")
