package internal

import (
	"io"

	"github.com/starford/vaultport/internal/pipeline"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config    *Config
	logOutput io.Writer
	version   string
	progress  ProgressFunc
}

// ProgressFunc receives conversion progress in Convert.
type ProgressFunc func(ev pipeline.Event, final bool)

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogOutput sets where the JSON logger writes (stdout by default).
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOutput = w
	}
}

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) Option {
	return func(a *application) {
		a.version = v
	}
}

// WithProgress sets the progress callback used by Convert.
func WithProgress(fn ProgressFunc) Option {
	return func(a *application) {
		a.progress = fn
	}
}
