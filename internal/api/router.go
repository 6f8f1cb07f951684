package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/vaultport/internal/jobs"
	"github.com/starford/vaultport/internal/storage"
)

// RouterOptions configure NewRouter.
type RouterOptions struct {
	AuthEnabled bool
	Token       string
	// SSE, if non-nil, is mounted at GET /events inside the auth group.
	SSE http.Handler
	// BundleRoot restricts bundle paths given by clients; empty allows any path.
	BundleRoot string
}

// NewRouter creates a chi router with all API routes mounted.
func NewRouter(mgr *jobs.Manager, vault storage.Provider, opts RouterOptions) chi.Router {
	h := NewHandler(mgr, vault, opts.BundleRoot)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(opts.AuthEnabled, opts.Token))

	// Jobs.
	r.Get("/jobs", h.ListJobs)
	r.Post("/jobs", h.StartJob)
	r.Get("/jobs/{id}", h.GetJob)
	r.Delete("/jobs/{id}", h.CancelJob)

	// Report of the last finished run on the vault.
	r.Get("/manifest", h.LastManifest)

	if opts.SSE != nil {
		r.Get("/events", opts.SSE.ServeHTTP)
	}

	return r
}
