package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/starford/vaultport/internal/apperr"
	"github.com/starford/vaultport/internal/jobs"
	"github.com/starford/vaultport/internal/pipeline"
	"github.com/starford/vaultport/internal/storage"
)

// Handler holds API route handlers.
type Handler struct {
	jobs       *jobs.Manager
	vault      storage.Provider
	bundleRoot string
}

// NewHandler creates a new Handler.
func NewHandler(mgr *jobs.Manager, vault storage.Provider, bundleRoot string) *Handler {
	return &Handler{jobs: mgr, vault: vault, bundleRoot: bundleRoot}
}

// ListJobs handles GET /api/jobs.
//
//	@Summary		List known migration jobs, newest first
//	@Tags			jobs
//	@Produce		json
//	@Success		200	{object}	JobListResponse
//	@Security		BearerAuth
//	@Router			/jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, _ *http.Request) {
	items := h.jobs.List()
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: items, Total: len(items)})
}

// GetJob handles GET /api/jobs/{id}.
//
//	@Summary		Get one job with its progress and final manifest
//	@Tags			jobs
//	@Produce		json
//	@Param			id	path		string	true	"Job id"
//	@Success		200	{object}	JobResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.jobs.Get(id)
	if err != nil {
		writeJobError(w, "get job failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// StartJob handles POST /api/jobs.
//
// A JSON body names a bundle on disk; a multipart body uploads one in the
// "file" field.
//
//	@Summary		Start a migration job
//	@Tags			jobs
//	@Accept			json
//	@Accept			mpfd
//	@Produce		json
//	@Param			body	body		StartJobRequest	false	"Bundle on disk"
//	@Success		202		{object}	JobResponse
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/jobs [post]
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		h.uploadJob(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req StartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	path, err := resolveBundle(h.bundleRoot, req.Path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if info, statErr := os.Stat(path); statErr != nil || info.IsDir() {
		writeJSON(w, http.StatusBadRequest, errorBody("bundle not found"))
		return
	}

	st, err := h.jobs.Start(pipeline.FileSource(path))
	if err != nil {
		writeJobError(w, "start job failed", path, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// uploadJob handles multipart uploads (field "file").
func (h *Handler) uploadJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid multipart"))
		return
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		st, err := h.jobs.StartUpload(part, part.FileName())
		part.Close()
		if err != nil {
			writeJobError(w, "upload job failed", part.FileName(), err)
			return
		}
		writeJSON(w, http.StatusAccepted, st)
		return
	}
}

// CancelJob handles DELETE /api/jobs/{id}.
//
//	@Summary		Cancel a running job
//	@Tags			jobs
//	@Param			id	path	string	true	"Job id"
//	@Success		202	{object}	JobResponse
//	@Failure		404	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/jobs/{id} [delete]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.jobs.Cancel(id); err != nil {
		writeJobError(w, "cancel job failed", id, err)
		return
	}
	st, err := h.jobs.Get(id)
	if err != nil {
		writeJobError(w, "cancel job failed", id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// LastManifest handles GET /api/manifest.
//
//	@Summary		Get the report of the last finished run
//	@Tags			jobs
//	@Produce		json
//	@Success		200	{object}	pipeline.Manifest
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/manifest [get]
func (h *Handler) LastManifest(w http.ResponseWriter, _ *http.Request) {
	m, err := pipeline.LoadManifest(h.vault)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(w, http.StatusNotFound, errorBody("no finished run"))
			return
		}
		slog.Error("load manifest failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func writeJobError(w http.ResponseWriter, msg, ref string, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrVaultBusy):
		writeJSON(w, http.StatusConflict, errorBody("a migration is already running"))
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	default:
		slog.Error(msg, slog.String("ref", ref), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}
