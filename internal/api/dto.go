package api

import (
	"github.com/starford/vaultport/internal/jobs"
)

// StartJobRequest is the JSON request body for starting a job from a bundle on disk.
type StartJobRequest struct {
	Path string `json:"path" example:"inbox/export.enex" validate:"required"`
}

// JobResponse is a job snapshot (aliased from the jobs layer).
type JobResponse = jobs.Status

// JobListResponse wraps job listings.
type JobListResponse struct {
	Jobs  []JobResponse `json:"jobs" validate:"required"`
	Total int           `json:"total" example:"3" validate:"required"`
}
