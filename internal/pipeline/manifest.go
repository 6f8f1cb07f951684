package pipeline

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/starford/vaultport/internal/layout"
	"github.com/starford/vaultport/internal/models"
	"github.com/starford/vaultport/internal/storage"
)

// ManifestPath is where the last run's manifest is kept, relative to the vault root.
var ManifestPath = path.Join(layout.StateDir, "last-run.json")

// BrokenEmbed is a reference in a written note whose target is missing from the vault.
type BrokenEmbed struct {
	NoteID string `json:"note_id"`
	Path   string `json:"path"`
	Target string `json:"target"`
}

// Manifest summarizes a run. Every note of the bundle is accounted for as
// written, skipped or failed.
type Manifest struct {
	JobID              string           `json:"job_id"`
	Bundle             string           `json:"bundle"`
	Stage              Stage            `json:"stage"`
	StartedAt          time.Time        `json:"started_at"`
	FinishedAt         time.Time        `json:"finished_at"`
	Total              int              `json:"total"`
	Processed          int              `json:"processed"`
	Written            int              `json:"written"`
	Skipped            int              `json:"skipped"`
	Failed             int              `json:"failed"`
	AttachmentsStored  int              `json:"attachments_stored"`
	AttachmentsDeduped int              `json:"attachments_deduped"`
	IndexesWritten     int              `json:"indexes_written"`
	Failures           []models.Failure `json:"failures"`
	Warnings           []string         `json:"warnings,omitempty"`
	BrokenEmbeds       []BrokenEmbed    `json:"broken_embeds,omitempty"`
	Error              string           `json:"error,omitempty"`
}

// sortFailures orders failures independently of worker scheduling.
func (m *Manifest) sortFailures() {
	sort.SliceStable(m.Failures, func(i, j int) bool {
		a, b := m.Failures[i], m.Failures[j]
		if a.NoteID != b.NoteID {
			return a.NoteID < b.NoteID
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Attachment < b.Attachment
	})
	sort.SliceStable(m.BrokenEmbeds, func(i, j int) bool {
		if m.BrokenEmbeds[i].Path != m.BrokenEmbeds[j].Path {
			return m.BrokenEmbeds[i].Path < m.BrokenEmbeds[j].Path
		}
		return m.BrokenEmbeds[i].Target < m.BrokenEmbeds[j].Target
	})
}

// save writes the manifest into the vault.
func (m *Manifest) save(fs storage.Provider) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: encode manifest: %w", err)
	}
	if err := fs.Write(ManifestPath, append(data, '\n')); err != nil {
		return fmt.Errorf("pipeline: write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest of the last run on a vault.
func LoadManifest(fs storage.Provider) (*Manifest, error) {
	data, err := fs.Read(ManifestPath)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("pipeline: decode manifest: %w", err)
	}
	return &m, nil
}
