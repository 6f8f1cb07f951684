package pipeline

import (
	"errors"
	"io"
	"path/filepath"

	"github.com/starford/vaultport/internal/bundle"
)

// Source is the bundle a run consumes: a file (which allows a pre-count of
// notes) or a single-pass stream.
type Source struct {
	Path   string
	Reader io.Reader
	// Name labels the bundle in manifests; defaults to the file name.
	Name string
	// JobID identifies the run in events and manifests; a random id is used when empty.
	JobID string
}

// FileSource returns a Source reading the bundle at path.
func FileSource(path string) Source {
	return Source{Path: path, Name: filepath.Base(path)}
}

func (s Source) label() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Path != "":
		return filepath.Base(s.Path)
	}
	return "stream"
}

// open returns a reader and the note total, -1 when unknown.
func (s Source) open(opts bundle.Options) (*bundle.Reader, int, error) {
	if s.Path == "" {
		if s.Reader == nil {
			return nil, 0, errors.New("pipeline: source has neither path nor reader")
		}
		return bundle.NewReader(s.Reader, opts), -1, nil
	}
	r, err := bundle.Open(s.Path, opts)
	if err != nil {
		return nil, 0, err
	}
	total, err := r.Count()
	if err != nil {
		total = -1
	}
	return r, total, nil
}
