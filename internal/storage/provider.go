// Package storage defines the vault file-system abstraction.
package storage

import "time"

// FileInfo is the metadata returned by list operations.
type FileInfo struct {
	Path      string // vault-relative, forward slashes
	Size      int64
	Checksum  string
	UpdatedAt time.Time
}

// Provider is the interface for vault file operations. All paths are
// relative to the vault root.
type Provider interface {
	// Root returns the absolute vault root.
	Root() string
	// List returns metadata for every file under dir with the given suffix ("" for all).
	List(dir, suffix string) ([]FileInfo, error)
	Read(path string) ([]byte, error)
	// Write atomically replaces path with content.
	Write(path string, content []byte) error
	// WriteIfChanged writes only when the current bytes differ. It reports whether a write happened.
	WriteIfChanged(path string, content []byte) (bool, error)
	Exists(path string) (bool, error)
	Delete(path string) error
	// Probe verifies the vault root accepts writes.
	Probe() error
	// SweepTemp removes temp files left behind by interrupted writes.
	SweepTemp() (int, error)
}
