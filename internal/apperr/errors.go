// Package apperr defines the error taxonomy of the migration pipeline.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")

	// Run-fatal conditions.
	ErrBundleFormat          = errors.New("bundle format error")
	ErrDestinationUnwritable = errors.New("destination unwritable")
	ErrVaultBusy             = errors.New("vault is locked by another run")
)

// Kind classifies per-item errors.
type Kind string

const (
	KindNoteParse        Kind = "NoteParseError"
	KindConversion       Kind = "ConversionFailed"
	KindAttachmentDecode Kind = "AttachmentDecodeError"
	KindAttachmentWrite  Kind = "AttachmentWriteError"
	KindLayoutWrite      Kind = "LayoutWriteError"
	KindStateCorruption  Kind = "StateCorruptionWarning"
)

// ItemError is an error scoped to one note or attachment. It never aborts a run.
type ItemError struct {
	Kind   Kind
	NoteID string
	Ref    string // attachment id or vault path, when relevant
	Err    error
}

func (e *ItemError) Error() string {
	msg := string(e.Kind)
	if e.NoteID != "" {
		msg += " note=" + e.NoteID
	}
	if e.Ref != "" {
		msg += " ref=" + e.Ref
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ItemError) Unwrap() error { return e.Err }

// Item builds an ItemError with a formatted cause.
func Item(kind Kind, noteID, ref, format string, args ...any) *ItemError {
	return &ItemError{Kind: kind, NoteID: noteID, Ref: ref, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of an ItemError anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var ie *ItemError
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return "", false
}

// IsFatal reports whether err must stop a run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBundleFormat) ||
		errors.Is(err, ErrDestinationUnwritable) ||
		errors.Is(err, ErrVaultBusy)
}
