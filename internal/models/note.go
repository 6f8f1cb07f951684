// Package models defines the domain types shared by the migration pipeline.
package models

import "time"

// Note is one record decoded from an export bundle.
type Note struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Body     string    `json:"-"` // raw rich-text markup
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
	Tags     []string  `json:"tags,omitempty"`
	Notebook string    `json:"notebook,omitempty"`
	// AttachmentRefs lists the source identifiers of the note's attachments in bundle order.
	AttachmentRefs []string `json:"attachment_refs,omitempty"`
	Author         string   `json:"author,omitempty"`
	SourceURL      string   `json:"source_url,omitempty"`
	// Attributes keeps every note-attributes child verbatim.
	Attributes map[string]string `json:"attributes,omitempty"`
	// Extra keeps unknown top-level note fields verbatim.
	Extra map[string]string `json:"extra,omitempty"`
}

// Attachment is a binary resource embedded in a note.
type Attachment struct {
	// SourceID is the identifier the note body uses to reference the resource.
	SourceID     string `json:"source_id"`
	NoteID       string `json:"note_id"`
	Data         []byte `json:"-"`
	MIME         string `json:"mime"`
	DeclaredName string `json:"declared_name,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	// Corrupt marks a resource whose payload could not be decoded.
	Corrupt bool `json:"corrupt,omitempty"`
}

// StoredAttachment is an attachment after it has been placed in the vault.
type StoredAttachment struct {
	SourceID    string `json:"source_id"`
	ContentID   string `json:"content_id"`
	Path        string `json:"path"` // vault-relative, forward slashes
	DisplayName string `json:"display_name"`
	MIME        string `json:"mime"`
	Size        int64  `json:"size"`
	Deduped     bool   `json:"deduped"`
	Corrupt     bool   `json:"corrupt,omitempty"`
}

// ConvertedNote is the Markdown rendition of a note.
type ConvertedNote struct {
	NoteID      string
	Title       string
	Notebook    string
	Created     time.Time
	Content     []byte // front matter plus body
	ContentHash string
	// Embeds lists vault-relative attachment paths referenced by the body.
	Embeds []string
}

// Failure describes one item that did not make it into the vault.
type Failure struct {
	Kind       string `json:"kind"`
	NoteID     string `json:"note_id,omitempty"`
	Title      string `json:"title,omitempty"`
	Attachment string `json:"attachment,omitempty"`
	Message    string `json:"message"`
}
