// Package transform renders notes as Markdown documents with YAML front matter.
package transform

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/starford/vaultport/internal/apperr"
	"github.com/starford/vaultport/internal/checksum"
	"github.com/starford/vaultport/internal/models"
)

// Embed styles.
const (
	EmbedWikilink = "wikilink"
	EmbedMarkdown = "markdown"
)

// SourceMarker is written to every generated note's front matter.
const SourceMarker = "evernote"

// TimeLayout is the front matter timestamp format.
const TimeLayout = "2006-01-02T15:04:05Z"

// Options configure rendering.
type Options struct {
	EmbedStyle string
}

// Transformer converts notes. It is safe for concurrent use.
type Transformer struct {
	opts Options
}

// New creates a Transformer.
func New(opts Options) *Transformer {
	if opts.EmbedStyle == "" {
		opts.EmbedStyle = EmbedWikilink
	}
	return &Transformer{opts: opts}
}

// FrontMatter is the metadata block written at the top of every note.
type FrontMatter struct {
	Title       string            `yaml:"title"`
	Created     string            `yaml:"created,omitempty"`
	Updated     string            `yaml:"updated,omitempty"`
	Tags        []string          `yaml:"tags,omitempty"`
	Notebook    string            `yaml:"notebook,omitempty"`
	Author      string            `yaml:"author,omitempty"`
	SourceURL   string            `yaml:"source_url,omitempty"`
	Source      string            `yaml:"source"`
	NoteID      string            `yaml:"note_id"`
	Attachments int               `yaml:"attachments,omitempty"`
	Evernote    map[string]string `yaml:"evernote,omitempty"`
}

// Convert renders note with its attachments resolved through atts, keyed
// by source identifier. A failure affects only this note.
func (t *Transformer) Convert(note models.Note, atts map[string]models.StoredAttachment) (out *models.ConvertedNote, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = apperr.Item(apperr.KindConversion, note.ID, "", "render panic: %v", p)
		}
	}()

	if !utf8.ValidString(note.Body) || !utf8.ValidString(note.Title) {
		return nil, apperr.Item(apperr.KindConversion, note.ID, "", "note is not valid UTF-8")
	}

	r := newRenderer(atts, t.opts.EmbedStyle)
	body, err := r.render(note.Body)
	if err != nil {
		return nil, &apperr.ItemError{Kind: apperr.KindConversion, NoteID: note.ID, Err: err}
	}
	body = appendUnreferenced(r, body, note.AttachmentRefs)

	fm := FrontMatter{
		Title:       note.Title,
		Created:     formatTime(note.Created),
		Updated:     formatTime(note.Updated),
		Tags:        SanitizeTags(note.Tags),
		Notebook:    note.Notebook,
		Author:      note.Author,
		SourceURL:   note.SourceURL,
		Source:      SourceMarker,
		NoteID:      note.ID,
		Attachments: len(note.AttachmentRefs),
		Evernote:    sideChannel(note),
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return nil, apperr.Item(apperr.KindConversion, note.ID, "", "encode front matter: %v", err)
	}
	if err := enc.Close(); err != nil {
		return nil, apperr.Item(apperr.KindConversion, note.ID, "", "encode front matter: %v", err)
	}
	buf.WriteString("---\n")
	if body != "" {
		buf.WriteString("\n")
		buf.WriteString(body)
	}

	content := buf.Bytes()
	return &models.ConvertedNote{
		NoteID:      note.ID,
		Title:       note.Title,
		Notebook:    note.Notebook,
		Created:     note.Created,
		Content:     content,
		ContentHash: checksum.Sum(content),
		Embeds:      r.embeds,
	}, nil
}

// appendUnreferenced lists attachments the body never mentions so they stay reachable.
func appendUnreferenced(r *renderer, body string, refs []string) string {
	var lines []string
	for _, ref := range refs {
		if r.used[ref] {
			continue
		}
		r.used[ref] = true
		st, ok := r.atts[ref]
		if !ok {
			lines = append(lines, fmt.Sprintf(unavailableFormat, ref))
			continue
		}
		lines = append(lines, r.media(ref, st.MIME))
	}
	if len(lines) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	if body != "" {
		b.WriteString("\n")
	}
	b.WriteString(strings.Join(lines, "\n\n"))
	b.WriteString("\n")
	return b.String()
}

// sideChannel keeps source fields that have no dedicated front matter key.
func sideChannel(note models.Note) map[string]string {
	out := make(map[string]string)
	for k, v := range note.Attributes {
		if k == "author" || k == "source-url" || v == "" {
			continue
		}
		out[k] = v
	}
	keys := make([]string, 0, len(note.Extra))
	for k := range note.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if note.Extra[k] == "" {
			continue
		}
		if _, taken := out[k]; !taken {
			out[k] = note.Extra[k]
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}
