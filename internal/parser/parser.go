// Package parser reads front matter, wikilinks and tags from existing vault Markdown files.
package parser

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/adrg/frontmatter"
)

var (
	wikilinkRe = regexp.MustCompile(`(!?)\[\[(.*?)\]\]`)
	tagRe      = regexp.MustCompile(`(?:^|\s)#([\p{L}_][\p{L}\p{N}_/-]*)`)
)

// Meta holds the front matter keys written by the importer.
type Meta struct {
	Title    string         `yaml:"title"`
	NoteID   string         `yaml:"note_id"`
	Source   string         `yaml:"source"`
	Notebook string         `yaml:"notebook"`
	Tags     []string       `yaml:"tags"`
	Index    bool           `yaml:"index"`
	Custom   map[string]any `yaml:",inline"`
}

// Result holds the output of parsing a Markdown file.
type Result struct {
	Meta   Meta
	HasFM  bool
	Body   string
	Links  []string // [[target]] references
	Embeds []string // ![[target]] references
	Tags   []string
	Title  string
}

// Parse extracts front matter, body, wikilinks and tags from raw Markdown bytes.
// Invalid front matter is not an error: the whole input is treated as body.
func Parse(data []byte) *Result {
	meta, body, ok := splitFrontmatter(data)
	links, embeds := extractLinks(body)
	return &Result{
		Meta:   meta,
		HasFM:  ok,
		Body:   body,
		Links:  links,
		Embeds: embeds,
		Tags:   extractTags(body, meta.Tags),
		Title:  deriveTitle(meta, body),
	}
}

// OwnedBy reports whether data is a generated note for noteID with the given source marker.
func OwnedBy(data []byte, noteID, source string) bool {
	meta, _, ok := splitFrontmatter(data)
	return ok && meta.NoteID == noteID && meta.Source == source
}

func splitFrontmatter(data []byte) (Meta, string, bool) {
	var meta Meta
	trimmed := bytes.TrimLeft(data, "\n\r")
	if !bytes.HasPrefix(trimmed, []byte("---")) {
		return Meta{}, string(data), false
	}
	body, err := frontmatter.Parse(bytes.NewReader(trimmed), &meta)
	if err != nil {
		return Meta{}, string(data), false
	}
	return meta, strings.TrimLeft(string(body), "\n\r"), true
}

// extractLinks returns deduplicated link and embed targets, normalising aliases.
func extractLinks(body string) (links, embeds []string) {
	seen := make(map[string]struct{})
	for _, m := range wikilinkRe.FindAllStringSubmatch(body, -1) {
		target := m[2]
		if i := strings.Index(target, "|"); i >= 0 {
			target = target[:i]
		}
		target = strings.TrimSpace(strings.TrimSuffix(target, `\`))
		if target == "" {
			continue
		}
		key := m[1] + target
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if m[1] == "!" {
			embeds = append(embeds, target)
		} else {
			links = append(links, target)
		}
	}
	return links, embeds
}

// extractTags collects front matter tags followed by inline #tags.
func extractTags(body string, fmTags []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, t := range fmTags {
		add(t)
	}
	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	return out
}

// deriveTitle returns the front matter title if present, otherwise the first
// H1 heading, otherwise empty string.
func deriveTitle(meta Meta, body string) string {
	if meta.Title != "" {
		return meta.Title
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
