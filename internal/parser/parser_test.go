package parser

import (
	"testing"
)

func TestParse_FrontmatterAndBody(t *testing.T) {
	input := []byte("---\ntitle: Hello\nnote_id: abc\nsource: evernote\ntags:\n  - go\n  - vault\n---\n\n# Hello\nBody text.\n")
	r := Parse(input)
	if !r.HasFM {
		t.Fatal("expected front matter")
	}
	if r.Title != "Hello" {
		t.Errorf("title = %q, want %q", r.Title, "Hello")
	}
	if r.Meta.NoteID != "abc" || r.Meta.Source != "evernote" {
		t.Errorf("meta = %+v", r.Meta)
	}
	if len(r.Tags) < 2 || r.Tags[0] != "go" || r.Tags[1] != "vault" {
		t.Errorf("tags = %v, want [go vault]", r.Tags)
	}
	if r.Body != "# Hello\nBody text.\n" {
		t.Errorf("body = %q", r.Body)
	}
}

func TestParse_CustomKeysKept(t *testing.T) {
	r := Parse([]byte("---\ntitle: x\nevernote:\n  source: web.clip\n---\nbody\n"))
	if _, ok := r.Meta.Custom["evernote"]; !ok {
		t.Errorf("custom = %v, want evernote key", r.Meta.Custom)
	}
}

func TestParse_IndexFlag(t *testing.T) {
	r := Parse([]byte("---\ntitle: \"Work\"\nsource: evernote\nindex: true\n---\n\n# Work\n"))
	if !r.Meta.Index || r.Meta.Source != "evernote" {
		t.Errorf("meta = %+v, want generated index", r.Meta)
	}
	if _, ok := r.Meta.Custom["index"]; ok {
		t.Error("index flag leaked into custom keys")
	}
}

func TestParse_NoFrontmatter(t *testing.T) {
	r := Parse([]byte("# Just a heading\nSome text.\n"))
	if r.HasFM {
		t.Error("expected no front matter")
	}
	if r.Title != "Just a heading" {
		t.Errorf("title = %q, want %q", r.Title, "Just a heading")
	}
}

func TestParse_InvalidYAMLFallback(t *testing.T) {
	input := []byte("---\n: invalid: yaml: {{{\n---\nBody\n")
	r := Parse(input)
	if r.HasFM {
		t.Errorf("expected no front matter on invalid YAML")
	}
	if r.Body != string(input) {
		t.Errorf("body = %q, want whole input", r.Body)
	}
}

func TestOwnedBy(t *testing.T) {
	doc := []byte("---\ntitle: T\nsource: evernote\nnote_id: n1\n---\n\nbody\n")
	if !OwnedBy(doc, "n1", "evernote") {
		t.Error("expected owned")
	}
	if OwnedBy(doc, "n2", "evernote") {
		t.Error("different note id must not match")
	}
	if OwnedBy([]byte("# Mine\n"), "n1", "evernote") {
		t.Error("file without front matter must not match")
	}
}

func TestExtractLinks_Basic(t *testing.T) {
	body := "See [[Note A]] and [[Note B|alias]].\nAlso [[Note A]] again and ![[attachments/x.png]]."
	links, embeds := extractLinks(body)
	if len(links) != 2 {
		t.Fatalf("len(links) = %d, want 2", len(links))
	}
	if links[0] != "Note A" || links[1] != "Note B" {
		t.Errorf("links = %v", links)
	}
	if len(embeds) != 1 || embeds[0] != "attachments/x.png" {
		t.Errorf("embeds = %v", embeds)
	}
}

func TestExtractLinks_TableEscapedPipe(t *testing.T) {
	links, _ := extractLinks(`| [[attachments/a.zip\|a.zip]] |`)
	if len(links) != 1 || links[0] != "attachments/a.zip" {
		t.Errorf("links = %v", links)
	}
}

func TestExtractLinks_EmptyTarget(t *testing.T) {
	links, _ := extractLinks("see [[ ]] and [[|alias]]")
	if len(links) != 0 {
		t.Errorf("expected no links, got %v", links)
	}
}

func TestExtractTags_InlineAndFrontmatter(t *testing.T) {
	body := "Some text #beta and #alpha again."
	tags := extractTags(body, []string{"alpha"})
	if len(tags) != 2 || tags[0] != "alpha" || tags[1] != "beta" {
		t.Errorf("tags = %v, want [alpha beta]", tags)
	}
}

func TestDeriveTitle_FrontmatterOverH1(t *testing.T) {
	title := deriveTitle(Meta{Title: "FM Title"}, "# H1 Title\ntext")
	if title != "FM Title" {
		t.Errorf("title = %q, want %q", title, "FM Title")
	}
}

func TestDeriveTitle_H1Fallback(t *testing.T) {
	title := deriveTitle(Meta{}, "some text\n# My Heading\nmore")
	if title != "My Heading" {
		t.Errorf("title = %q, want %q", title, "My Heading")
	}
}
