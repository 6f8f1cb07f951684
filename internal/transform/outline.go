package transform

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var (
	md         = goldmark.New(goldmark.WithExtensions(extension.GFM))
	wikilinkRe = regexp.MustCompile(`(!?)\[\[([^\]|]+)(?:\|[^\]]*)?\]\]`)
)

// Outline is the structural summary of a Markdown document.
type Outline struct {
	Headings     []string // "h<level> <text>"
	Paragraphs   int
	Tables       int
	TableCells   int
	Lists        int
	MaxListDepth int
	Tasks        int
	CodeBlocks   int
	Quotes       int
	Embeds       []string // targets of ![[...]] and images
	Links        []string // targets of [[...]] and inline links
}

// ParseOutline parses Markdown (front matter is skipped) and summarizes its structure.
func ParseOutline(doc []byte) Outline {
	src := StripFrontMatter(doc)
	root := md.Parser().Parse(text.NewReader(src))

	var o Outline
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			o.Headings = append(o.Headings, fmt.Sprintf("h%d %s", node.Level, inlineText(node, src)))
			o.collectWikilinks(node, src)
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph:
			o.Paragraphs++
			o.collectWikilinks(node, src)
		case *ast.TextBlock:
			o.collectWikilinks(node, src)
		case *extast.Table:
			o.Tables++
		case *extast.TableCell:
			o.TableCells++
			o.collectWikilinks(node, src)
		case *ast.List:
			o.Lists++
			o.MaxListDepth = max(o.MaxListDepth, listDepth(node))
		case *extast.TaskCheckBox:
			o.Tasks++
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			o.CodeBlocks++
			return ast.WalkSkipChildren, nil
		case *ast.Blockquote:
			o.Quotes++
		case *ast.Image:
			o.Embeds = append(o.Embeds, string(node.Destination))
		case *ast.Link:
			o.Links = append(o.Links, string(node.Destination))
		}
		return ast.WalkContinue, nil
	})
	return o
}

// collectWikilinks scans the direct text of a block for [[...]] references.
func (o *Outline) collectWikilinks(n ast.Node, src []byte) {
	for _, m := range wikilinkRe.FindAllStringSubmatch(inlineText(n, src), -1) {
		target := strings.TrimSpace(strings.ReplaceAll(m[2], `\`, ""))
		if m[1] == "!" {
			o.Embeds = append(o.Embeds, target)
		} else {
			o.Links = append(o.Links, target)
		}
	}
}

func inlineText(n ast.Node, src []byte) string {
	var b bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		case *ast.CodeSpan:
			continue
		default:
			b.WriteString(inlineText(c, src))
		}
	}
	return b.String()
}

func listDepth(l *ast.List) int {
	depth := 0
	for p := ast.Node(l); p != nil; p = p.Parent() {
		if _, ok := p.(*ast.List); ok {
			depth++
		}
	}
	return depth
}

// StripFrontMatter returns doc without a leading YAML block.
func StripFrontMatter(doc []byte) []byte {
	if !bytes.HasPrefix(doc, []byte("---\n")) {
		return doc
	}
	rest := doc[4:]
	idx := bytes.Index(rest, []byte("\n---\n"))
	if idx < 0 {
		return doc
	}
	return bytes.TrimLeft(rest[idx+5:], "\n")
}
