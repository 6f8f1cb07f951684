package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/starford/vaultport/internal/models"
)

var (
	selfClosingRe = regexp.MustCompile(`(?i)<(en-media|en-todo)([^>]*?)\s*/>`)
	orderedLineRe = regexp.MustCompile(`^(\d+)([.)])(\s|$)`)
	ruleLineRe    = regexp.MustCompile(`^[-=_]+$`)
)

const (
	encryptedPlaceholder = "[encrypted content omitted]"
	unavailableFormat    = "[attachment unavailable: %s]"
)

var blockTags = map[string]bool{
	"p": true, "div": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "li": true, "blockquote": true, "pre": true, "table": true, "hr": true,
	"en-note": true, "body": true, "html": true, "section": true, "article": true, "header": true,
	"footer": true, "center": true, "address": true, "dl": true, "dt": true, "dd": true,
	"figure": true, "main": true, "nav": true, "aside": true,
}

var skipTags = map[string]bool{
	"script": true, "style": true, "head": true, "title": true, "meta": true, "link": true,
	"object": true, "embed": true, "iframe": true,
}

type block struct {
	text  string
	tight bool // adjacent tight blocks join with a single newline
	list  bool
}

type renderer struct {
	atts   map[string]models.StoredAttachment
	style  string
	embeds []string
	seen   map[string]bool
	used   map[string]bool
}

func newRenderer(atts map[string]models.StoredAttachment, style string) *renderer {
	return &renderer{atts: atts, style: style, seen: make(map[string]bool), used: make(map[string]bool)}
}

// render converts an ENML document to Markdown.
func (r *renderer) render(body string) (string, error) {
	body = selfClosingRe.ReplaceAllString(body, "<$1$2></$1>")
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse markup: %w", err)
	}
	root := findElement(doc, "en-note")
	if root == nil {
		root = findElement(doc, "body")
	}
	if root == nil {
		root = doc
	}
	return joinBlocks(r.blocks(root)), nil
}

func joinBlocks(bs []block) string {
	var b strings.Builder
	for i, bl := range bs {
		if i > 0 {
			if bl.tight && bs[i-1].tight {
				b.WriteString("\n")
			} else {
				b.WriteString("\n\n")
			}
		}
		b.WriteString(bl.text)
	}
	if b.Len() == 0 {
		return ""
	}
	return b.String() + "\n"
}

// blocks renders the children of parent, grouping inline runs into paragraphs.
func (r *renderer) blocks(parent *html.Node) []block {
	var out []block
	var inl strings.Builder
	flush := func() {
		if p, ok := paragraph(inl.String()); ok {
			out = append(out, p)
		}
		inl.Reset()
	}
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && blockTags[c.Data] {
			flush()
			out = append(out, r.block(c)...)
			continue
		}
		inl.WriteString(r.inline(c))
	}
	flush()
	return out
}

func (r *renderer) block(n *html.Node) []block {
	switch n.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		text := r.inlineLine(n)
		if text == "" {
			return nil
		}
		level, _ := strconv.Atoi(n.Data[1:])
		return []block{{text: strings.Repeat("#", level) + " " + text}}
	case "ul", "ol":
		if text := r.list(n); text != "" {
			return []block{{text: text, list: true}}
		}
		return nil
	case "blockquote":
		inner := strings.TrimRight(joinBlocks(r.blocks(n)), "\n")
		if inner == "" {
			return nil
		}
		lines := strings.Split(inner, "\n")
		for i, l := range lines {
			if l == "" {
				lines[i] = ">"
			} else {
				lines[i] = "> " + l
			}
		}
		return []block{{text: strings.Join(lines, "\n")}}
	case "pre":
		return []block{{text: fence(codeText(n))}}
	case "table":
		if text := r.table(n); text != "" {
			return []block{{text: text}}
		}
		return nil
	case "hr":
		return []block{{text: "---"}}
	case "div":
		if isCodeBlock(n) {
			return []block{{text: fence(codeText(n))}}
		}
	}
	return r.blocks(n)
}

// paragraph normalizes an inline run into a paragraph block.
func paragraph(raw string) (block, bool) {
	var lines []string
	for _, l := range strings.Split(raw, "\n") {
		l = strings.Join(strings.Fields(l), " ")
		if l == "" {
			continue
		}
		if isTaskLine(l) {
			l = "- " + l
		} else {
			l = escapeLineStart(l)
		}
		lines = append(lines, l)
	}
	if len(lines) == 0 {
		return block{}, false
	}
	return block{text: strings.Join(lines, "\n"), tight: strings.HasPrefix(lines[0], "- [")}, true
}

func isTaskLine(l string) bool {
	return strings.HasPrefix(l, "[ ] ") || strings.HasPrefix(l, "[x] ") || l == "[ ]" || l == "[x]"
}

func escapeLineStart(l string) string {
	switch {
	case strings.HasPrefix(l, "#"), strings.HasPrefix(l, ">"), strings.HasPrefix(l, "~~~"),
		strings.HasPrefix(l, "- "), strings.HasPrefix(l, "+ "), l == "-", l == "+":
		return `\` + l
	case ruleLineRe.MatchString(l):
		return `\` + l
	case orderedLineRe.MatchString(l):
		return orderedLineRe.ReplaceAllString(l, `$1\$2$3`)
	}
	return l
}

func (r *renderer) list(n *html.Node) string {
	ordered := n.Data == "ol"
	num := 1
	if s, err := strconv.Atoi(attr(n, "start")); err == nil && ordered {
		num = s
	}

	var items []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.Data == "ul" || c.Data == "ol") && len(items) > 0 {
			// Nested list placed directly in the parent list.
			nested := r.list(c)
			if nested != "" {
				items[len(items)-1] += "\n" + indent(nested, markerWidth(ordered, num-1))
			}
			continue
		}
		var bs []block
		if c.Type == html.ElementNode && c.Data == "li" {
			bs = r.blocks(c)
		} else if p, ok := paragraph(r.inline(c)); ok {
			bs = []block{p}
		}
		if len(bs) == 0 {
			continue
		}
		marker := "- "
		if ordered {
			marker = strconv.Itoa(num) + ". "
		}
		num++
		items = append(items, listItem(marker, bs))
	}
	return strings.Join(items, "\n")
}

func listItem(marker string, bs []block) string {
	var b strings.Builder
	first := bs[0].text
	if bs[0].tight && strings.HasPrefix(first, "- [") {
		first = strings.TrimPrefix(first, "- ")
	}
	b.WriteString(marker)
	b.WriteString(indentRest(first, len(marker)))
	for _, bl := range bs[1:] {
		if bl.list || bl.tight {
			b.WriteString("\n")
		} else {
			b.WriteString("\n\n")
		}
		b.WriteString(indent(bl.text, len(marker)))
	}
	return b.String()
}

func markerWidth(ordered bool, num int) int {
	if !ordered {
		return 2
	}
	return len(strconv.Itoa(num)) + 2
}

func indent(s string, width int) string {
	pad := strings.Repeat(" ", width)
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = pad + l
		}
	}
	return strings.Join(lines, "\n")
}

func indentRest(s string, width int) string {
	first, rest, found := strings.Cut(s, "\n")
	if !found {
		return s
	}
	return first + "\n" + indent(rest, width)
}

func (r *renderer) table(n *html.Node) string {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.Data {
			case "thead", "tbody", "tfoot":
				walk(c)
			case "tr":
				var cells []string
				for td := c.FirstChild; td != nil; td = td.NextSibling {
					if td.Type == html.ElementNode && (td.Data == "td" || td.Data == "th") {
						cells = append(cells, strings.ReplaceAll(r.inlineLine(td), "|", `\|`))
					}
				}
				if len(cells) > 0 {
					rows = append(rows, cells)
				}
			}
		}
	}
	walk(n)
	if len(rows) == 0 {
		return ""
	}

	cols := 0
	for _, row := range rows {
		cols = max(cols, len(row))
	}
	line := func(cells []string) string {
		padded := make([]string, cols)
		copy(padded, cells)
		return "| " + strings.Join(padded, " | ") + " |"
	}
	sep := make([]string, cols)
	for i := range sep {
		sep[i] = "---"
	}

	out := []string{line(rows[0]), line(sep)}
	for _, row := range rows[1:] {
		out = append(out, line(row))
	}
	return strings.Join(out, "\n")
}

// inline renders a node as inline Markdown. Newlines only come from <br>.
func (r *renderer) inline(n *html.Node) string {
	switch n.Type {
	case html.TextNode:
		return escapeInline(normalizeText(n.Data))
	case html.ElementNode:
	default:
		return ""
	}
	if skipTags[n.Data] {
		return ""
	}

	switch n.Data {
	case "br":
		return "\n"
	case "b", "strong":
		return wrap(r.children(n), "**")
	case "i", "em", "cite":
		return wrap(r.children(n), "*")
	case "s", "strike", "del":
		return wrap(r.children(n), "~~")
	case "code", "tt", "kbd", "samp":
		return codeSpan(normalizeText(textContent(n)))
	case "a":
		return r.link(n)
	case "img":
		return image(n)
	case "en-media":
		return r.media(attr(n, "hash"), attr(n, "type"))
	case "en-todo":
		if strings.EqualFold(attr(n, "checked"), "true") {
			return "[x] "
		}
		return "[ ] "
	case "en-crypt":
		return encryptedPlaceholder
	case "span", "font":
		return styled(r.children(n), attr(n, "style"))
	}
	if blockTags[n.Data] || n.Data == "td" || n.Data == "th" || n.Data == "tr" {
		return " " + r.children(n) + " "
	}
	return r.children(n)
}

func (r *renderer) children(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(r.inline(c))
	}
	return b.String()
}

// inlineLine renders children on a single line.
func (r *renderer) inlineLine(n *html.Node) string {
	return strings.Join(strings.Fields(r.children(n)), " ")
}

func (r *renderer) link(n *html.Node) string {
	href := strings.TrimSpace(attr(n, "href"))
	text := strings.Join(strings.Fields(r.children(n)), " ")
	if href == "" {
		return text
	}
	if text == "" {
		text = escapeInline(href)
	}
	if strings.ContainsAny(href, " ()<>") {
		href = "<" + strings.NewReplacer("<", "%3C", ">", "%3E").Replace(href) + ">"
	}
	return "[" + text + "](" + href + ")"
}

func image(n *html.Node) string {
	src := strings.TrimSpace(attr(n, "src"))
	alt := escapeInline(normalizeText(attr(n, "alt")))
	if src == "" {
		return alt
	}
	if strings.ContainsAny(src, " ()") {
		src = "<" + src + ">"
	}
	return "![" + alt + "](" + src + ")"
}

// media renders an attachment reference as an embed of its stored path.
func (r *renderer) media(hash, typ string) string {
	st, ok := r.atts[hash]
	if hash != "" {
		r.used[hash] = true
	}
	if !ok || st.Corrupt || st.Path == "" {
		label := typ
		if label == "" {
			label = hash
		}
		return fmt.Sprintf(unavailableFormat, label)
	}
	if !r.seen[st.Path] {
		r.seen[st.Path] = true
		r.embeds = append(r.embeds, st.Path)
	}
	mime := st.MIME
	if mime == "" {
		mime = typ
	}
	display := strings.NewReplacer("]", "", "[", "", "|", "-").Replace(st.DisplayName)
	if display == "" {
		display = st.ContentID
	}

	if r.style == EmbedMarkdown {
		if strings.HasPrefix(mime, "image/") {
			return "![" + escapeInline(display) + "](" + st.Path + ")"
		}
		return "[" + escapeInline(display) + "](" + st.Path + ")"
	}
	if isVisual(mime) {
		return "![[" + st.Path + "]]"
	}
	return "[[" + st.Path + "|" + display + "]]"
}

func isVisual(mime string) bool {
	return strings.HasPrefix(mime, "image/") || strings.HasPrefix(mime, "audio/") ||
		strings.HasPrefix(mime, "video/") || mime == "application/pdf"
}

func wrap(inner, marker string) string {
	trimmed := strings.TrimSpace(inner)
	if trimmed == "" {
		return inner
	}
	lead := inner[:strings.Index(inner, trimmed)]
	trail := inner[len(lead)+len(trimmed):]
	return lead + marker + trimmed + marker + trail
}

func styled(inner, style string) string {
	s := strings.ToLower(strings.ReplaceAll(style, " ", ""))
	if strings.Contains(s, "text-decoration:line-through") {
		inner = wrap(inner, "~~")
	}
	if strings.Contains(s, "font-style:italic") {
		inner = wrap(inner, "*")
	}
	if strings.Contains(s, "font-weight:bold") || strings.Contains(s, "font-weight:700") {
		inner = wrap(inner, "**")
	}
	return inner
}

func codeSpan(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	ticks := "`"
	for strings.Contains(s, ticks) {
		ticks += "`"
	}
	if len(ticks) > 1 || strings.HasPrefix(s, "`") || strings.HasSuffix(s, "`") {
		return ticks + " " + s + " " + ticks
	}
	return ticks + s + ticks
}

func fence(code string) string {
	f := "```"
	for strings.Contains(code, f) {
		f += "`"
	}
	return f + "\n" + code + "\n" + f
}

func isCodeBlock(n *html.Node) bool {
	style := strings.ReplaceAll(attr(n, "style"), " ", "")
	return strings.Contains(style, "-en-codeblock:true")
}

// codeText extracts preformatted text, turning block boundaries into newlines.
func codeText(n *html.Node) string {
	var b strings.Builder
	atLineStart := true
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			t := stripInvisible(n.Data)
			if t == "" {
				return
			}
			b.WriteString(t)
			atLineStart = strings.HasSuffix(t, "\n")
		case html.ElementNode:
			if n.Data == "br" {
				b.WriteString("\n")
				atLineStart = true
				return
			}
			isBlock := blockTags[n.Data]
			if isBlock && !atLineStart {
				b.WriteString("\n")
				atLineStart = true
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
			if isBlock && !atLineStart {
				b.WriteString("\n")
				atLineStart = true
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return strings.Trim(b.String(), "\n")
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

// normalizeText folds whitespace variants to spaces and drops invisible runes.
func normalizeText(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\u00a0', '\t', '\n', '\r', '\f':
			return ' '
		case '\u200b', '\u200c', '\u200d', '\ufeff':
			return -1
		}
		return r
	}, s)
}

func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\u00a0':
			return ' '
		case '\u200b', '\u200c', '\u200d', '\ufeff':
			return -1
		}
		return r
	}, s)
}

var inlineEscaper = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "`", "\\`", "[", `\[`, "]", `\]`, "<", `\<`, "~", `\~`,
)

func escapeInline(s string) string {
	return inlineEscaper.Replace(s)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}
