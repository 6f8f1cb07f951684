package bundle

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/starford/vaultport/internal/apperr"
	"github.com/starford/vaultport/internal/checksum"
	"github.com/starford/vaultport/internal/models"
)

// DefaultMIME is assumed for resources without a mime field.
const DefaultMIME = "application/octet-stream"

var timeLayouts = []string{
	"20060102T150405Z",
	time.RFC3339,
	"20060102",
}

var titleRe = regexp.MustCompile(`(?s)<title>(.*?)</title>`)

type xmlNote struct {
	Title      string        `xml:"title"`
	Content    string        `xml:"content"`
	Created    string        `xml:"created"`
	Updated    string        `xml:"updated"`
	Tags       []string      `xml:"tag"`
	GUID       string        `xml:"guid"`
	Notebook   string        `xml:"notebook"`
	Attributes xmlFields     `xml:"note-attributes"`
	Resources  []xmlResource `xml:"resource"`
	Extra      []xmlField    `xml:",any"`
}

type xmlFields struct {
	Fields []xmlField `xml:",any"`
}

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type xmlResource struct {
	Data   xmlData `xml:"data"`
	MIME   string  `xml:"mime"`
	Width  string  `xml:"width"`
	Height string  `xml:"height"`
	Attrs  struct {
		FileName string `xml:"file-name"`
	} `xml:"resource-attributes"`
}

type xmlData struct {
	Encoding string `xml:"encoding,attr"`
	Value    string `xml:",chardata"`
}

// decode turns one raw note element into a record. It never fails the stream.
func (r *Reader) decode(ordinal int, raw []byte) Record {
	fallback := fmt.Sprintf("note #%d", ordinal)
	rec := Record{Ordinal: ordinal, Label: labelFrom(raw, fallback)}

	var xn xmlNote
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Entity = xml.HTMLEntity
	if err := dec.Decode(&xn); err != nil {
		rec.Err = &apperr.ItemError{Kind: apperr.KindNoteParse, Ref: fallback, Err: err}
		return rec
	}

	n := models.Note{
		Title:    strings.TrimSpace(xn.Title),
		Body:     xn.Content,
		Notebook: strings.TrimSpace(xn.Notebook),
		Tags:     cleanTags(xn.Tags),
	}
	if n.Title == "" {
		n.Title = "Untitled"
	}
	if n.Notebook == "" {
		n.Notebook = r.opts.DefaultNotebook
	}

	n.ID = strings.TrimSpace(xn.GUID)
	if n.ID == "" {
		n.ID = DeriveID(n.Title, strings.TrimSpace(xn.Created))
	}
	if prev := r.seen[n.ID]; prev > 0 {
		r.seen[n.ID] = prev + 1
		dup := fmt.Sprintf("%s~%d", n.ID, prev+1)
		rec.Warnings = append(rec.Warnings, apperr.Item(apperr.KindNoteParse, dup, fallback,
			"duplicate note id %s in bundle, renamed", n.ID))
		n.ID = dup
	} else {
		r.seen[n.ID] = 1
	}

	var warn error
	if n.Created, warn = parseTime(xn.Created); warn != nil {
		rec.Warnings = append(rec.Warnings, apperr.Item(apperr.KindNoteParse, n.ID, "created", "%v", warn))
	}
	if n.Updated, warn = parseTime(xn.Updated); warn != nil {
		rec.Warnings = append(rec.Warnings, apperr.Item(apperr.KindNoteParse, n.ID, "updated", "%v", warn))
	}
	if n.Updated.IsZero() {
		n.Updated = n.Created
	}

	for _, f := range xn.Attributes.Fields {
		if n.Attributes == nil {
			n.Attributes = make(map[string]string)
		}
		v := strings.TrimSpace(f.Value)
		n.Attributes[f.XMLName.Local] = v
		switch f.XMLName.Local {
		case "author":
			n.Author = v
		case "source-url":
			n.SourceURL = v
		}
	}
	for _, f := range xn.Extra {
		if n.Extra == nil {
			n.Extra = make(map[string]string)
		}
		n.Extra[f.XMLName.Local] = strings.TrimSpace(f.Value)
	}

	for i, res := range xn.Resources {
		att, err := decodeResource(n.ID, i, res)
		if err != nil {
			rec.Warnings = append(rec.Warnings, err)
		}
		n.AttachmentRefs = append(n.AttachmentRefs, att.SourceID)
		rec.Attachments = append(rec.Attachments, att)
	}

	rec.Note = n
	rec.Label = n.Title
	return rec
}

func decodeResource(noteID string, i int, res xmlResource) (models.Attachment, *apperr.ItemError) {
	att := models.Attachment{
		NoteID:       noteID,
		MIME:         strings.ToLower(strings.TrimSpace(res.MIME)),
		DeclaredName: strings.TrimSpace(res.Attrs.FileName),
		Width:        atoi(res.Width),
		Height:       atoi(res.Height),
	}
	if att.MIME == "" {
		att.MIME = DefaultMIME
	}

	enc := strings.ToLower(strings.TrimSpace(res.Data.Encoding))
	var data []byte
	var err error
	if enc != "" && enc != "base64" {
		err = fmt.Errorf("unsupported encoding %q", enc)
	} else {
		data, err = base64.StdEncoding.DecodeString(stripSpace(res.Data.Value))
	}
	if err != nil {
		att.Corrupt = true
		att.SourceID = fmt.Sprintf("corrupt-%d", i)
		return att, &apperr.ItemError{Kind: apperr.KindAttachmentDecode, NoteID: noteID, Ref: att.SourceID, Err: err}
	}
	att.Data = data
	att.SourceID = checksum.MD5(data)
	return att, nil
}

// DeriveID builds a stable identifier for notes exported without one.
func DeriveID(title, created string) string {
	return checksum.Short(checksum.SumString(title+"_"+created), 16)
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

func cleanTags(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

// labelFrom extracts a human label from a raw note element for error reporting.
func labelFrom(raw []byte, fallback string) string {
	m := titleRe.FindSubmatch(raw)
	if m == nil {
		return fallback
	}
	t := strings.TrimSpace(html.UnescapeString(string(m[1])))
	if t == "" {
		return fallback
	}
	return t
}
