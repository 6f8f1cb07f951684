// Package testutil provides shared test helpers for building bundles, vaults and state stores.
package testutil

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/vaultport/internal/checksum"
	"github.com/starford/vaultport/internal/state"
	"github.com/starford/vaultport/internal/storage"
)

// Resource describes an attachment inside a test note.
type Resource struct {
	Data     []byte
	MIME     string
	FileName string
	// RawData replaces the base64 payload verbatim when set.
	RawData string
}

// Note describes one note element of a test bundle.
type Note struct {
	GUID      string
	Title     string
	Body      string // inner en-note markup
	Notebook  string
	Created   string
	Updated   string
	Tags      []string
	Author    string
	Resources []Resource
	// Raw replaces the whole note element verbatim when set.
	Raw string
}

// Media returns the en-media tag referencing data.
func Media(data []byte, mime string) string {
	return fmt.Sprintf(`<en-media hash="%s" type="%s"/>`, checksum.MD5(data), mime)
}

// ENEX renders a bundle document.
func ENEX(notes ...Note) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE en-export SYSTEM "http://xml.evernote.com/pub/evernote-export4.dtd">` + "\n")
	b.WriteString(`<en-export export-date="20240101T000000Z" application="Evernote" version="10">` + "\n")
	for _, n := range notes {
		if n.Raw != "" {
			b.WriteString(n.Raw)
			b.WriteString("\n")
			continue
		}
		b.WriteString("<note>")
		fmt.Fprintf(&b, "<title>%s</title>", escape(n.Title))
		if n.GUID != "" {
			fmt.Fprintf(&b, "<guid>%s</guid>", n.GUID)
		}
		b.WriteString(`<content><![CDATA[<?xml version="1.0" encoding="UTF-8"?>` +
			`<!DOCTYPE en-note SYSTEM "http://xml.evernote.com/pub/enml2.dtd"><en-note>`)
		b.WriteString(n.Body)
		b.WriteString("</en-note>]]></content>")
		created := n.Created
		if created == "" {
			created = "20200101T120000Z"
		}
		fmt.Fprintf(&b, "<created>%s</created>", created)
		if n.Updated != "" {
			fmt.Fprintf(&b, "<updated>%s</updated>", n.Updated)
		}
		for _, t := range n.Tags {
			fmt.Fprintf(&b, "<tag>%s</tag>", escape(t))
		}
		if n.Notebook != "" {
			fmt.Fprintf(&b, "<notebook>%s</notebook>", escape(n.Notebook))
		}
		if n.Author != "" {
			fmt.Fprintf(&b, "<note-attributes><author>%s</author></note-attributes>", escape(n.Author))
		}
		for _, r := range n.Resources {
			data := r.RawData
			if data == "" {
				data = base64.StdEncoding.EncodeToString(r.Data)
			}
			b.WriteString(`<resource><data encoding="base64">`)
			b.WriteString(data)
			b.WriteString("</data>")
			if r.MIME != "" {
				fmt.Fprintf(&b, "<mime>%s</mime>", r.MIME)
			}
			if r.FileName != "" {
				fmt.Fprintf(&b, "<resource-attributes><file-name>%s</file-name></resource-attributes>", escape(r.FileName))
			}
			b.WriteString("</resource>")
		}
		b.WriteString("</note>\n")
	}
	b.WriteString("</en-export>\n")
	return b.String()
}

func escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// WriteBundle writes a bundle file into dir and returns its path.
func WriteBundle(t *testing.T, dir, name string, notes ...Note) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(ENEX(notes...)), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestState creates a temporary state store that is automatically closed.
func TestState(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestVault creates a temporary vault directory with a storage provider.
func TestVault(t *testing.T) (string, *storage.FS) {
	t.Helper()
	vaultDir := t.TempDir()
	store, err := storage.NewFS(vaultDir)
	if err != nil {
		t.Fatal(err)
	}
	return vaultDir, store
}

// Files lists every regular file under root, relative and slash-separated.
func Files(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}
