package layout

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/starford/vaultport/internal/parser"
	"github.com/starford/vaultport/internal/transform"
)

var linkTextEscaper = strings.NewReplacer("|", "-", "[", "(", "]", ")", "\n", " ")

// WriteIndexes regenerates the index note of every notebook directory that
// holds recorded notes. Files are only rewritten when their content changes.
// It returns the number of index files written.
func (p *Planner) WriteIndexes(ctx context.Context) (int, error) {
	dirs, err := p.state.Dirs()
	if err != nil {
		return 0, fmt.Errorf("layout: %w", err)
	}

	written := 0
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		notes, err := p.state.NotesInDir(dir)
		if err != nil {
			return written, fmt.Errorf("layout: %w", err)
		}
		if len(notes) == 0 {
			p.dropIndex(dir)
			continue
		}

		var b strings.Builder
		notebook := notes[0].Notebook
		fmt.Fprintf(&b, "---\ntitle: %s\nsource: %s\nindex: true\n---\n\n# %s\n\n",
			yamlQuote(notebook), transform.SourceMarker, notebook)
		for _, n := range notes {
			target := strings.TrimSuffix(n.Path, ".md")
			fmt.Fprintf(&b, "- [[%s|%s]]", target, linkTextEscaper.Replace(n.Title))
			if !n.Created.IsZero() {
				fmt.Fprintf(&b, " (%s)", n.Created.UTC().Format("2006-01-02"))
			}
			b.WriteString("\n")
		}

		unlock := p.lockDir(dir)
		changed, err := p.fs.WriteIfChanged(path.Join(dir, IndexFile), []byte(b.String()))
		unlock()
		if err != nil {
			return written, fmt.Errorf("layout: write index for %s: %w", dir, err)
		}
		if changed {
			written++
		}
	}
	return written, nil
}

// dropIndex removes the generated index of a directory whose notes all moved away.
func (p *Planner) dropIndex(dir string) {
	name := path.Join(dir, IndexFile)
	data, err := p.fs.Read(name)
	if err != nil {
		return
	}
	meta := parser.Parse(data).Meta
	if !meta.Index || meta.Source != transform.SourceMarker {
		return
	}
	unlock := p.lockDir(dir)
	defer unlock()
	if err := p.fs.Delete(name); err != nil {
		p.logger.Warn("remove empty notebook index",
			slog.String("path", name), slog.String("error", err.Error()))
	}
}

func yamlQuote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
