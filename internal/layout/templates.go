package layout

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
)

const templatesEmittedKey = "templates_emitted"

const importedNoteTemplate = `---
title: "{{title}}"
created: "{{date:YYYY-MM-DD}}T{{time:HH:mm:ss}}Z"
tags: []
source: evernote
---

# {{title}}

`

const dailyNoteTemplate = `---
created: "{{date:YYYY-MM-DD}}"
tags:
  - daily
---

# {{date:YYYY-MM-DD}}

## Notes

## Tasks

- [ ] 
`

// EmitTemplates scaffolds template notes and viewer settings once per vault.
// Existing files are never overwritten. It reports whether scaffolding ran.
func (p *Planner) EmitTemplates() (bool, error) {
	_, done, err := p.state.Meta(templatesEmittedKey)
	if err != nil {
		return false, fmt.Errorf("layout: %w", err)
	}
	if done {
		return false, nil
	}

	settings, err := json.MarshalIndent(map[string]any{
		"attachmentFolderPath": p.opts.AttachmentsDir,
		"useMarkdownLinks":     p.opts.MarkdownLinks,
		"newLinkFormat":        "relative",
	}, "", "  ")
	if err != nil {
		return false, fmt.Errorf("layout: encode settings: %w", err)
	}

	files := []struct {
		path    string
		content []byte
	}{
		{path.Join(p.opts.TemplatesDir, "Imported Note.md"), []byte(importedNoteTemplate)},
		{path.Join(p.opts.TemplatesDir, "Daily Note.md"), []byte(dailyNoteTemplate)},
		{path.Join(ObsidianDir, "app.json"), append(settings, '\n')},
	}
	for _, f := range files {
		exists, err := p.fs.Exists(f.path)
		if err != nil {
			return false, fmt.Errorf("layout: %w", err)
		}
		if exists {
			continue
		}
		if err := p.fs.Write(f.path, f.content); err != nil {
			return false, fmt.Errorf("layout: scaffold %s: %w", f.path, err)
		}
	}

	if err := p.state.SetMeta(templatesEmittedKey, "1"); err != nil {
		return false, fmt.Errorf("layout: %w", err)
	}
	p.logger.Info("vault scaffolding written", slog.String("templates", p.opts.TemplatesDir))
	return true, nil
}
