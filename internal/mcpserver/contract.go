package mcpserver

// VaultFormatContract describes the vault layout produced by a migration so
// LLM consumers can locate and interpret converted notes.
const VaultFormatContract = `# vaultport Vault Format

A migration turns an Evernote export bundle (.enex) into a folder of Markdown
notes. Re-running the same bundle is safe: unchanged notes are not rewritten.

## Layout

` + "```" + `text
<vault>/
  <Notebook>/              one directory per notebook ("Unfiled" when none)
    _Index.md              generated list of the notebook's notes
    <Title>.md             one file per note
  attachments/             every attachment, stored once by content hash
  templates/               starter templates (created once)
  .obsidian/app.json       viewer settings (created once, never overwritten)
  .vaultport/              migration state and the last run report
` + "```" + `

## Note files

` + "```" + `markdown
---
title: Weekly standup
created: 2024-01-20T09:30:00Z
updated: 2024-01-21T10:00:00Z
tags:
  - meeting-notes
notebook: Work
source: evernote
note_id: 3f1c0d9a-...
attachments: 1
---

Body in Markdown. Attachments are embedded as ![[attachments/<hash>.png|diagram.png]].
` + "```" + `

## Rules

1. **note_id** is the stable identity of a note across runs. File names can
   change between vaults but never between runs on the same vault.
2. **Duplicate titles** in one notebook get a suffix made from the first
   characters of the note id: ` + "`" + `Meeting_99887766.md` + "`" + `.
3. **Notebook names** are sanitized for every platform; colliding names get
   ` + "`" + `-2` + "`" + `, ` + "`" + `-3` + "`" + ` suffixes. ` + "`" + `attachments` + "`" + ` and ` + "`" + `templates` + "`" + ` are reserved.
4. **Attachments** are identified by the SHA-256 of their bytes. Identical
   bytes attached to many notes are stored once.
5. **Run reports** are written to ` + "`" + `.vaultport/last-run.json` + "`" + ` and list every
   note or attachment that could not be converted, with the reason.
6. Files without ` + "`" + `source: evernote` + "`" + ` in their front matter were not written by
   a migration and are never overwritten.

## Tools

- ` + "`" + `start_migration` + "`" + ` starts converting a bundle and returns the job.
- ` + "`" + `migration_status` + "`" + ` reports progress, or the last run report when no job id is given.
- ` + "`" + `cancel_migration` + "`" + ` stops a running job; completed notes stay valid.
- ` + "`" + `list_migrations` + "`" + ` lists known jobs.
- ` + "`" + `list_notes` + "`" + ` lists notes with path, title, note id, notebook and tags.
- ` + "`" + `read_note` + "`" + ` returns one note's metadata, links, embeds and raw content.
`
