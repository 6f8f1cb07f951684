// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes vaultport migration tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/vaultport/internal/apperr"
	"github.com/starford/vaultport/internal/jobs"
	"github.com/starford/vaultport/internal/parser"
	"github.com/starford/vaultport/internal/pipeline"
	"github.com/starford/vaultport/internal/storage"
)

const vaultFormatURI = "vaultport://vault-format"

// Server wraps the MCP server with migration tools.
type Server struct {
	mcp   *server.MCPServer
	jobs  *jobs.Manager
	store storage.Provider
}

// New creates a new MCP server with all tools registered.
func New(mgr *jobs.Manager, store storage.Provider, version string) *Server {
	s := &Server{jobs: mgr, store: store}

	s.mcp = server.NewMCPServer(
		"vaultport",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("start_migration",
		mcp.WithDescription("Start converting an Evernote export bundle (.enex) into the Markdown vault. "+
			"Returns the job; poll migration_status for progress. Only one migration runs at a time."),
		mcp.WithString("bundle", mcp.Required(), mcp.Description("Path to the .enex file on the server")),
	), s.startMigration)

	s.mcp.AddTool(mcp.NewTool("migration_status",
		mcp.WithDescription("Report the stage, counters and failures of a migration job. "+
			"Without job_id, returns the report of the last finished run on the vault."),
		mcp.WithString("job_id", mcp.Description("Job id returned by start_migration")),
	), s.migrationStatus)

	s.mcp.AddTool(mcp.NewTool("cancel_migration",
		mcp.WithDescription("Cancel a running migration. Notes already written stay complete."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job id to cancel")),
	), s.cancelMigration)

	s.mcp.AddTool(mcp.NewTool("list_migrations",
		mcp.WithDescription("List known migration jobs, newest first."),
	), s.listMigrations)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List converted notes with their titles and tags, in the vault or in one notebook folder."),
		mcp.WithString("folder", mcp.Description("Optional notebook folder (empty for all)")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read a converted Markdown note: metadata, tags, links, embeds and full content."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Vault-relative path (e.g. Work/Plan.md)")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("get_vault_format",
		mcp.WithDescription("Returns the vault layout and note format produced by migrations."),
	), s.getVaultFormat)

	// Resource: vault format contract.
	s.mcp.AddResource(
		mcp.NewResource(vaultFormatURI, "Vault Format",
			mcp.WithResourceDescription("Layout and note format of a migrated vault."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readVaultFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func (s *Server) startMigration(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bundle, err := req.RequireString("bundle")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if info, statErr := os.Stat(bundle); statErr != nil || info.IsDir() {
		return mcp.NewToolResultError(fmt.Sprintf("bundle not found: %s", bundle)), nil
	}
	st, err := s.jobs.Start(pipeline.FileSource(bundle))
	if err != nil {
		if errors.Is(err, apperr.ErrVaultBusy) {
			return mcp.NewToolResultError("a migration is already running"), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(st), nil
}

func (s *Server) migrationStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := ""
	if v, err := req.RequireString("job_id"); err == nil {
		id = v
	}
	if id == "" {
		m, err := pipeline.LoadManifest(s.store)
		if err != nil {
			return mcp.NewToolResultError("no finished run on this vault"), nil
		}
		return jsonResult(m), nil
	}
	st, err := s.jobs.Get(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("unknown job: %s", id)), nil
	}
	return jsonResult(st), nil
}

func (s *Server) cancelMigration(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.jobs.Cancel(id); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown job: %s", id)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("cancelling: %s", id)), nil
}

func (s *Server) listMigrations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.jobs.List()), nil
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	folder := ""
	if f, err := req.RequireString("folder"); err == nil {
		folder = f
	}

	metas, err := s.store.List(folder, ".md")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var notes []noteSummary
	for _, m := range metas {
		if strings.HasPrefix(m.Path, ".") || strings.Contains(m.Path, "/.") {
			continue
		}
		n := noteSummary{Path: m.Path}
		if data, err := s.store.Read(m.Path); err == nil {
			res := parser.Parse(data)
			n.Title, n.NoteID, n.Notebook, n.Tags = res.Title, res.Meta.NoteID, res.Meta.Notebook, res.Tags
		}
		notes = append(notes, n)
	}
	if len(notes) == 0 {
		return mcp.NewToolResultText("no notes found"), nil
	}
	return jsonResult(notes), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := s.store.Read(path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
	}
	res := parser.Parse(data)
	return jsonResult(noteDetail{
		noteSummary: noteSummary{
			Path:     path,
			Title:    res.Title,
			NoteID:   res.Meta.NoteID,
			Notebook: res.Meta.Notebook,
			Tags:     res.Tags,
		},
		Links:   res.Links,
		Embeds:  res.Embeds,
		Content: string(data),
	}), nil
}

type noteSummary struct {
	Path     string   `json:"path"`
	Title    string   `json:"title,omitempty"`
	NoteID   string   `json:"note_id,omitempty"`
	Notebook string   `json:"notebook,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type noteDetail struct {
	noteSummary
	Links   []string `json:"links,omitempty"`
	Embeds  []string `json:"embeds,omitempty"`
	Content string   `json:"content"`
}

func (s *Server) getVaultFormat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(VaultFormatContract), nil
}

func (s *Server) readVaultFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      vaultFormatURI,
			MIMEType: "text/markdown",
			Text:     VaultFormatContract,
		},
	}, nil
}
