package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/vaultport/internal"
	"github.com/starford/vaultport/internal/pipeline"
	"github.com/starford/vaultport/internal/termprogress"
	pkgconfig "github.com/starford/vaultport/pkg/config"
)

var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	if _, err := pkgconfig.LoadOptional(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if v := cmd.String("vault"); v != "" {
		cfg.Vault.Path = v
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Bool("watch") {
		cfg.Inbox.Watch = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := internal.Run(ctx, internal.WithConfig(cfg), internal.WithVersion(version)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func convert(ctx context.Context, cmd *cli.Command) error {
	bundle := cmd.Args().First()
	if bundle == "" {
		return fmt.Errorf("usage: vaultport convert <bundle.enex>")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if s := cmd.String("embed-style"); s != "" {
		cfg.Vault.EmbedStyle = s
	}
	if cmd.Bool("no-templates") {
		cfg.Vault.Templates = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	bar := termprogress.New(os.Stderr)
	manifest, runErr := internal.Convert(ctx, bundle,
		internal.WithConfig(cfg),
		internal.WithLogOutput(os.Stderr),
		internal.WithProgress(func(ev pipeline.Event, final bool) {
			if final {
				bar.Finish(ev)
				return
			}
			bar.Update(ev)
		}),
	)
	if manifest != nil {
		if cmd.Bool("json") {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(manifest); err != nil {
				return err
			}
		} else {
			printSummary(os.Stdout, manifest)
		}
	}
	if runErr != nil {
		return fmt.Errorf("conversion %s: %w", manifestStage(manifest), runErr)
	}
	return nil
}

func manifestStage(m *pipeline.Manifest) string {
	if m == nil {
		return "failed"
	}
	return string(m.Stage)
}

func printSummary(w io.Writer, m *pipeline.Manifest) {
	fmt.Fprintf(w, "%s: %s\n", m.Bundle, m.Stage)
	fmt.Fprintf(w, "  notes:       %d written, %d unchanged, %d failed\n", m.Written, m.Skipped, m.Failed)
	fmt.Fprintf(w, "  attachments: %d stored, %d deduplicated\n", m.AttachmentsStored, m.AttachmentsDeduped)
	fmt.Fprintf(w, "  indexes:     %d written\n", m.IndexesWritten)
	for _, f := range m.Failures {
		name := f.Title
		if name == "" {
			name = f.NoteID
		}
		if f.Attachment != "" {
			name += " / " + f.Attachment
		}
		fmt.Fprintf(w, "  ! %s %s: %s\n", f.Kind, name, f.Message)
	}
	for _, b := range m.BrokenEmbeds {
		fmt.Fprintf(w, "  ? broken reference in %s: %s\n", b.Path, b.Target)
	}
	for _, msg := range m.Warnings {
		fmt.Fprintf(w, "  ~ %s\n", msg)
	}
}

func mcp(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return internal.ServeMCP(ctx,
		internal.WithConfig(cfg),
		internal.WithLogOutput(os.Stderr),
		internal.WithVersion(version),
	)
}

func reset(ctx context.Context, cmd *cli.Command) error {
	if !cmd.Bool("yes") {
		return fmt.Errorf("reset forgets every converted note; pass --yes to confirm")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return internal.Reset(ctx, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
}

func main() {
	cmd := &cli.Command{
		Name:    "vaultport",
		Usage:   "Convert Evernote export bundles into a Markdown vault",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "vault",
				Usage:   "Vault directory (overrides vault.path)",
				Sources: cli.EnvVars("VAULTPORT_VAULT"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "convert",
				Usage:     "Convert one bundle into the vault",
				ArgsUsage: "<bundle.enex>",
				Action:    convert,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "embed-style", Usage: "Attachment embeds: wikilink or markdown"},
					&cli.BoolFlag{Name: "no-templates", Usage: "Do not scaffold templates and viewer settings"},
					&cli.BoolFlag{Name: "json", Usage: "Print the run manifest as JSON"},
				},
			},
			{
				Name:   "serve",
				Usage:  "Run the HTTP control API",
				Action: serve,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "watch", Usage: "Convert bundles dropped into the inbox directory"},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve migration tools over MCP (stdio)",
				Action: mcp,
			},
			{
				Name:   "reset",
				Usage:  "Forget the conversion state of the vault",
				Action: reset,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Usage: "Confirm the reset"},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
