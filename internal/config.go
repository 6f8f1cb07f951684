package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/vaultport/internal/attach"
	"github.com/starford/vaultport/internal/layout"
	"github.com/starford/vaultport/internal/transform"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Vault    VaultConfig       `yaml:"vault"`
	State    StateConfig       `yaml:"state"`
	Pipeline PipelineConfig    `yaml:"pipeline"`
	Inbox    InboxConfig       `yaml:"inbox"`
	Auth     AuthConfig        `yaml:"auth"`
	Mirror   MirrorConfig      `yaml:"mirror"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Vault.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.Inbox.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	return c.Mirror.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// VaultConfig describes the output vault.
type VaultConfig struct {
	Path            string `yaml:"path"`
	AttachmentsDir  string `yaml:"attachments_dir"`
	TemplatesDir    string `yaml:"templates_dir"`
	Templates       bool   `yaml:"templates"`
	EmbedStyle      string `yaml:"embed_style"`
	DefaultNotebook string `yaml:"default_notebook"`
}

// Validate validates the vault configuration.
func (c *VaultConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.AttachmentsDir, validation.Required, validation.By(plainDirName)),
		validation.Field(&c.TemplatesDir, validation.Required, validation.By(plainDirName)),
		validation.Field(&c.EmbedStyle, validation.In(transform.EmbedWikilink, transform.EmbedMarkdown)),
	)
}

// plainDirName accepts a single directory name directly under the vault root.
func plainDirName(v any) error {
	s, _ := v.(string)
	if s != filepath.Base(s) || s == "." || s == ".." || s == layout.StateDir {
		return fmt.Errorf("must be a plain directory name")
	}
	return nil
}

// StateConfig holds the conversion state database location.
type StateConfig struct {
	// Path defaults to <vault>/.vaultport/state.db when empty.
	Path string `yaml:"path"`
}

// DBPath returns the state database path for vaultPath.
func (c *StateConfig) DBPath(vaultPath string) string {
	if c.Path != "" {
		return c.Path
	}
	return filepath.Join(vaultPath, layout.StateDir, "state.db")
}

// PipelineConfig tunes conversion runs.
type PipelineConfig struct {
	Workers      int `yaml:"workers"`
	QueueSize    int `yaml:"queue_size"`
	MaxNoteBytes int `yaml:"max_note_bytes"`
}

// Validate validates the pipeline configuration.
func (c *PipelineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Required, validation.Min(1), validation.Max(256)),
		validation.Field(&c.QueueSize, validation.Min(0)),
		validation.Field(&c.MaxNoteBytes, validation.Min(0)),
	)
}

// InboxConfig controls drop-folder ingestion in serve mode.
type InboxConfig struct {
	Dir    string        `yaml:"dir"`
	Watch  bool          `yaml:"watch"`
	Settle time.Duration `yaml:"settle"`
}

// Validate validates the inbox configuration.
func (c *InboxConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.When(c.Watch, validation.Required)),
		validation.Field(&c.Settle, validation.Min(time.Duration(0))),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// MirrorConfig configures the optional object-store copy of attachments.
type MirrorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Validate validates the mirror configuration.
func (c *MirrorConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Endpoint, validation.Required),
		validation.Field(&c.AccessKey, validation.Required),
		validation.Field(&c.SecretKey, validation.Required),
		validation.Field(&c.Bucket, validation.Required, validation.Length(3, 63)),
	)
}

// Attach converts c into the attachment mirror settings.
func (c *MirrorConfig) Attach() attach.MirrorConfig {
	return attach.MirrorConfig{
		Endpoint:  c.Endpoint,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Bucket:    c.Bucket,
		Region:    c.Region,
		UseSSL:    c.UseSSL,
	}
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Vault: VaultConfig{
			Path:            "./vault",
			AttachmentsDir:  attach.DefaultDir,
			TemplatesDir:    layout.DefaultTemplatesDir,
			Templates:       true,
			EmbedStyle:      transform.EmbedWikilink,
			DefaultNotebook: layout.UnfiledDir,
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			QueueSize:    16,
			MaxNoteBytes: 64 << 20,
		},
		Inbox: InboxConfig{
			Dir:    "./inbox",
			Settle: 2 * time.Second,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
