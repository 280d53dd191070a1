// Package config gathers the command line, the optional TOML file and
// environment fallbacks into one validated Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

const (
	// EnvSearchAPIKey holds the search backend key when no flag or file sets it.
	EnvSearchAPIKey = "PST_INDEX_SEARCH_API_KEY"
	// EnvIMAPPass holds the IMAP password when no flag or file sets it.
	EnvIMAPPass = "IMAP_PASS"
	// EnvHome overrides the ~/.pst-index home directory.
	EnvHome = "PST_INDEX_HOME"
)

const (
	BackendMeilisearch = "meilisearch"
	BackendSQLite      = "sqlite"
)

type Config struct {
	Archive  string `toml:"archive"`
	LogLevel string `toml:"log_level"`
	LogDir   string `toml:"log_dir"`

	Search   SearchConfig   `toml:"search"`
	Progress ProgressConfig `toml:"progress"`
	Filter   FilterConfig   `toml:"filter"`
	Web      WebConfig      `toml:"web"`
	IMAP     IMAPConfig     `toml:"imap"`

	// File is the config file that was applied, empty when none.
	File string `toml:"-"`
}

type SearchConfig struct {
	Backend    string `toml:"backend"`
	URL        string `toml:"url"`
	APIKey     string `toml:"api_key"`
	Index      string `toml:"index"`
	SQLitePath string `toml:"sqlite_path"`
}

type ProgressConfig struct {
	File        string `toml:"file"`
	Redis       string `toml:"redis"`
	RedisKey    string `toml:"redis_key"`
	RetryFailed bool   `toml:"retry_failed"`
	BatchSize   int    `toml:"batch_size"`
	NoBody      bool   `toml:"no_body"`
}

type FilterConfig struct {
	IncludeFolder []string `toml:"include_folder"`
	ExcludeFolder []string `toml:"exclude_folder"`
}

type WebConfig struct {
	Addr          string        `toml:"addr"`
	StaticDir     string        `toml:"static_dir"`
	LookupTimeout time.Duration `toml:"lookup_timeout"`
	RateLimit     float64       `toml:"rate_limit"`
	RateBurst     int           `toml:"rate_burst"`
}

type IMAPConfig struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	User               string `toml:"user"`
	Pass               string `toml:"pass"`
	UseTLS             bool   `toml:"use_tls"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	Folder             string `toml:"folder"`
	DryRun             bool   `toml:"dry_run"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	home := Home()
	return Config{
		LogLevel: "info",
		Search: SearchConfig{
			Backend:    BackendMeilisearch,
			URL:        "http://localhost:7700",
			Index:      "pst",
			SQLitePath: filepath.Join(home, "index.db"),
		},
		Progress: ProgressConfig{
			File:      "progress.csv",
			RedisKey:  "pst-index:progress",
			BatchSize: 100,
		},
		Web: WebConfig{
			Addr:          "0.0.0.0:8800",
			LookupTimeout: time.Second,
			RateBurst:     20,
		},
		IMAP: IMAPConfig{
			Port:   993,
			UseTLS: true,
			Folder: "INBOX",
		},
	}
}

// Home returns the directory holding the default config file and index.
func Home() string {
	if h := os.Getenv(EnvHome); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pst-index"
	}
	return filepath.Join(home, ".pst-index")
}

// RegisterFlags attaches the flags shared by every command.
func RegisterFlags(cmd *cobra.Command) {
	def := Default()
	flags := cmd.PersistentFlags()
	flags.String("config", "", "TOML config file (default ~/.pst-index/config.toml when present)")
	flags.String("log-level", def.LogLevel, "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write JSON logs to a timestamped file in this directory")
	flags.String("search-backend", def.Search.Backend, "Search backend: meilisearch or sqlite")
	flags.String("search-url", def.Search.URL, "Meilisearch URL")
	flags.String("search-api-key", "", "Meilisearch API key (falls back to "+EnvSearchAPIKey+")")
	flags.String("index-name", def.Search.Index, "Name of the search index")
	flags.String("sqlite-path", def.Search.SQLitePath, "SQLite index file for the sqlite backend")
}

// RegisterArchiveFlags adds the archive and folder filter flags.
func RegisterArchiveFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringP("archive", "a", "", "PST/OST file, mbox file or directory of mbox files")
	flags.StringArray("include-folder", nil, "Regex allow-list applied to folder paths (mutually exclusive with --exclude-folder)")
	flags.StringArray("exclude-folder", nil, "Regex block-list applied to folder paths (mutually exclusive with --include-folder)")
}

// RegisterIndexFlags adds the ingestion flags.
func RegisterIndexFlags(cmd *cobra.Command) {
	def := Default()
	flags := cmd.Flags()
	flags.String("progress-file", def.Progress.File, "CSV file recording indexed and failed ids")
	flags.String("progress-redis", "", "Keep progress in Redis instead, e.g. redis://localhost:6379/0")
	flags.String("progress-redis-key", def.Progress.RedisKey, "Redis hash holding the progress")
	flags.Bool("retry-failed", false, "Re-extract messages recorded as failed")
	flags.Int("batch-size", def.Progress.BatchSize, "Documents per search backend submission")
	flags.Bool("no-body", false, "Index metadata only, without message bodies")
}

// RegisterWebFlags adds the HTTP server flags.
func RegisterWebFlags(cmd *cobra.Command) {
	def := Default()
	flags := cmd.Flags()
	flags.String("addr", def.Web.Addr, "Listen address")
	flags.String("static-dir", "", "Serve files from this directory for unrouted paths")
	flags.Duration("lookup-timeout", def.Web.LookupTimeout, "Maximum wait for one message body")
	flags.Float64("rate-limit", 0, "Requests per second per client, 0 disables limiting")
	flags.Int("rate-burst", def.Web.RateBurst, "Burst size of the rate limiter")
}

// RegisterIMAPFlags adds the IMAP upload flags.
func RegisterIMAPFlags(cmd *cobra.Command) {
	def := Default()
	flags := cmd.Flags()
	flags.String("imap-host", "", "IMAP server hostname; enables upload")
	flags.Int("imap-port", def.IMAP.Port, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to "+EnvIMAPPass+")")
	flags.Bool("use-tls", def.IMAP.UseTLS, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("imap-folder", def.IMAP.Folder, "Target IMAP folder, created when missing")
	flags.Bool("dry-run", false, "Log the upload without connecting")
}

// Load builds the Config for cmd: defaults, then the config file, then every
// flag the user set, then environment fallbacks.
func Load(cmd *cobra.Command) (Config, error) {
	cfg := Default()
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	if err := cfg.loadFile(path); err != nil {
		return Config{}, err
	}

	var errs []error
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			v, err := flags.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if flags.Changed(name) {
			v, err := flags.GetBool(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if flags.Changed(name) {
			v, err := flags.GetInt(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	array := func(name string, dst *[]string) {
		if flags.Changed(name) {
			v, err := flags.GetStringArray(name)
			errs = append(errs, err)
			*dst = v
		}
	}

	str("log-level", &cfg.LogLevel)
	str("log-dir", &cfg.LogDir)
	str("search-backend", &cfg.Search.Backend)
	str("search-url", &cfg.Search.URL)
	str("search-api-key", &cfg.Search.APIKey)
	str("index-name", &cfg.Search.Index)
	str("sqlite-path", &cfg.Search.SQLitePath)

	str("archive", &cfg.Archive)
	array("include-folder", &cfg.Filter.IncludeFolder)
	array("exclude-folder", &cfg.Filter.ExcludeFolder)

	str("progress-file", &cfg.Progress.File)
	str("progress-redis", &cfg.Progress.Redis)
	str("progress-redis-key", &cfg.Progress.RedisKey)
	boolean("retry-failed", &cfg.Progress.RetryFailed)
	integer("batch-size", &cfg.Progress.BatchSize)
	boolean("no-body", &cfg.Progress.NoBody)

	str("addr", &cfg.Web.Addr)
	str("static-dir", &cfg.Web.StaticDir)
	if flags.Changed("lookup-timeout") {
		v, err := flags.GetDuration("lookup-timeout")
		errs = append(errs, err)
		cfg.Web.LookupTimeout = v
	}
	if flags.Changed("rate-limit") {
		v, err := flags.GetFloat64("rate-limit")
		errs = append(errs, err)
		cfg.Web.RateLimit = v
	}
	integer("rate-burst", &cfg.Web.RateBurst)

	str("imap-host", &cfg.IMAP.Host)
	integer("imap-port", &cfg.IMAP.Port)
	str("imap-user", &cfg.IMAP.User)
	str("imap-pass", &cfg.IMAP.Pass)
	boolean("use-tls", &cfg.IMAP.UseTLS)
	boolean("insecure-skip-verify", &cfg.IMAP.InsecureSkipVerify)
	str("imap-folder", &cfg.IMAP.Folder)
	boolean("dry-run", &cfg.IMAP.DryRun)

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile decodes path over cfg. An empty path uses the default file, which
// may be absent; an explicit path must exist.
func (c *Config) loadFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = filepath.Join(Home(), "config.toml")
	}
	path = ExpandPath(path)
	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config file: %w", err)
	}
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	c.File = path
	return nil
}

func (c *Config) applyEnv() {
	if c.Search.APIKey == "" {
		c.Search.APIKey = os.Getenv(EnvSearchAPIKey)
	}
	if c.IMAP.Pass == "" {
		c.IMAP.Pass = os.Getenv(EnvIMAPPass)
	}
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "warning" {
		c.LogLevel = "warn"
	}
	c.Search.Backend = strings.ToLower(c.Search.Backend)
	c.Archive = ExpandPath(c.Archive)
	c.LogDir = ExpandPath(c.LogDir)
	c.Search.SQLitePath = ExpandPath(c.Search.SQLitePath)
	c.Progress.File = ExpandPath(c.Progress.File)
	c.Web.StaticDir = ExpandPath(c.Web.StaticDir)
}

// Validate checks the settings every command relies on.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", c.LogLevel)
	}
	switch c.Search.Backend {
	case BackendMeilisearch:
		if c.Search.URL == "" {
			return fmt.Errorf("--search-url is required for the meilisearch backend")
		}
	case BackendSQLite:
		if c.Search.SQLitePath == "" {
			return fmt.Errorf("--sqlite-path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("invalid --search-backend: %s", c.Search.Backend)
	}
	if c.Search.Index == "" {
		return fmt.Errorf("--index-name must not be empty")
	}
	if len(c.Filter.IncludeFolder) > 0 && len(c.Filter.ExcludeFolder) > 0 {
		return fmt.Errorf("include and exclude folder filters are mutually exclusive")
	}
	if c.Progress.BatchSize <= 0 {
		return fmt.Errorf("--batch-size must be positive")
	}
	if c.Web.LookupTimeout <= 0 {
		return fmt.Errorf("--lookup-timeout must be positive")
	}
	if c.Web.RateLimit < 0 {
		return fmt.Errorf("--rate-limit must not be negative")
	}
	if c.IMAP.Port <= 0 || c.IMAP.Port > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	return nil
}

// RequireArchive reports a usage error when no archive was given.
func (c Config) RequireArchive() error {
	if c.Archive == "" {
		return fmt.Errorf("--archive is required")
	}
	return nil
}

// ValidateIMAP checks the upload settings once an upload was requested.
func (c Config) ValidateIMAP() error {
	if c.IMAP.DryRun {
		return nil
	}
	if c.IMAP.User == "" {
		return fmt.Errorf("--imap-user is required")
	}
	if c.IMAP.Pass == "" {
		return fmt.Errorf("IMAP password must be provided via --imap-pass or %s env var", EnvIMAPPass)
	}
	return nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	if len(path) > 1 && path[1] != '/' && path[1] != filepath.Separator {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
