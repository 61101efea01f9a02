package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/huanfeng/sourcehub/internal/version"
)

// Config is the sourcehub configuration, including the user preference flags
type Config struct {
	Paths       PathsConfig       `mapstructure:"paths" yaml:"paths"`
	Fetch       FetchConfig       `mapstructure:"fetch" yaml:"fetch"`
	Download    DownloadConfig    `mapstructure:"download" yaml:"download"`
	Preferences PreferencesConfig `mapstructure:"preferences" yaml:"preferences"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

// PathsConfig contains the persisted state locations.
// An empty DownloadDir means <state_dir>/downloads.
type PathsConfig struct {
	StateDir    string `mapstructure:"state_dir" yaml:"state_dir"`
	DownloadDir string `mapstructure:"download_dir" yaml:"download_dir"`
}

// FetchConfig controls catalog refreshes
type FetchConfig struct {
	Concurrency  int           `mapstructure:"concurrency" yaml:"concurrency"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	UserAgent    string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// DownloadConfig controls the transfer engine and download finalization
type DownloadConfig struct {
	DefaultExtension string        `mapstructure:"default_extension" yaml:"default_extension"`
	AutoPostProcess  bool          `mapstructure:"auto_postprocess" yaml:"auto_postprocess"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ResumeRestored   bool          `mapstructure:"resume_restored" yaml:"resume_restored"`
}

// PreferencesConfig holds user preference flags
type PreferencesConfig struct {
	SortOrder string `mapstructure:"sort_order" yaml:"sort_order"` // "name", "date", "size"
	Language  string `mapstructure:"language" yaml:"language"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "text", "json", "compact"
	File   string `mapstructure:"file" yaml:"file"`
}

// DefaultStateDir returns ~/.sourcehub
func DefaultStateDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".sourcehub"
	}
	return filepath.Join(homeDir, ".sourcehub")
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir: DefaultStateDir(),
		},
		Fetch: FetchConfig{
			Concurrency:  3,
			Timeout:      30 * time.Second,
			MaxRetries:   2,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			UserAgent:    version.UserAgent(),
		},
		Download: DownloadConfig{
			DefaultExtension: ".ipa",
			AutoPostProcess:  false,
			ProgressInterval: 250 * time.Millisecond,
			ProbeInterval:    5 * time.Second,
			ResumeRestored:   true,
		},
		Preferences: PreferencesConfig{
			SortOrder: "name",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigPath returns the default config file path
func ConfigPath() string {
	return filepath.Join(DefaultStateDir(), "config.yaml")
}

// Load loads configuration from file and environment.
// A missing file is not an error, the defaults are used.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, DefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(DefaultStateDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("SOURCEHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("paths.state_dir", d.Paths.StateDir)
	v.SetDefault("paths.download_dir", d.Paths.DownloadDir)
	v.SetDefault("fetch.concurrency", d.Fetch.Concurrency)
	v.SetDefault("fetch.timeout", d.Fetch.Timeout)
	v.SetDefault("fetch.max_retries", d.Fetch.MaxRetries)
	v.SetDefault("fetch.initial_delay", d.Fetch.InitialDelay)
	v.SetDefault("fetch.max_delay", d.Fetch.MaxDelay)
	v.SetDefault("fetch.user_agent", d.Fetch.UserAgent)
	v.SetDefault("download.default_extension", d.Download.DefaultExtension)
	v.SetDefault("download.auto_postprocess", d.Download.AutoPostProcess)
	v.SetDefault("download.progress_interval", d.Download.ProgressInterval)
	v.SetDefault("download.probe_interval", d.Download.ProbeInterval)
	v.SetDefault("download.resume_restored", d.Download.ResumeRestored)
	v.SetDefault("preferences.sort_order", d.Preferences.SortOrder)
	v.SetDefault("preferences.language", d.Preferences.Language)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
}

// Validate checks values that would otherwise fail deep inside the core
func (c *Config) Validate() error {
	if c.Fetch.Concurrency < 1 {
		return fmt.Errorf("fetch.concurrency must be at least 1, got %d", c.Fetch.Concurrency)
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must not be negative, got %d", c.Fetch.MaxRetries)
	}
	switch c.Preferences.SortOrder {
	case "name", "date", "size":
	default:
		return fmt.Errorf("preferences.sort_order must be one of name, date, size, got %q", c.Preferences.SortOrder)
	}
	if ext := c.Download.DefaultExtension; ext != "" && !strings.HasPrefix(ext, ".") {
		c.Download.DefaultExtension = "." + ext
	}
	return nil
}

// Save writes the configuration atomically to path
func (c *Config) Save(path string) error {
	if path == "" {
		path = ConfigPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := renameio.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// expandPaths expands ~ in paths
func (c *Config) expandPaths() {
	c.Paths.StateDir = expandHome(c.Paths.StateDir)
	c.Paths.DownloadDir = expandHome(c.Paths.DownloadDir)
}

func expandHome(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(homeDir, p[1:])
}

// SourcesFile is the persisted source tree
func (c *Config) SourcesFile() string {
	return filepath.Join(c.Paths.StateDir, "sources.json")
}

// ResumeDir holds resume tokens and their index
func (c *Config) ResumeDir() string {
	return filepath.Join(c.Paths.StateDir, "resume")
}

// TransferDir is the transfer engine's work directory
func (c *Config) TransferDir() string {
	return filepath.Join(c.Paths.StateDir, "transfers")
}

// DownloadDir is where finished artifacts are placed
func (c *Config) DownloadDir() string {
	if c.Paths.DownloadDir != "" {
		return c.Paths.DownloadDir
	}
	return filepath.Join(c.Paths.StateDir, "downloads")
}

// EnsureDirectories creates the state directories
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.ResumeDir(), c.TransferDir(), c.DownloadDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SaveTemplate saves a commented configuration template
func SaveTemplate(path string) error {
	templateContent := `# sourcehub configuration

paths:
  # Where the source tree, resume tokens and in-flight transfers are kept
  state_dir: "~/.sourcehub"
  # Where finished downloads are placed (default: <state_dir>/downloads)
  download_dir: ""

fetch:
  # Maximum number of sources refreshed at the same time
  concurrency: 3
  timeout: 30s
  # Retries per source for network and 5xx errors (4xx and bad manifests are not retried)
  max_retries: 2
  initial_delay: 1s
  max_delay: 10s
  # user_agent: "sourcehub/<version>"

download:
  # Appended to artifact names whose URL has no extension
  default_extension: ".ipa"
  # Run post-processing (archive extraction, package inspection) after a download
  auto_postprocess: false
  progress_interval: 250ms
  # How often connectivity is probed while a download waits for the network
  probe_interval: 5s
  # Restart transfers interrupted by a previous process on startup
  resume_restored: true

preferences:
  # Catalog order: name, date or size
  sort_order: "name"
  language: ""

log:
  level: "info"
  format: "text"
  file: ""
`

	return renameio.WriteFile(path, []byte(templateContent), 0644)
}
