package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/huanfeng/sourcehub/internal/version"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := DefaultConfig()
	if cfg.Fetch.Concurrency != def.Fetch.Concurrency || cfg.Fetch.Timeout != def.Fetch.Timeout {
		t.Errorf("fetch = %+v, want defaults", cfg.Fetch)
	}
	if cfg.Download.DefaultExtension != ".ipa" || !cfg.Download.ResumeRestored {
		t.Errorf("download = %+v", cfg.Download)
	}
	if cfg.Preferences.SortOrder != "name" {
		t.Errorf("sort order = %q", cfg.Preferences.SortOrder)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `paths:
  state_dir: ` + dir + `
fetch:
  concurrency: 5
  timeout: 3s
download:
  default_extension: zip
preferences:
  sort_order: date
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SOURCEHUB_FETCH_MAX_RETRIES", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Fetch.Concurrency != 5 || cfg.Fetch.Timeout != 3*time.Second {
		t.Errorf("fetch = %+v", cfg.Fetch)
	}
	if cfg.Fetch.MaxRetries != 7 {
		t.Errorf("max retries = %d, want value from environment", cfg.Fetch.MaxRetries)
	}
	if cfg.Download.DefaultExtension != ".zip" {
		t.Errorf("extension = %q, want .zip", cfg.Download.DefaultExtension)
	}
	if cfg.Preferences.SortOrder != "date" {
		t.Errorf("sort order = %q", cfg.Preferences.SortOrder)
	}
	if cfg.SourcesFile() != filepath.Join(dir, "sources.json") || cfg.DownloadDir() != filepath.Join(dir, "downloads") {
		t.Errorf("paths = %s, %s", cfg.SourcesFile(), cfg.DownloadDir())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"zero concurrency", func(c *Config) { c.Fetch.Concurrency = 0 }, "fetch.concurrency"},
		{"negative retries", func(c *Config) { c.Fetch.MaxRetries = -1 }, "fetch.max_retries"},
		{"unknown sort", func(c *Config) { c.Preferences.SortOrder = "popularity" }, "sort_order"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %s", err, tt.want)
			}
		})
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestSaveThenLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Paths.StateDir = dir
	cfg.Paths.DownloadDir = filepath.Join(dir, "out")
	cfg.Fetch.Concurrency = 9
	cfg.Download.AutoPostProcess = true
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Fetch.Concurrency != 9 || !loaded.Download.AutoPostProcess || loaded.DownloadDir() != cfg.Paths.DownloadDir {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestSaveTemplateLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := SaveTemplate(path); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Download.ProbeInterval != 5*time.Second || cfg.Fetch.UserAgent != version.UserAgent() {
		t.Errorf("template config = %+v", cfg)
	}
	if strings.HasPrefix(cfg.Paths.StateDir, "~") {
		t.Errorf("state dir not expanded: %s", cfg.Paths.StateDir)
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.StateDir = filepath.Join(t.TempDir(), "state")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.ResumeDir(), cfg.TransferDir(), cfg.DownloadDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("%s missing: %v", dir, err)
		}
	}
}
