package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/huanfeng/sourcehub/internal/i18n"
)

func TestLangFromArgs(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"catalog", "list"}, ""},
		{[]string{"--lang", "zh", "catalog"}, "zh"},
		{[]string{"catalog", "--lang=en"}, "en"},
		{[]string{"--lang"}, ""},
		{[]string{"download", "get", "--", "--lang=zh"}, ""},
	}
	for _, tt := range tests {
		if got := langFromArgs(tt.args); got != tt.want {
			t.Errorf("langFromArgs(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestCommandTree(t *testing.T) {
	want := map[string]bool{"source": false, "catalog": false, "download": false, "library": false, "config": false, "doctor": false, "version": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
	if rootCmd.PersistentPreRunE == nil {
		t.Fatal("root command has no setup hook")
	}
}

func TestSetupHookLoadsConfigAndLanguage(t *testing.T) {
	for _, key := range []string{"SOURCEHUB_LANG", "LC_ALL", "LC_MESSAGES", "LANG", "LANGUAGE"} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "paths:\n  state_dir: " + dir + "\npreferences:\n  language: zh\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfgFile, langFlag = path, ""
	t.Cleanup(func() {
		cfgFile = ""
		i18n.Init("en")
		applyCommandLocalization()
	})

	if err := i18n.Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	applyCommandLocalization()
	english := rootCmd.Short

	if err := rootCmd.PersistentPreRunE(rootCmd, nil); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if cfg == nil || cfg.Paths.StateDir != dir {
		t.Fatalf("config not loaded: %+v", cfg)
	}
	if logger == nil {
		t.Error("logger not set up")
	}
	if rootCmd.Short == english || rootCmd.Short != i18n.T("cmd.root.short") {
		t.Errorf("root description not localized: %q", rootCmd.Short)
	}
}
