package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/huanfeng/sourcehub/internal/config"
	hubErrors "github.com/huanfeng/sourcehub/internal/errors"
	"github.com/huanfeng/sourcehub/internal/i18n"
	"github.com/huanfeng/sourcehub/internal/version"
	"github.com/huanfeng/sourcehub/pkg/catalog"
	"github.com/huanfeng/sourcehub/pkg/core"
	"github.com/huanfeng/sourcehub/pkg/utils"
)

var (
	cfgFile   string
	langFlag  string
	logLevel  string
	logFormat string
	logFile   string
	verbose   bool

	cfg    *config.Config
	logger utils.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sourcehub",
	Short: "Browse app sources and download their packages",
	Long: `sourcehub aggregates app catalogs published by remote JSON sources,
organized in a folder tree, and downloads packages with pause and resume
support that survives restarts.`,
	Version:       version.Short(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with status 1 on failure
func Execute() {
	if err := i18n.Init(langFromArgs(os.Args[1:])); err != nil {
		fmt.Fprintf(os.Stderr, "i18n init failed: %v\n", err)
	}
	applyCommandLocalization()

	started := time.Now()
	if failed, err := rootCmd.ExecuteC(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", i18n.T("msg.error"), err)
		if hubErr, ok := hubErrors.As(err); ok {
			if verbose {
				reportFailure(os.Stderr, failed, os.Args[1:], hubErr, time.Since(started))
			} else {
				for _, s := range hubErr.Suggestions {
					fmt.Fprintf(os.Stderr, "  - %s\n", s)
				}
			}
		}
		os.Exit(1)
	}
}

func init() {
	// Assigned here because the hook refers back to rootCmd.
	rootCmd.PersistentPreRunE = loadEnvironment
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default: ~/.sourcehub/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&langFlag, "lang", "", "Interface language (en, zh)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json, compact)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
}

// langFromArgs picks --lang out of the raw arguments so help text can be
// localized before cobra parses anything.
func langFromArgs(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "--":
			return ""
		case strings.HasPrefix(arg, "--lang="):
			return strings.TrimPrefix(arg, "--lang=")
		case arg == "--lang" && i+1 < len(args):
			return args[i+1]
		}
	}
	return ""
}

// loadEnvironment loads the configuration, switches to the configured
// language when --lang was not given, and sets up the logger.
func loadEnvironment(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	if langFlag == "" && cfg.Preferences.Language != "" {
		if err := i18n.Init(cfg.Preferences.Language); err == nil {
			applyCommandLocalization()
		}
	}

	return setupLogger()
}

func setupLogger() error {
	levelName := cfg.Log.Level
	if logLevel != "" {
		levelName = logLevel
	}
	if verbose {
		levelName = "debug"
	}
	level, err := utils.ParseLogLevel(levelName)
	if err != nil {
		return err
	}

	formatName := cfg.Log.Format
	if logFormat != "" {
		formatName = logFormat
	}
	format, err := utils.ParseLogFormat(formatName)
	if err != nil {
		return err
	}

	lc := utils.DefaultLoggerConfig()
	lc.Level = level
	lc.Format = format
	if path := firstNonEmpty(logFile, cfg.Log.File); path != "" {
		lc.EnableFile = true
		lc.FilePath = path
	}

	l, err := utils.InitGlobalLogger(lc)
	if err != nil {
		return err
	}
	logger = l
	return nil
}

// openCore opens the core for one command. Transfers interrupted by an
// earlier process are only restarted when resumeRestored is set and the
// configuration allows it.
func openCore(ctx context.Context, resumeRestored bool, onProgress func(catalog.Progress)) (*core.Core, error) {
	c := *cfg
	c.Download.ResumeRestored = resumeRestored && cfg.Download.ResumeRestored
	return core.Open(ctx, core.Options{
		Config:          &c,
		Logger:          logger,
		Notifier:        cliNotifier{},
		OnFetchProgress: onProgress,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
