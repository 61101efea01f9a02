package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/huanfeng/sourcehub/internal/config"
	hubErrors "github.com/huanfeng/sourcehub/internal/errors"
	"github.com/huanfeng/sourcehub/internal/i18n"
	"github.com/huanfeng/sourcehub/pkg/models"
	"github.com/huanfeng/sourcehub/pkg/sources"
	"github.com/huanfeng/sourcehub/pkg/system"
)

// minFreeSpace is the free space below which doctor warns about a directory
const minFreeSpace = 500 * 1024 * 1024

var doctorCheck string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose configuration, storage and network issues",
	Long: `The doctor command checks that:
- the configuration is valid
- the state and download directories are writable and have free space
- every enabled source can be reached`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Info("Starting diagnostics...")

		fmt.Println("🏥 sourcehub doctor")
		fmt.Println(strings.Repeat("=", 50))

		var issues, suggestions []string

		fmt.Println("\n⚙️  " + i18n.T("msg.doctorConfig"))
		checkConfiguration(&issues, &suggestions)

		if doctorCheck == "all" || doctorCheck == "storage" {
			fmt.Println("\n💾 " + i18n.T("msg.doctorStorage"))
			checkStorage(&issues, &suggestions)
		}

		if doctorCheck == "all" || doctorCheck == "network" {
			fmt.Println("\n🌐 " + i18n.T("msg.doctorNetwork"))
			checkNetwork(cmd.Context(), &issues, &suggestions)
			checkFailedSources(cmd.Context(), &issues, &suggestions)
		}

		fmt.Println("\n" + strings.Repeat("=", 50))
		if len(issues) == 0 {
			fmt.Println("✅ " + i18n.T("msg.doctorPassed"))
			return nil
		}

		fmt.Printf("❌ %s\n\n", i18n.T("msg.doctorIssues", map[string]interface{}{"Count": len(issues)}))
		for i, issue := range issues {
			fmt.Printf("%d. %s\n", i+1, issue)
		}
		if len(suggestions) > 0 {
			fmt.Println("\n💡 " + i18n.T("msg.doctorSuggestions"))
			for i, s := range dedupe(suggestions) {
				fmt.Printf("%d. %s\n", i+1, s)
			}
		}
		return errors.New(i18n.T("msg.doctorFailed"))
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorCheck, "check", "all", "What to check: all, storage or network")
}

func checkConfiguration(issues, suggestions *[]string) {
	path := cfgFile
	if path == "" {
		path = configPathOrDefault()
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("   ⚠️  %s: not found, using defaults\n", path)
		*suggestions = append(*suggestions, "Run 'sourcehub config init' to create a configuration file")
	} else {
		fmt.Printf("   ✅ %s\n", path)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("   ❌ %v\n", err)
		*issues = append(*issues, err.Error())
	}
	fmt.Printf("   📂 State: %s\n", cfg.Paths.StateDir)
	fmt.Printf("   📥 Downloads: %s\n", cfg.DownloadDir())
}

func checkStorage(issues, suggestions *[]string) {
	if err := cfg.EnsureDirectories(); err != nil {
		*issues = append(*issues, err.Error())
		*suggestions = append(*suggestions, "Check permissions of the state directory or set paths.state_dir")
		return
	}

	rc := system.NewResourceChecker(logger, minFreeSpace)
	statuses := rc.CheckAll([]string{cfg.Paths.StateDir, cfg.DownloadDir()})
	fmt.Print(system.FormatStorage(statuses))

	for _, s := range statuses {
		if s.OK() {
			continue
		}
		switch {
		case s.Error != "":
			*issues = append(*issues, fmt.Sprintf("%s: %s", s.Path, s.Error))
		case !s.Writable:
			*issues = append(*issues, fmt.Sprintf("%s is not writable", s.Path))
			*suggestions = append(*suggestions, "Check the directory permissions")
		case s.LowSpace:
			*issues = append(*issues, fmt.Sprintf("Low disk space in %s", s.Path))
			*suggestions = append(*suggestions, "Free some space or move paths.download_dir to a larger disk")
		}
	}
}

func checkNetwork(ctx context.Context, issues, suggestions *[]string) {
	tree := sources.Load(cfg.SourcesFile(), logger)
	var urls []string
	for _, src := range tree.EnabledLeaves() {
		urls = append(urls, src.URL)
	}
	if len(urls) == 0 {
		fmt.Println("   " + i18n.T("msg.noSources"))
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(len(urls))*15*time.Second)
	defer cancel()

	nc := system.NewNetworkChecker(logger)
	statuses := nc.CheckAll(ctx, urls)
	fmt.Print(system.FormatStatuses(statuses))

	for _, s := range statuses {
		if s.Connected {
			continue
		}
		*issues = append(*issues, fmt.Sprintf("Cannot reach %s (%s)", s.URL, s.ErrorType))
		*suggestions = append(*suggestions, system.DiagnoseNetworkIssue(errors.New(s.Error))...)
	}
}

// checkFailedSources diagnoses every source whose last refresh failed.
// A failed source is disabled, so it is missing from the network check.
func checkFailedSources(ctx context.Context, issues, suggestions *[]string) {
	tree := sources.Load(cfg.SourcesFile(), logger)
	failed := failedLeaves(tree.Snapshot())
	if len(failed) == 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	reporter := newReporter()
	for _, src := range failed {
		fmt.Printf("   ❌ %s: %s\n", src.Name, src.Fetch.Message)
		hubErr := hubErrors.NewNetworkError("SOURCE_FETCH_FAILED", src.Fetch.Message).
			WithContext("url", src.URL)
		for _, check := range reporter.DiagnoseError(ctx, hubErr).Checks {
			if check.Name != "Network" {
				continue
			}
			fmt.Printf("      %s\n", check.Message)
			if check.Action != "" {
				*suggestions = append(*suggestions, fmt.Sprintf("%s: %s, then 'sourcehub source enable %s'", src.Name, check.Action, shortID(src.ID)))
			}
		}
		*issues = append(*issues, fmt.Sprintf("Source %s was disabled after a failed refresh", src.Name))
	}
}

func failedLeaves(list []models.Source) []models.Source {
	var out []models.Source
	for _, src := range list {
		if src.IsFolder() {
			for _, child := range src.Children {
				if child != nil {
					out = append(out, failedLeaves([]models.Source{*child})...)
				}
			}
			continue
		}
		if src.Fetch.State == models.FetchError {
			out = append(out, src)
		}
	}
	return out
}

// configPathOrDefault mirrors the lookup order of config.Load
func configPathOrDefault() string {
	if _, err := os.Stat(config.ConfigPath()); err == nil {
		return config.ConfigPath()
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return config.ConfigPath()
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
