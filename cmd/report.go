package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	hubErrors "github.com/huanfeng/sourcehub/internal/errors"
	"github.com/huanfeng/sourcehub/pkg/system"
)

// newReporter builds an error reporter backed by the network and storage
// checks doctor uses. It works before the configuration is loaded.
func newReporter() *hubErrors.ErrorReporter {
	opts := hubErrors.ReporterOptions{
		ConfigPath: firstNonEmpty(cfgFile, configPathOrDefault()),
		NetworkCheck: func(ctx context.Context, url string) error {
			status := system.NewNetworkChecker(logger).Check(ctx, url)
			if status.Connected {
				return nil
			}
			return fmt.Errorf("%s (%s)", status.Error, status.ErrorType)
		},
	}
	if logger != nil {
		opts.Logger = logger
	}
	if cfg != nil {
		opts.StateDir = cfg.Paths.StateDir
		opts.ReportDir = filepath.Join(cfg.Paths.StateDir, "reports")
		opts.StorageCheck = func() error {
			var problems []string
			rc := system.NewResourceChecker(logger, minFreeSpace)
			for _, s := range rc.CheckAll([]string{cfg.Paths.StateDir, cfg.DownloadDir()}) {
				switch {
				case s.Error != "":
					problems = append(problems, fmt.Sprintf("%s: %s", s.Path, s.Error))
				case !s.Writable:
					problems = append(problems, s.Path+" is not writable")
				case s.LowSpace:
					problems = append(problems, "low disk space in "+s.Path)
				}
			}
			if len(problems) > 0 {
				return fmt.Errorf("%s", strings.Join(problems, "; "))
			}
			return nil
		}
	}
	return hubErrors.NewErrorReporter(opts)
}

// reportFailure prints a full report for a failed command and saves it
// next to the state.
func reportFailure(w io.Writer, cmd *cobra.Command, args []string, hubErr *hubErrors.HubError, elapsed time.Duration) {
	op := &hubErrors.OperationContext{
		Arguments: args,
		Duration:  elapsed,
		Flags:     make(map[string]string),
	}
	if cmd != nil {
		op.Command = cmd.CommandPath()
		cmd.Flags().Visit(func(f *pflag.Flag) {
			op.Flags[f.Name] = f.Value.String()
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	reporter := newReporter()
	report := reporter.GenerateReport(ctx, hubErr, op)
	reporter.WriteReport(w, report)
	if path, err := reporter.SaveReport(report); err == nil {
		fmt.Fprintf(w, "📄 Report saved to %s\n", path)
	}
}
