package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/huanfeng/sourcehub/internal/i18n"
	"github.com/huanfeng/sourcehub/pkg/catalog"
	"github.com/huanfeng/sourcehub/pkg/core"
	"github.com/huanfeng/sourcehub/pkg/models"
	"github.com/huanfeng/sourcehub/pkg/utils"
)

var downloadJSON bool

var downloadCmd = &cobra.Command{
	Use:     "download",
	Aliases: []string{"dl"},
	Short:   "Download packages with pause and resume",
	Long: `Downloads run in the foreground. Press Ctrl-C to pause; a paused download
keeps its partial data and continues where it stopped with 'download resume'.`,
}

var downloadGetCmd = &cobra.Command{
	Use:   "get <url|bundle-id>",
	Short: "Download a package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runForeground(args[0], func(ctx context.Context, c *core.Core, target string) error {
			return c.Start(ctx, target)
		})
	},
}

var downloadResumeCmd = &cobra.Command{
	Use:   "resume <url|bundle-id>",
	Short: "Continue a paused download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runForeground(args[0], func(ctx context.Context, c *core.Core, target string) error {
			return c.Resume(ctx, target)
		})
	},
}

var downloadPauseCmd = &cobra.Command{
	Use:   "pause <url|bundle-id>",
	Short: "Pause a download interrupted by a previous run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) error {
			target, err := resolveTarget(c, args[0])
			if err != nil {
				return err
			}
			if err := c.Pause(ctx, target); err != nil {
				return err
			}
			printStatus(c.GetStatus(target))
			return nil
		})
	},
}

var downloadCancelCmd = &cobra.Command{
	Use:   "cancel <url|bundle-id>",
	Short: "Cancel a download and delete its partial data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) error {
			target, err := resolveTarget(c, args[0])
			if err != nil {
				return err
			}
			if err := c.Cancel(ctx, target); err != nil {
				return err
			}
			fmt.Println(i18n.T("msg.downloadCancelled", map[string]interface{}{"URL": target}))
			return nil
		})
	},
}

var downloadStatusCmd = &cobra.Command{
	Use:     "status [url|bundle-id]",
	Aliases: []string{"ls"},
	Short:   "Show unfinished downloads",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) error {
			var statuses []models.DownloadStatus
			if len(args) == 1 {
				target, err := resolveTarget(c, args[0])
				if err != nil {
					return err
				}
				statuses = append(statuses, c.GetStatus(target))
			} else {
				statuses = c.Downloads()
			}

			if downloadJSON {
				return printJSON(statuses)
			}
			if len(statuses) == 0 {
				fmt.Println(i18n.T("msg.noDownloads"))
				return nil
			}
			for _, s := range statuses {
				printStatus(s)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.AddCommand(downloadGetCmd, downloadResumeCmd, downloadPauseCmd, downloadCancelCmd, downloadStatusCmd)

	downloadStatusCmd.Flags().BoolVar(&downloadJSON, "json", false, "Output as JSON")
}

func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withCore opens the core without restarting interrupted transfers
func withCore(fn func(ctx context.Context, c *core.Core) error) error {
	ctx, stop := interruptContext()
	defer stop()

	c, err := openCore(ctx, false, nil)
	if err != nil {
		return err
	}
	return errors.Join(fn(ctx, c), c.Close())
}

// runForeground starts a transfer with begin and renders it until it
// settles. An interrupt pauses the transfer instead of abandoning it.
func runForeground(ref string, begin func(ctx context.Context, c *core.Core, target string) error) error {
	ctx, stop := interruptContext()
	defer stop()

	c, err := openCore(context.Background(), true, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	target, err := resolveTarget(c, ref)
	if err != nil {
		return err
	}
	if err := begin(ctx, c, target); err != nil {
		return err
	}

	status := c.GetStatus(target)
	if !status.Active() {
		fmt.Println(i18n.T("msg.alreadyDownloaded", map[string]interface{}{"Name": path.Base(target)}))
		return nil
	}

	bar := utils.NewProgressBar(status.Total, displayName(target))
	waiting := false
	final, err := c.AwaitSettled(ctx, target, func(s models.DownloadStatus) {
		switch s.Phase {
		case models.PhaseDownloading:
			waiting = false
			bar.Update(s.Written, s.Total)
		case models.PhaseWaitingForConnectivity:
			if !waiting {
				fmt.Fprintf(os.Stderr, "\n⏳ %s\n", i18n.T("msg.waitingForNetwork"))
				waiting = true
			}
		}
	})

	if ctx.Err() != nil {
		// Interrupted: keep what was received.
		if perr := c.Pause(context.Background(), target); perr != nil {
			return perr
		}
		final = c.GetStatus(target)
		fmt.Println()
		if final.Phase == models.PhasePaused {
			fmt.Println(i18n.T("msg.downloadPaused", map[string]interface{}{"URL": target}))
		}
		return nil
	}
	if err != nil {
		return err
	}

	if final.Phase == models.PhasePaused {
		fmt.Println()
		fmt.Println(i18n.T("msg.downloadPaused", map[string]interface{}{"URL": target}))
	}
	return nil
}

// resolveTarget accepts a download URL, or a bundle id looked up in the
// cached catalog.
func resolveTarget(c *core.Core, ref string) (string, error) {
	if u, err := url.Parse(ref); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return ref, nil
	}

	var matches []models.CatalogItem
	for _, item := range c.Catalog().Display().List() {
		if item.BundleID == ref && item.DownloadURL != "" {
			matches = append(matches, item)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%s", i18n.T("msg.appNotFound", map[string]interface{}{"ID": ref}))
	case 1:
		return matches[0].DownloadURL, nil
	default:
		latest := catalog.Aggregate(matches, catalog.SortByDate)
		logger.Info("%s is published by %d sources, using %s", ref, len(matches), latest[0].Origin)
		return latest[0].DownloadURL, nil
	}
}

func displayName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
		return path.Base(u.Path)
	}
	return rawURL
}

func printStatus(s models.DownloadStatus) {
	size := humanize.IBytes(uint64(s.Written))
	if s.Total > 0 {
		size += " / " + humanize.IBytes(uint64(s.Total))
		fmt.Printf("%-24s %5.1f%%  %-22s %s\n", s.Phase, s.Progress*100, size, s.URL)
		return
	}
	fmt.Printf("%-24s %6s  %-22s %s\n", s.Phase, "-", size, s.URL)
}
