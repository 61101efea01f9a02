package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/huanfeng/sourcehub/internal/i18n"
	"github.com/huanfeng/sourcehub/pkg/apk"
	"github.com/huanfeng/sourcehub/pkg/downloads"
)

var libraryJSON bool

var libraryCmd = &cobra.Command{
	Use:     "library",
	Aliases: []string{"lib"},
	Short:   "Manage downloaded files",
}

var libraryListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List files in the download directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		artifacts, err := library().List(context.Background())
		if err != nil {
			return err
		}
		if libraryJSON {
			return printJSON(artifacts)
		}
		if len(artifacts) == 0 {
			fmt.Println(i18n.T("msg.libraryEmpty"))
			return nil
		}

		var total int64
		for _, a := range artifacts {
			total += a.Size
			fmt.Printf("%-48s %10s  %s\n", a.Name, humanize.IBytes(uint64(a.Size)), humanize.Time(a.ModTime))
		}
		fmt.Printf("\n%d files, %s in %s\n", len(artifacts), humanize.IBytes(uint64(total)), cfg.DownloadDir())
		return nil
	},
}

var libraryRenameCmd = &cobra.Command{
	Use:     "rename <name> <new-name>",
	Aliases: []string{"mv"},
	Short:   "Rename a downloaded file",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return library().Rename(context.Background(), args[0], args[1])
	},
}

var libraryRemoveCmd = &cobra.Command{
	Use:     "remove <name>...",
	Aliases: []string{"rm"},
	Short:   "Delete downloaded files and their extracted contents",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lib := library()
		for _, name := range args {
			if err := lib.Delete(context.Background(), name); err != nil {
				return err
			}
		}
		return nil
	},
}

var libraryImportCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Copy files into the download directory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lib := library()
		for _, src := range args {
			name, err := lib.Import(context.Background(), src)
			if err != nil {
				return err
			}
			fmt.Println(i18n.T("msg.fileImported", map[string]interface{}{"Name": name}))
		}
		return nil
	},
}

var libraryExtractCmd = &cobra.Command{
	Use:   "extract <name>",
	Short: "Unpack an .ipa or .zip next to itself",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := libraryPath(args[0])
		if err != nil {
			return err
		}
		return downloads.ZipExtractor{Logger: logger}.Process(context.Background(), p)
	},
}

var libraryInspectCmd = &cobra.Command{
	Use:   "inspect <name>",
	Short: "Show the manifest of a downloaded APK",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := libraryPath(args[0])
		if err != nil {
			return err
		}
		info, err := apk.Inspect(p)
		if err != nil {
			return err
		}
		if libraryJSON {
			return printJSON(info)
		}

		fmt.Printf("=== %s ===\n", args[0])
		fmt.Printf("Package ID: %s\n", info.PackageID)
		fmt.Printf("Label: %s\n", info.Label)
		fmt.Printf("Version: %s (Code: %d)\n", info.Version, info.VersionCode)
		fmt.Printf("Min SDK: %d, Target SDK: %d\n", info.MinSDK, info.TargetSDK)
		fmt.Printf("Size: %s\n", humanize.IBytes(uint64(info.Size)))
		if len(info.ABIs) > 0 {
			fmt.Printf("ABIs: %s\n", strings.Join(info.ABIs, ", "))
		}
		if len(info.Permissions) > 0 {
			fmt.Printf("Permissions (%d):\n", len(info.Permissions))
			for _, perm := range info.Permissions {
				fmt.Printf("  %s\n", perm)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(libraryCmd)
	libraryCmd.AddCommand(libraryListCmd, libraryRenameCmd, libraryRemoveCmd, libraryImportCmd, libraryExtractCmd, libraryInspectCmd)

	libraryListCmd.Flags().BoolVar(&libraryJSON, "json", false, "Output as JSON")
	libraryInspectCmd.Flags().BoolVar(&libraryJSON, "json", false, "Output as JSON")
}

func library() *downloads.Library {
	return downloads.NewLibrary(downloads.StaticDir(cfg.DownloadDir()))
}

// libraryPath resolves name to a file in the download directory
func libraryPath(name string) (string, error) {
	artifacts, err := library().List(context.Background())
	if err != nil {
		return "", err
	}
	for _, a := range artifacts {
		if a.Name == name {
			return filepath.Join(cfg.DownloadDir(), name), nil
		}
	}
	return "", downloads.ErrArtifactNotFound
}
