package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/huanfeng/sourcehub/internal/i18n"
	"github.com/huanfeng/sourcehub/pkg/catalog"
	"github.com/huanfeng/sourcehub/pkg/core"
	"github.com/huanfeng/sourcehub/pkg/models"
	"github.com/huanfeng/sourcehub/pkg/sources"
	"github.com/huanfeng/sourcehub/pkg/utils"
)

var (
	sourceParent      string
	sourceName        string
	sourceJSON        bool
	sourceEnabledOnly bool
	sourceOutput      string
)

var sourceCmd = &cobra.Command{
	Use:     "source",
	Aliases: []string{"src"},
	Short:   "Manage the source tree",
	Long: `Sources are remote JSON catalogs organized in folders. A disabled folder
hides everything below it.`,
}

var sourceAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Add a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(func(tree *sources.Tree) error {
			parent, err := resolveParent(tree)
			if err != nil {
				return err
			}
			id, err := tree.AddLeaf(parent, args[0], sourceName)
			if err != nil {
				return err
			}
			fmt.Println(i18n.T("msg.sourceAdded", map[string]interface{}{"ID": shortID(id)}))
			return nil
		})
	},
}

var sourceAddFolderCmd = &cobra.Command{
	Use:   "add-folder <name>",
	Short: "Add a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(func(tree *sources.Tree) error {
			parent, err := resolveParent(tree)
			if err != nil {
				return err
			}
			id, err := tree.AddFolder(parent, args[0])
			if err != nil {
				return err
			}
			fmt.Println(i18n.T("msg.sourceAdded", map[string]interface{}{"ID": shortID(id)}))
			return nil
		})
	},
}

var sourceListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Show the source tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		tree := sources.Load(cfg.SourcesFile(), logger)
		roots := tree.Snapshot()

		if sourceJSON {
			for i := range roots {
				stripItems(&roots[i])
			}
			return printJSON(roots)
		}

		if len(roots) == 0 {
			fmt.Println(i18n.T("msg.noSources"))
			return nil
		}
		for _, src := range roots {
			printSource(src, 0)
		}
		return nil
	},
}

var sourceRenameCmd = &cobra.Command{
	Use:   "rename <source> <name>",
	Short: "Rename a source or folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSource(args[0], func(tree *sources.Tree, src models.Source) error {
			return tree.Rename(src.ID, args[1])
		})
	},
}

var sourceMoveCmd = &cobra.Command{
	Use:   "move <source>",
	Short: "Move a source under another folder (--parent, default: top level)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSource(args[0], func(tree *sources.Tree, src models.Source) error {
			parent, err := resolveParent(tree)
			if err != nil {
				return err
			}
			return tree.Move(src.ID, parent)
		})
	},
}

var sourceRemoveCmd = &cobra.Command{
	Use:     "remove <source>",
	Aliases: []string{"rm"},
	Short:   "Remove a source, or a folder with everything in it",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSource(args[0], func(tree *sources.Tree, src models.Source) error {
			return tree.Delete(src.ID)
		})
	},
}

var sourceEnableCmd = &cobra.Command{
	Use:   "enable <source>",
	Short: "Enable a source or folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSource(args[0], func(tree *sources.Tree, src models.Source) error {
			return tree.SetEnabled(src.ID, true)
		})
	},
}

var sourceDisableCmd = &cobra.Command{
	Use:   "disable <source>",
	Short: "Disable a source or folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSource(args[0], func(tree *sources.Tree, src models.Source) error {
			return tree.SetEnabled(src.ID, false)
		})
	},
}

var sourceImportCmd = &cobra.Command{
	Use:   "import <file|->",
	Short: "Append sources from an export file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(args[0])
		if err != nil {
			return err
		}
		return withTree(func(tree *sources.Tree) error {
			parent, err := resolveParent(tree)
			if err != nil {
				return err
			}
			n, err := tree.Import(data, parent)
			if err != nil {
				return err
			}
			fmt.Println(i18n.T("msg.sourcesImported", map[string]interface{}{"Count": n}))
			return nil
		})
	},
}

var sourceExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the source tree in the portable format",
	RunE: func(cmd *cobra.Command, args []string) error {
		tree := sources.Load(cfg.SourcesFile(), logger)
		data, err := tree.ExportJSON(sourceEnabledOnly)
		if err != nil {
			return err
		}
		if sourceOutput == "" || sourceOutput == "-" {
			_, err = fmt.Println(string(data))
			return err
		}
		return os.WriteFile(sourceOutput, append(data, '\n'), 0644)
	},
}

var sourceRefreshCmd = &cobra.Command{
	Use:   "refresh [source]",
	Short: "Fetch every enabled source, or just one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptContext()
		defer stop()

		var (
			mu       sync.Mutex
			progress *utils.FetchProgress
		)
		c, err := openCore(ctx, false, func(p catalog.Progress) {
			mu.Lock()
			defer mu.Unlock()
			if progress != nil && p.Completed > progress.Completed {
				progress.Failed = p.Failed
				progress.Update(p.Completed)
			}
		})
		if err != nil {
			return err
		}
		defer c.Close()

		if len(args) == 1 {
			return refreshOne(ctx, c, args[0])
		}

		mu.Lock()
		progress = utils.NewFetchProgress(len(c.Sources().EnabledLeaves()))
		mu.Unlock()
		report, err := c.RefreshSources(ctx)
		progress.ShowFinalStats()
		if report != nil {
			for id, msg := range report.Failed {
				fmt.Printf("   ❌ %s: %s\n", sourceLabel(c, id), msg)
			}
		}
		if err != nil {
			return err
		}
		fmt.Println(i18n.T("msg.catalogSize", map[string]interface{}{"Count": len(c.Catalog().Display().List())}))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sourceCmd)
	sourceCmd.AddCommand(sourceAddCmd, sourceAddFolderCmd, sourceListCmd, sourceRenameCmd,
		sourceMoveCmd, sourceRemoveCmd, sourceEnableCmd, sourceDisableCmd,
		sourceImportCmd, sourceExportCmd, sourceRefreshCmd)

	for _, c := range []*cobra.Command{sourceAddCmd, sourceAddFolderCmd, sourceMoveCmd, sourceImportCmd} {
		c.Flags().StringVarP(&sourceParent, "parent", "p", "", "Parent folder (id, id prefix or name)")
	}
	sourceAddCmd.Flags().StringVarP(&sourceName, "name", "n", "", "Display name (default: host name)")
	sourceListCmd.Flags().BoolVar(&sourceJSON, "json", false, "Output as JSON")
	sourceExportCmd.Flags().BoolVar(&sourceEnabledOnly, "enabled-only", false, "Leave out disabled sources")
	sourceExportCmd.Flags().StringVarP(&sourceOutput, "output", "o", "", "Output file (default: stdout)")
}

// withTree loads the tree, runs fn and saves the tree if fn succeeded
func withTree(fn func(tree *sources.Tree) error) error {
	tree := sources.Load(cfg.SourcesFile(), logger)
	if err := fn(tree); err != nil {
		return err
	}
	return tree.Save()
}

func withSource(ref string, fn func(tree *sources.Tree, src models.Source) error) error {
	return withTree(func(tree *sources.Tree) error {
		src, err := tree.Find(ref)
		if err != nil {
			return err
		}
		return fn(tree, src)
	})
}

func resolveParent(tree *sources.Tree) (string, error) {
	if sourceParent == "" {
		return "", nil
	}
	parent, err := tree.Find(sourceParent)
	if err != nil {
		return "", err
	}
	return parent.ID, nil
}

func refreshOne(ctx context.Context, c *core.Core, ref string) error {
	src, err := c.Sources().Find(ref)
	if err != nil {
		return err
	}
	if err := c.Catalog().FetchOne(ctx, src.ID); err != nil {
		return err
	}
	updated, _ := c.Sources().Get(src.ID)
	fmt.Println(i18n.T("msg.sourceRefreshed", map[string]interface{}{"Name": updated.Name, "Count": updated.ItemCount}))
	return nil
}

func printSource(src models.Source, depth int) {
	indent := strings.Repeat("  ", depth)
	mark := "✅"
	if !src.Enabled {
		mark = "⏸️ "
	}

	if src.IsFolder() {
		fmt.Printf("%s%s 📁 %s  [%s]\n", indent, mark, src.Name, shortID(src.ID))
		for _, child := range src.Children {
			if child != nil {
				printSource(*child, depth+1)
			}
		}
		return
	}

	state := src.Fetch.State.String()
	if src.Fetch.State == models.FetchError && src.Fetch.Message != "" {
		state += ": " + src.Fetch.Message
	}
	fmt.Printf("%s%s %s  [%s]  %d apps  (%s)\n", indent, mark, src.Name, shortID(src.ID), src.ItemCount, state)
	fmt.Printf("%s     %s\n", indent, src.URL)
}

func stripItems(src *models.Source) {
	src.CachedItems = nil
	for _, child := range src.Children {
		if child != nil {
			stripItems(child)
		}
	}
}

func sourceLabel(c *core.Core, id string) string {
	if src, err := c.Sources().Get(id); err == nil {
		return src.Name
	}
	return shortID(id)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
