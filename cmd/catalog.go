package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/huanfeng/sourcehub/internal/i18n"
	"github.com/huanfeng/sourcehub/pkg/catalog"
	"github.com/huanfeng/sourcehub/pkg/models"
	"github.com/huanfeng/sourcehub/pkg/sources"
)

var (
	catalogSort   string
	catalogSearch string
	catalogJSON   bool
	catalogLimit  int
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Browse the aggregated catalog",
	Long: `The catalog shows the latest version of every app published by the
enabled sources, as cached by the last refresh.`,
}

var catalogListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the latest version of every app",
	RunE: func(cmd *cobra.Command, args []string) error {
		opt, err := sortOption()
		if err != nil {
			return err
		}

		tree := sources.Load(cfg.SourcesFile(), logger)
		list := catalog.Aggregate(tree.CachedItems(), opt)
		if catalogSearch != "" {
			list = catalog.Search(list, catalogSearch)
		}
		if catalogLimit > 0 && len(list) > catalogLimit {
			list = list[:catalogLimit]
		}

		if catalogJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println(i18n.T("msg.catalogEmpty"))
			return nil
		}
		printCatalog(list)
		return nil
	},
}

var catalogHistoryCmd = &cobra.Command{
	Use:   "history <bundle-id>",
	Short: "Show every cached version of an app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tree := sources.Load(cfg.SourcesFile(), logger)
		items := tree.CachedItems()

		found := false
		for _, latest := range catalog.Aggregate(items, catalog.SortByName) {
			if latest.BundleID != args[0] {
				continue
			}
			found = true
			fmt.Printf("=== %s (%s) ===\n", latest.Name, latest.Origin)
			for _, v := range catalog.History(items, latest.Identity()) {
				fmt.Printf("  %-14s %-12s %-10s %s\n", v.Version, dateOrDash(v.VersionDate), sizeOrDash(v.Size), v.DownloadURL)
			}
		}
		if !found {
			return fmt.Errorf("%s", i18n.T("msg.appNotFound", map[string]interface{}{"ID": args[0]}))
		}
		return nil
	},
}

var catalogSortCmd = &cobra.Command{
	Use:       "sort <name|date|size>",
	Short:     "Set the default catalog order",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"name", "date", "size"},
	RunE: func(cmd *cobra.Command, args []string) error {
		opt, ok := catalog.ParseSortOption(args[0])
		if !ok {
			return fmt.Errorf("unknown sort order %q", args[0])
		}
		cfg.Preferences.SortOrder = opt.String()
		if err := cfg.Save(cfgFile); err != nil {
			return err
		}
		fmt.Println(i18n.T("msg.sortSaved", map[string]interface{}{"Sort": opt.String()}))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogListCmd, catalogHistoryCmd, catalogSortCmd)

	catalogListCmd.Flags().StringVarP(&catalogSort, "sort", "s", "", "Sort by name, date or size (default: saved preference)")
	catalogListCmd.Flags().StringVarP(&catalogSearch, "search", "q", "", "Only show apps matching this text")
	catalogListCmd.Flags().BoolVar(&catalogJSON, "json", false, "Output as JSON")
	catalogListCmd.Flags().IntVarP(&catalogLimit, "limit", "l", 0, "Show at most this many apps")
}

func sortOption() (catalog.SortOption, error) {
	name := catalogSort
	if name == "" {
		name = cfg.Preferences.SortOrder
	}
	opt, ok := catalog.ParseSortOption(name)
	if !ok {
		return opt, fmt.Errorf("unknown sort order %q", name)
	}
	return opt, nil
}

func printCatalog(list []models.CatalogItem) {
	fmt.Printf("%-28s %-36s %-12s %-12s %-10s %s\n", "Name", "Bundle ID", "Version", "Date", "Size", "Source")
	for _, item := range list {
		fmt.Printf("%-28s %-36s %-12s %-12s %-10s %s\n",
			truncate(item.Name, 28), truncate(item.BundleID, 36), truncate(item.Version, 12),
			dateOrDash(item.VersionDate), sizeOrDash(item.Size), item.Origin)
	}
	fmt.Printf("\n%s\n", i18n.T("msg.catalogSize", map[string]interface{}{"Count": len(list)}))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func dateOrDash(d string) string {
	if d == "" {
		return "-"
	}
	if len(d) > 10 {
		return d[:10]
	}
	return d
}

func sizeOrDash(size int64) string {
	if size <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(size))
}
