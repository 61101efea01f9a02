package cmd

import (
	"github.com/spf13/cobra"

	"github.com/huanfeng/sourcehub/internal/i18n"
)

// applyCommandLocalization updates command and flag descriptions after i18n is initialized.
func applyCommandLocalization() {
	rootCmd.Short = i18n.T("cmd.root.short")
	rootCmd.Long = i18n.T("cmd.root.long")

	for name, id := range map[string]string{
		"config":     "flags.config",
		"lang":       "flags.lang",
		"log-level":  "flags.logLevel",
		"log-format": "flags.logFormat",
		"log-file":   "flags.logFile",
		"verbose":    "flags.verbose",
	} {
		if flag := rootCmd.PersistentFlags().Lookup(name); flag != nil {
			flag.Usage = i18n.T(id)
		}
	}

	localize(sourceCmd, "cmd.source")
	localize(sourceAddCmd, "cmd.sourceAdd")
	localize(sourceAddFolderCmd, "cmd.sourceAddFolder")
	localize(sourceListCmd, "cmd.sourceList")
	localize(sourceRenameCmd, "cmd.sourceRename")
	localize(sourceMoveCmd, "cmd.sourceMove")
	localize(sourceRemoveCmd, "cmd.sourceRemove")
	localize(sourceEnableCmd, "cmd.sourceEnable")
	localize(sourceDisableCmd, "cmd.sourceDisable")
	localize(sourceImportCmd, "cmd.sourceImport")
	localize(sourceExportCmd, "cmd.sourceExport")
	localize(sourceRefreshCmd, "cmd.sourceRefresh")

	localize(catalogCmd, "cmd.catalog")
	localize(catalogListCmd, "cmd.catalogList")
	localize(catalogHistoryCmd, "cmd.catalogHistory")
	localize(catalogSortCmd, "cmd.catalogSort")

	localize(downloadCmd, "cmd.download")
	localize(downloadGetCmd, "cmd.downloadGet")
	localize(downloadResumeCmd, "cmd.downloadResume")
	localize(downloadPauseCmd, "cmd.downloadPause")
	localize(downloadCancelCmd, "cmd.downloadCancel")
	localize(downloadStatusCmd, "cmd.downloadStatus")

	localize(libraryCmd, "cmd.library")
	localize(libraryListCmd, "cmd.libraryList")
	localize(libraryRenameCmd, "cmd.libraryRename")
	localize(libraryRemoveCmd, "cmd.libraryRemove")
	localize(libraryImportCmd, "cmd.libraryImport")
	localize(libraryExtractCmd, "cmd.libraryExtract")
	localize(libraryInspectCmd, "cmd.libraryInspect")

	localize(configCmd, "cmd.config")
	localize(configInitCmd, "cmd.configInit")
	localize(configShowCmd, "cmd.configShow")

	localize(doctorCmd, "cmd.doctor")
	localize(versionCmd, "cmd.version")
}

// localize sets Short from <prefix>.short and, when translated, Long from
// <prefix>.long. Missing translations keep the built-in text.
func localize(cmd *cobra.Command, prefix string) {
	if short := i18n.T(prefix + ".short"); short != prefix+".short" {
		cmd.Short = short
	}
	if long := i18n.T(prefix + ".long"); long != prefix+".long" {
		cmd.Long = long
	}
}
