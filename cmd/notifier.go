package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/huanfeng/sourcehub/internal/i18n"
)

// cliNotifier reports download outcomes on stderr
type cliNotifier struct{}

func (cliNotifier) DownloadFinished(url, path string) {
	fmt.Fprintf(os.Stderr, "\n✅ %s\n", i18n.T("msg.downloadFinished", map[string]interface{}{
		"Name": filepath.Base(path),
		"Path": path,
	}))
}

func (cliNotifier) DownloadFailed(url string, err error) {
	fmt.Fprintf(os.Stderr, "\n❌ %s\n", i18n.T("msg.downloadFailed", map[string]interface{}{
		"URL":   url,
		"Error": err.Error(),
	}))
}
