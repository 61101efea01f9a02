//go:build !windows

package i18n

import (
	"os"
	"strings"
)

// platformLocales reads the GNU LANGUAGE priority list, e.g. "zh_CN:en".
// It is only consulted when no locale variable is set.
func platformLocales() []string {
	var out []string
	for _, l := range strings.Split(os.Getenv("LANGUAGE"), ":") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
