package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	goi18n "github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.toml
var localeFS embed.FS

// envKeys are consulted in order after --lang. SOURCEHUB_LANG wins over the
// POSIX locale variables.
var envKeys = []string{"SOURCEHUB_LANG", "LC_ALL", "LC_MESSAGES", "LANG"}

var (
	mu              sync.RWMutex
	bundle          *goi18n.Bundle
	localizer       *goi18n.Localizer
	currentLanguage = language.English
)

// Init loads the embedded catalogs and picks the first supported language
// from langOverride, the environment and the platform settings. English is
// used when none of them is supported.
func Init(langOverride string) error {
	b := goi18n.NewBundle(language.English)
	b.RegisterUnmarshalFunc("toml", toml.Unmarshal)
	if err := loadMessageFiles(b); err != nil {
		return fmt.Errorf("load locales: %w", err)
	}

	chosen := matchLanguage(b.LanguageTags(), localeCandidates(langOverride))

	mu.Lock()
	bundle = b
	localizer = goi18n.NewLocalizer(b, chosen.String(), language.English.String())
	currentLanguage = chosen
	mu.Unlock()
	return nil
}

// T translates a message by ID with optional template data. Unknown IDs
// and failed translations return the ID itself.
func T(id string, data ...map[string]interface{}) string {
	templateData := map[string]interface{}{}
	if len(data) > 0 && data[0] != nil {
		templateData = data[0]
	}

	mu.RLock()
	l := localizer
	mu.RUnlock()
	if l == nil {
		if err := Init(""); err != nil {
			fmt.Fprintf(os.Stderr, "i18n init failed: %v\n", err)
			return id
		}
		mu.RLock()
		l = localizer
		mu.RUnlock()
	}

	msg, err := l.Localize(&goi18n.LocalizeConfig{
		MessageID:      id,
		TemplateData:   templateData,
		PluralCount:    findPluralCount(templateData),
		DefaultMessage: &goi18n.Message{ID: id, Other: id},
	})
	if err != nil || msg == "" {
		return id
	}
	return msg
}

// CurrentLanguage returns the chosen language tag.
func CurrentLanguage() language.Tag {
	mu.RLock()
	defer mu.RUnlock()
	return currentLanguage
}

// Supported lists the languages with an embedded catalog
func Supported() []language.Tag {
	mu.RLock()
	b := bundle
	mu.RUnlock()
	if b == nil {
		b = goi18n.NewBundle(language.English)
		b.RegisterUnmarshalFunc("toml", toml.Unmarshal)
		if err := loadMessageFiles(b); err != nil {
			return []language.Tag{language.English}
		}
	}
	return b.LanguageTags()
}

// selectLanguage picks a language for langOverride with the embedded catalogs
func selectLanguage(langOverride string) language.Tag {
	return matchLanguage(Supported(), localeCandidates(langOverride))
}

func localeCandidates(langOverride string) []string {
	var candidates []string
	if langOverride != "" {
		candidates = append(candidates, langOverride)
	}
	for _, key := range envKeys {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			candidates = append(candidates, val)
		}
	}
	if len(candidates) == 0 {
		candidates = platformLocales()
	}
	return candidates
}

// matchLanguage returns the supported tag sharing its base language with the
// first candidate that has one. Regions and scripts are ignored, so zh_TW
// still gets the Chinese catalog.
func matchLanguage(supported []language.Tag, candidates []string) language.Tag {
	for _, cand := range candidates {
		tag, ok := parseLocale(cand)
		if !ok {
			continue
		}
		base, _ := tag.Base()
		for _, s := range supported {
			if sb, _ := s.Base(); sb == base {
				return s
			}
		}
	}
	return language.English
}

// parseLocale accepts BCP 47 tags and POSIX locales such as zh_CN.UTF-8
func parseLocale(s string) (language.Tag, bool) {
	clean := strings.TrimSpace(s)
	if i := strings.IndexAny(clean, ".@"); i >= 0 {
		clean = clean[:i]
	}
	clean = strings.ReplaceAll(clean, "_", "-")
	if clean == "" || clean == "C" || clean == "POSIX" {
		return language.Und, false
	}
	tag, err := language.Parse(clean)
	if err != nil || tag == language.Und {
		return language.Und, false
	}
	return tag, true
}

func loadMessageFiles(b *goi18n.Bundle) error {
	files, err := fs.Glob(localeFS, "locales/active.*.toml")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no locale files embedded")
	}
	for _, file := range files {
		if _, err := b.LoadMessageFileFS(localeFS, file); err != nil {
			return fmt.Errorf("load %s: %w", path.Base(file), err)
		}
	}
	return nil
}

func findPluralCount(data map[string]interface{}) interface{} {
	for _, key := range []string{"Count", "count", "Total", "total"} {
		if val, ok := data[key]; ok {
			return val
		}
	}
	return nil
}
