package i18n

import (
	"sort"
	"testing"

	"github.com/BurntSushi/toml"
	"golang.org/x/text/language"
)

func clearLocaleEnv(t *testing.T) {
	for _, key := range []string{"SOURCEHUB_LANG", "LC_ALL", "LC_MESSAGES", "LANG", "LANGUAGE"} {
		t.Setenv(key, "")
	}
}

func TestTranslate(t *testing.T) {
	clearLocaleEnv(t)

	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := T("msg.catalogSize", map[string]interface{}{"Count": 1}); got != "1 app in the catalog" {
		t.Errorf("singular = %q", got)
	}
	if got := T("msg.catalogSize", map[string]interface{}{"Count": 3}); got != "3 apps in the catalog" {
		t.Errorf("plural = %q", got)
	}
	if got := T("msg.no.such.id"); got != "msg.no.such.id" {
		t.Errorf("unknown id = %q", got)
	}

	if err := Init("zh_CN.UTF-8"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if CurrentLanguage() != language.Chinese {
		t.Errorf("language = %v", CurrentLanguage())
	}
	if got := T("msg.noDownloads"); got != "没有未完成的下载。" {
		t.Errorf("zh = %q", got)
	}
}

func TestEnvironmentSelectsLanguage(t *testing.T) {
	clearLocaleEnv(t)
	t.Setenv("SOURCEHUB_LANG", "zh")
	if tag := selectLanguage(""); tag != language.Chinese {
		t.Errorf("selectLanguage = %v", tag)
	}

	clearLocaleEnv(t)
	if tag := selectLanguage(""); tag != language.English {
		t.Errorf("no locale = %v, want English", tag)
	}
}

func TestMatchLanguage(t *testing.T) {
	supported := []language.Tag{language.English, language.Chinese}
	tests := []struct {
		candidates []string
		want       language.Tag
	}{
		{nil, language.English},
		{[]string{"C"}, language.English},
		{[]string{"POSIX", "zh_TW.Big5"}, language.Chinese},
		{[]string{"fr_FR.UTF-8", "zh-Hans"}, language.Chinese},
		{[]string{"en_US.UTF-8", "zh_CN.UTF-8"}, language.English},
		{[]string{"de@euro"}, language.English},
	}
	for _, tt := range tests {
		if got := matchLanguage(supported, tt.candidates); got != tt.want {
			t.Errorf("matchLanguage(%v) = %v, want %v", tt.candidates, got, tt.want)
		}
	}
}

func TestLanguageListIsLastResort(t *testing.T) {
	clearLocaleEnv(t)
	t.Setenv("LANGUAGE", "zh_CN:en")
	if tag := selectLanguage(""); tag != language.Chinese {
		t.Errorf("LANGUAGE=zh_CN:en selected %v", tag)
	}

	t.Setenv("LANG", "en_US.UTF-8")
	if tag := selectLanguage(""); tag != language.English {
		t.Errorf("LANG should win over LANGUAGE, got %v", tag)
	}
}

func TestSupportedListsEmbeddedCatalogs(t *testing.T) {
	found := map[language.Tag]bool{}
	for _, tag := range Supported() {
		found[tag] = true
	}
	if !found[language.English] || !found[language.Chinese] {
		t.Errorf("Supported() = %v", Supported())
	}
}

func TestTranslateWhileReinitializing(t *testing.T) {
	clearLocaleEnv(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			Init("zh")
			Init("en")
		}
	}()
	for i := 0; i < 200; i++ {
		if got := T("msg.noDownloads"); got == "" || got == "msg.noDownloads" {
			t.Fatalf("T returned %q during re-initialization", got)
		}
	}
	<-done
}

// Every message of the English file must exist in the Chinese one.
func TestLocalesHaveSameMessages(t *testing.T) {
	en := messageIDs(t, "locales/active.en.toml")
	zh := messageIDs(t, "locales/active.zh.toml")

	for id := range en {
		if !zh[id] {
			t.Errorf("%s missing from zh", id)
		}
	}
	for id := range zh {
		if !en[id] {
			t.Errorf("%s missing from en", id)
		}
	}
}

func messageIDs(t *testing.T, file string) map[string]bool {
	t.Helper()
	data, err := localeFS.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]interface{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("%s: %v", file, err)
	}

	ids := make(map[string]bool)
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch v := m[k].(type) {
			case map[string]interface{}:
				if _, plural := v["other"]; plural {
					ids[prefix+k] = true
					continue
				}
				walk(prefix+k+".", v)
			default:
				ids[prefix+k] = true
			}
		}
	}
	walk("", raw)
	return ids
}
