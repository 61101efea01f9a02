package models

import (
	"encoding/json"
	"strings"
)

// CatalogItem is one version of an installable package as published by a source
type CatalogItem struct {
	BundleID    string   `json:"bundle_id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	VersionDate string   `json:"version_date,omitempty"`
	Size        int64    `json:"size,omitempty"`
	DownloadURL string   `json:"download_url"`
	IconURL     string   `json:"icon_url,omitempty"`
	Description string   `json:"description,omitempty"`
	Screenshots []string `json:"screenshots,omitempty"`
	Origin      string   `json:"origin"`
}

// Identity groups versions of the same package published by the same source
type Identity struct {
	BundleID string
	Name     string
	Origin   string
}

// Identity returns the grouping key of the item
func (i CatalogItem) Identity() Identity {
	return Identity{BundleID: i.BundleID, Name: i.Name, Origin: i.Origin}
}

// String returns a compact printable form of the identity
func (id Identity) String() string {
	return id.BundleID + "|" + id.Name + "|" + id.Origin
}

// ParseIdentity is the inverse of Identity.String
func ParseIdentity(s string) (Identity, bool) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return Identity{}, false
	}
	return Identity{BundleID: parts[0], Name: parts[1], Origin: parts[2]}, true
}

// Manifest is the JSON document served by a remote source
type Manifest struct {
	Name       string        `json:"name"`
	Identifier string        `json:"identifier,omitempty"`
	IconURL    string        `json:"iconURL,omitempty"`
	Meta       *ManifestMeta `json:"META,omitempty"`
	Apps       []ManifestApp `json:"apps"`
}

// ManifestMeta carries optional repository metadata
type ManifestMeta struct {
	RepoName string `json:"repoName,omitempty"`
	RepoIcon string `json:"repoIcon,omitempty"`
}

// EffectiveName returns the manifest name, falling back to META.repoName
func (m *Manifest) EffectiveName() string {
	if m.Name != "" {
		return m.Name
	}
	if m.Meta != nil {
		return m.Meta.RepoName
	}
	return ""
}

// EffectiveIcon returns iconURL, falling back to META.repoIcon
func (m *Manifest) EffectiveIcon() string {
	if m.IconURL != "" {
		return m.IconURL
	}
	if m.Meta != nil {
		return m.Meta.RepoIcon
	}
	return ""
}

// ManifestApp is one entry of a manifest's apps array.
// Several fields are published under two different names; both are accepted.
type ManifestApp struct {
	Name        string
	BundleID    string
	Version     string
	VersionDate string
	Size        *int64
	DownloadURL string
	IconURL     string
	Description string
	Screenshots []string
}

type manifestAppWire struct {
	Name                 string          `json:"name"`
	BundleIdentifier     string          `json:"bundleIdentifier"`
	BundleID             string          `json:"bundleID"`
	Version              string          `json:"version"`
	VersionDate          string          `json:"versionDate"`
	Size                 *int64          `json:"size"`
	DownloadURL          string          `json:"downloadURL"`
	IconURL              string          `json:"iconURL"`
	Icon                 string          `json:"icon"`
	LocalizedDescription string          `json:"localizedDescription"`
	ScreenshotURLs       json.RawMessage `json:"screenshotURLs"`
	Screenshots          json.RawMessage `json:"screenshots"`
}

// UnmarshalJSON implements json.Unmarshaler
func (a *ManifestApp) UnmarshalJSON(data []byte) error {
	var w manifestAppWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*a = ManifestApp{
		Name:        w.Name,
		BundleID:    firstNonEmpty(w.BundleIdentifier, w.BundleID),
		Version:     w.Version,
		VersionDate: w.VersionDate,
		Size:        w.Size,
		DownloadURL: w.DownloadURL,
		IconURL:     firstNonEmpty(w.IconURL, w.Icon),
		Description: w.LocalizedDescription,
	}

	screenshots, err := decodeScreenshots(w.ScreenshotURLs)
	if err != nil {
		return err
	}
	if screenshots == nil {
		if screenshots, err = decodeScreenshots(w.Screenshots); err != nil {
			return err
		}
	}
	a.Screenshots = screenshots
	return nil
}

// MarshalJSON writes the canonical field names
func (a ManifestApp) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name                 string   `json:"name"`
		BundleIdentifier     string   `json:"bundleIdentifier"`
		Version              string   `json:"version"`
		VersionDate          string   `json:"versionDate,omitempty"`
		Size                 *int64   `json:"size,omitempty"`
		DownloadURL          string   `json:"downloadURL"`
		IconURL              string   `json:"iconURL,omitempty"`
		LocalizedDescription string   `json:"localizedDescription,omitempty"`
		ScreenshotURLs       []string `json:"screenshotURLs,omitempty"`
	}{a.Name, a.BundleID, a.Version, a.VersionDate, a.Size, a.DownloadURL, a.IconURL, a.Description, a.Screenshots})
}

// Item converts the manifest entry into a catalog item tagged with its origin
func (a *ManifestApp) Item(origin string) CatalogItem {
	item := CatalogItem{
		BundleID:    a.BundleID,
		Name:        a.Name,
		Version:     a.Version,
		VersionDate: a.VersionDate,
		DownloadURL: a.DownloadURL,
		IconURL:     a.IconURL,
		Description: a.Description,
		Screenshots: a.Screenshots,
		Origin:      origin,
	}
	if a.Size != nil {
		item.Size = *a.Size
	}
	return item
}

// decodeScreenshots accepts a list of URLs or a list of {"imageURL": ...} objects
func decodeScreenshots(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var urls []string
	if err := json.Unmarshal(raw, &urls); err == nil {
		return urls, nil
	}

	var objects []struct {
		ImageURL string `json:"imageURL"`
	}
	if err := json.Unmarshal(raw, &objects); err != nil {
		// Newer manifests group screenshots per device; keep whatever list is present.
		var grouped map[string]json.RawMessage
		if gerr := json.Unmarshal(raw, &grouped); gerr != nil {
			return nil, err
		}
		var all []string
		for _, key := range []string{"iphone", "ipad"} {
			if list, lerr := decodeScreenshots(grouped[key]); lerr == nil {
				all = append(all, list...)
			}
		}
		return all, nil
	}

	urls = make([]string, 0, len(objects))
	for _, o := range objects {
		if o.ImageURL != "" {
			urls = append(urls, o.ImageURL)
		}
	}
	return urls, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
