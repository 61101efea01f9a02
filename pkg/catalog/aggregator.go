package catalog

import (
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/huanfeng/sourcehub/pkg/models"
)

// SortOption orders the display list
type SortOption int

const (
	SortByName SortOption = iota
	SortByDate
	SortBySize
)

// String returns the configuration name of the option
func (o SortOption) String() string {
	switch o {
	case SortByDate:
		return "date"
	case SortBySize:
		return "size"
	default:
		return "name"
	}
}

// ParseSortOption parses "name", "date" or "size"
func ParseSortOption(s string) (SortOption, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "name", "":
		return SortByName, true
	case "date":
		return SortByDate, true
	case "size":
		return SortBySize, true
	default:
		return SortByName, false
	}
}

// Aggregate groups items by identity, keeps the most recent version of each
// group and sorts the result. The output depends only on the set of items
// and their order within a group, so running it again is a no-op.
func Aggregate(items []models.CatalogItem, opt SortOption) []models.CatalogItem {
	index := make(map[models.Identity]int)
	var reps []models.CatalogItem

	for _, item := range items {
		id := item.Identity()
		i, ok := index[id]
		if !ok {
			index[id] = len(reps)
			reps = append(reps, item)
			continue
		}
		// Strictly later wins; an empty date never beats anything.
		if item.VersionDate > reps[i].VersionDate {
			reps[i] = item
		}
	}

	sortItems(reps, opt)
	return reps
}

// History returns every version published under id, newest first
func History(items []models.CatalogItem, id models.Identity) []models.CatalogItem {
	var versions []models.CatalogItem
	for _, item := range items {
		if item.Identity() == id {
			versions = append(versions, item)
		}
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return laterDate(versions[i].VersionDate, versions[j].VersionDate)
	})
	return versions
}

// Search filters list by a case-insensitive substring of the name, bundle
// id or description. The order of list is kept.
func Search(list []models.CatalogItem, query string) []models.CatalogItem {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return append([]models.CatalogItem(nil), list...)
	}

	var out []models.CatalogItem
	for _, item := range list {
		if strings.Contains(strings.ToLower(item.Name), q) ||
			strings.Contains(strings.ToLower(item.BundleID), q) ||
			strings.Contains(strings.ToLower(item.Description), q) {
			out = append(out, item)
		}
	}
	return out
}

func sortItems(items []models.CatalogItem, opt SortOption) {
	col := collate.New(language.Und, collate.IgnoreCase)

	byIdentity := func(a, b models.CatalogItem) bool {
		if a.BundleID != b.BundleID {
			return a.BundleID < b.BundleID
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Origin < b.Origin
	}

	byName := func(a, b models.CatalogItem) int {
		if c := col.CompareString(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch opt {
		case SortByDate:
			if a.VersionDate != b.VersionDate {
				return laterDate(a.VersionDate, b.VersionDate)
			}
		case SortBySize:
			if a.Size != b.Size {
				return a.Size > b.Size
			}
		default:
			if c := byName(a, b); c != 0 {
				return c < 0
			}
		}
		return byIdentity(a, b)
	})
}

// laterDate orders dates descending with missing dates last
func laterDate(a, b string) bool {
	switch {
	case a == b:
		return false
	case a == "":
		return false
	case b == "":
		return true
	default:
		return a > b
	}
}
