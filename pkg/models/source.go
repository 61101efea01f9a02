package models

import (
	"encoding/json"
	"time"
)

// FetchState is the lifecycle of a single source refresh
type FetchState int

const (
	FetchIdle FetchState = iota
	FetchWaiting
	FetchLoading
	FetchSuccess
	FetchError
)

// String returns the string representation of the fetch state
func (s FetchState) String() string {
	switch s {
	case FetchWaiting:
		return "waiting"
	case FetchLoading:
		return "loading"
	case FetchSuccess:
		return "success"
	case FetchError:
		return "error"
	default:
		return "idle"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s FetchState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *FetchState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "waiting":
		*s = FetchWaiting
	case "loading":
		*s = FetchLoading
	case "success":
		*s = FetchSuccess
	case "error":
		*s = FetchError
	default:
		*s = FetchIdle
	}
	return nil
}

// FetchStatus is the fetch state plus the failure message for FetchError
type FetchStatus struct {
	State   FetchState `json:"state"`
	Message string     `json:"message,omitempty"`
}

// Source is a node of the user-editable source tree.
// A node with an empty URL is a folder, anything else is a leaf.
type Source struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	URL         string        `json:"url,omitempty"`
	IconURL     string        `json:"icon_url,omitempty"`
	Enabled     bool          `json:"enabled"`
	Children    []*Source     `json:"children,omitempty"`
	CachedItems []CatalogItem `json:"cached_items,omitempty"`
	ItemCount   int           `json:"item_count"`
	Fetch       FetchStatus   `json:"fetch"`
	LastUpdated time.Time     `json:"last_updated,omitempty"`
}

// IsFolder reports whether the node groups other sources
func (s *Source) IsFolder() bool {
	return s.URL == ""
}

// ExportNode is the portable source-tree format used by import and export.
// A node that carries Children is a folder, otherwise it is a leaf.
type ExportNode struct {
	Name      string        `json:"name"`
	URL       string        `json:"url,omitempty"`
	IsEnabled *bool         `json:"isEnabled,omitempty"`
	Children  *[]ExportNode `json:"children,omitempty"`
}

// IsFolder reports whether the exported node is a folder
func (n *ExportNode) IsFolder() bool {
	return n.Children != nil
}

// Enabled returns the node's enabled flag, defaulting to true when it was omitted
func (n *ExportNode) Enabled() bool {
	if n.IsEnabled == nil {
		return true
	}
	return *n.IsEnabled
}

// DecodeExport accepts either a single exported node or a list of them
func DecodeExport(data []byte) ([]ExportNode, error) {
	var list []ExportNode
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var single ExportNode
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []ExportNode{single}, nil
}
