// Package sources maintains the user-editable tree of catalog sources.
//
// Nodes are stored flat by id with parent pointers; nested models.Source
// values are only built for snapshots and persistence.
package sources

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"

	hubErrors "github.com/huanfeng/sourcehub/internal/errors"
	"github.com/huanfeng/sourcehub/pkg/models"
	"github.com/huanfeng/sourcehub/pkg/utils"
)

var (
	ErrNotFound   = hubErrors.NewNotFoundError("SOURCE_NOT_FOUND", "source not found")
	ErrCycle      = hubErrors.NewValidationError("SOURCE_CYCLE", "a folder cannot be moved into itself or one of its descendants")
	ErrNotFolder  = hubErrors.NewValidationError("SOURCE_NOT_FOLDER", "sources can only be placed inside folders")
	ErrInvalidURL = hubErrors.NewValidationError("SOURCE_INVALID_URL", "source URL must be an absolute http or https URL")
	ErrAmbiguous  = hubErrors.NewValidationError("SOURCE_AMBIGUOUS", "more than one source matches")
)

type node struct {
	src      models.Source
	parent   string
	children []string
}

// Tree is the source tree. It is safe for concurrent use.
type Tree struct {
	mu    sync.RWMutex
	nodes map[string]*node
	roots []string
	path  string
	log   utils.Logger
}

// New returns an empty tree persisted at path
func New(path string, logger utils.Logger) *Tree {
	return &Tree{
		nodes: make(map[string]*node),
		path:  path,
		log:   utils.OrNop(logger),
	}
}

// Load reads the tree saved at path. A missing or unreadable file yields an
// empty tree; only the warning is logged.
func Load(path string, logger utils.Logger) *Tree {
	t := New(path, logger)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.log.Warn("Failed to read source tree %s: %v", path, err)
		}
		return t
	}

	var roots []models.Source
	if err := json.Unmarshal(data, &roots); err != nil {
		t.log.Warn("Source tree %s is corrupt, starting empty: %v", path, err)
		return t
	}

	for i := range roots {
		t.insertLoaded(&roots[i], "")
	}
	t.log.Debug("Loaded %d sources from %s", len(t.nodes), path)
	return t
}

func (t *Tree) insertLoaded(src *models.Source, parent string) {
	if src.ID == "" || t.nodes[src.ID] != nil {
		src.ID = uuid.NewString()
	}
	children := src.Children
	n := &node{src: *src, parent: parent}
	n.src.Children = nil
	if !n.src.IsFolder() {
		children = nil
	}
	// A fetch that was in flight when the process stopped never finished.
	if n.src.Fetch.State == models.FetchWaiting || n.src.Fetch.State == models.FetchLoading {
		n.src.Fetch = models.FetchStatus{}
	}
	t.nodes[n.src.ID] = n
	t.attach(n.src.ID, parent)

	for _, child := range children {
		if child != nil {
			t.insertLoaded(child, n.src.ID)
		}
	}
}

// Save writes the whole tree to disk, replacing the previous file atomically
func (t *Tree) Save() error {
	t.mu.RLock()
	roots := t.buildList(t.roots)
	t.mu.RUnlock()

	data, err := json.MarshalIndent(roots, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := renameio.WriteFile(t.path, data, 0644); err != nil {
		return hubErrors.WrapError(err, hubErrors.ErrorTypeFileSystem, "SOURCES_SAVE_FAILED", "failed to save source tree")
	}
	return nil
}

// Path returns the file the tree is saved to
func (t *Tree) Path() string {
	return t.path
}

// AddLeaf adds a fetchable source under parentID ("" for the top level).
// The name defaults to the URL's host.
func (t *Tree) AddLeaf(parentID, rawURL, name string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", hubErrors.Wrapf(ErrInvalidURL, err, "invalid source URL %q", rawURL).
			WithSuggestion("Use a full address such as https://example.com/repo.json")
	}
	if name = strings.TrimSpace(name); name == "" {
		name = u.Host
	}

	return t.add(parentID, models.Source{Name: name, URL: u.String(), Enabled: true})
}

// AddFolder adds an empty folder under parentID
func (t *Tree) AddFolder(parentID, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", hubErrors.NewValidationError("SOURCE_EMPTY_NAME", "folder name must not be empty")
	}
	return t.add(parentID, models.Source{Name: name, Enabled: true})
}

func (t *Tree) add(parentID string, src models.Source) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkParent(parentID); err != nil {
		return "", err
	}
	src.ID = uuid.NewString()
	t.nodes[src.ID] = &node{src: src, parent: parentID}
	t.attach(src.ID, parentID)
	return src.ID, nil
}

// Rename changes the display name of a node
func (t *Tree) Rename(id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return hubErrors.NewValidationError("SOURCE_EMPTY_NAME", "name must not be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.lookup(id)
	if err != nil {
		return err
	}
	n.src.Name = name
	return nil
}

// Move relinks a node under a new parent ("" for the top level)
func (t *Tree) Move(id, parentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.lookup(id)
	if err != nil {
		return err
	}
	if err := t.checkParent(parentID); err != nil {
		return err
	}
	for p := parentID; p != ""; p = t.nodes[p].parent {
		if p == id {
			return hubErrors.Wrapf(ErrCycle, nil, "cannot move %q into itself", n.src.Name)
		}
	}

	t.detach(id, n.parent)
	n.parent = parentID
	t.attach(id, parentID)
	return nil
}

// Delete removes a node and everything below it
func (t *Tree) Delete(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.lookup(id)
	if err != nil {
		return err
	}
	t.detach(id, n.parent)
	t.removeSubtree(id)
	return nil
}

func (t *Tree) removeSubtree(id string) {
	n := t.nodes[id]
	for _, child := range n.children {
		t.removeSubtree(child)
	}
	delete(t.nodes, id)
}

// SetEnabled toggles a node. A disabled folder hides its whole subtree from
// fetching and aggregation without touching the descendants' own flags.
func (t *Tree) SetEnabled(id string, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.lookup(id)
	if err != nil {
		return err
	}
	n.src.Enabled = enabled
	if enabled && n.src.Fetch.State == models.FetchError {
		n.src.Fetch = models.FetchStatus{}
	}
	return nil
}

// Get returns a copy of the node and its descendants
func (t *Tree) Get(id string) (models.Source, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, err := t.lookup(id); err != nil {
		return models.Source{}, err
	}
	return t.build(id), nil
}

// Find resolves a user reference to a node: a full id, a unique id prefix,
// a unique name or a unique URL.
func (t *Tree) Find(ref string) (models.Source, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if ref == "" {
		return models.Source{}, hubErrors.Wrapf(ErrNotFound, nil, "empty source reference")
	}
	if _, ok := t.nodes[ref]; ok {
		return t.build(ref), nil
	}

	var matches []string
	for id, n := range t.nodes {
		if strings.HasPrefix(id, ref) || n.src.Name == ref || (n.src.URL != "" && n.src.URL == ref) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return models.Source{}, hubErrors.Wrapf(ErrNotFound, nil, "no source matches %q", ref)
	case 1:
		return t.build(matches[0]), nil
	default:
		return models.Source{}, hubErrors.Wrapf(ErrAmbiguous, nil, "%d sources match %q", len(matches), ref)
	}
}

// Snapshot returns a deep copy of the whole tree
func (t *Tree) Snapshot() []models.Source {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buildList(t.roots)
}

// Len returns the number of nodes
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// EnabledLeaves returns the leaves that take part in fetching: enabled
// themselves and not below a disabled folder. Cached items are not copied.
func (t *Tree) EnabledLeaves() []models.Source {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var leaves []models.Source
	t.walkEnabled(t.roots, func(n *node) {
		src := n.src
		src.CachedItems = nil
		leaves = append(leaves, src)
	})
	return leaves
}

// CachedItems returns every cached item of the enabled leaves
func (t *Tree) CachedItems() []models.CatalogItem {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var items []models.CatalogItem
	t.walkEnabled(t.roots, func(n *node) {
		items = append(items, n.src.CachedItems...)
	})
	return items
}

func (t *Tree) walkEnabled(ids []string, fn func(*node)) {
	for _, id := range ids {
		n := t.nodes[id]
		if !n.src.Enabled {
			continue
		}
		if n.src.IsFolder() {
			t.walkEnabled(n.children, fn)
			continue
		}
		fn(n)
	}
}

// SetFetchState records the fetch state of a leaf
func (t *Tree) SetFetchState(id string, status models.FetchStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.lookup(id)
	if err != nil {
		return err
	}
	n.src.Fetch = status
	return nil
}

// MarkFailed records a failed fetch and disables the source so later
// refreshes skip it until it is enabled again.
func (t *Tree) MarkFailed(id, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.lookup(id)
	if err != nil {
		return err
	}
	n.src.Fetch = models.FetchStatus{State: models.FetchError, Message: message}
	n.src.Enabled = false
	return nil
}

// ApplyManifest stores a successful fetch. The manifest's name and icon win
// over stored values, and the item list is replaced rather than merged.
func (t *Tree) ApplyManifest(id string, m *models.Manifest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.lookup(id)
	if err != nil {
		return err
	}

	if name := m.EffectiveName(); name != "" {
		n.src.Name = name
	}
	if icon := m.EffectiveIcon(); icon != "" {
		n.src.IconURL = icon
	}

	items := make([]models.CatalogItem, 0, len(m.Apps))
	for i := range m.Apps {
		items = append(items, m.Apps[i].Item(n.src.Name))
	}
	n.src.CachedItems = items
	n.src.ItemCount = len(items)
	n.src.Fetch = models.FetchStatus{State: models.FetchSuccess}
	n.src.LastUpdated = time.Now()
	return nil
}

func (t *Tree) lookup(id string) (*node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, hubErrors.Wrapf(ErrNotFound, nil, "source %s not found", id)
	}
	return n, nil
}

func (t *Tree) checkParent(parentID string) error {
	if parentID == "" {
		return nil
	}
	p, err := t.lookup(parentID)
	if err != nil {
		return err
	}
	if !p.src.IsFolder() {
		return hubErrors.Wrapf(ErrNotFolder, nil, "%q is not a folder", p.src.Name)
	}
	return nil
}

func (t *Tree) attach(id, parentID string) {
	if parentID == "" {
		t.roots = append(t.roots, id)
		return
	}
	p := t.nodes[parentID]
	p.children = append(p.children, id)
}

func (t *Tree) detach(id, parentID string) {
	list := &t.roots
	if parentID != "" {
		list = &t.nodes[parentID].children
	}
	for i, c := range *list {
		if c == id {
			*list = append((*list)[:i:i], (*list)[i+1:]...)
			return
		}
	}
}

func (t *Tree) build(id string) models.Source {
	n := t.nodes[id]
	src := n.src
	if src.CachedItems != nil {
		src.CachedItems = append([]models.CatalogItem(nil), src.CachedItems...)
	}
	if src.IsFolder() {
		for _, child := range t.buildList(n.children) {
			c := child
			src.Children = append(src.Children, &c)
		}
	}
	return src
}

func (t *Tree) buildList(ids []string) []models.Source {
	out := make([]models.Source, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.build(id))
	}
	return out
}
