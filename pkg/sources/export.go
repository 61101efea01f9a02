package sources

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	hubErrors "github.com/huanfeng/sourcehub/internal/errors"
	"github.com/huanfeng/sourcehub/pkg/models"
)

var ErrInvalidExport = hubErrors.NewParsingError("SOURCE_INVALID_EXPORT", "invalid source export")

// Export converts the tree to the portable format. With onlyEnabled set,
// disabled nodes (and everything below a disabled folder) are left out and
// the isEnabled flag is omitted.
func (t *Tree) Export(onlyEnabled bool) []models.ExportNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.exportList(t.roots, onlyEnabled)
}

// ExportJSON is Export encoded as indented JSON
func (t *Tree) ExportJSON(onlyEnabled bool) ([]byte, error) {
	return json.MarshalIndent(t.Export(onlyEnabled), "", "  ")
}

func (t *Tree) exportList(ids []string, onlyEnabled bool) []models.ExportNode {
	out := make([]models.ExportNode, 0, len(ids))
	for _, id := range ids {
		n := t.nodes[id]
		if onlyEnabled && !n.src.Enabled {
			continue
		}

		exp := models.ExportNode{Name: n.src.Name, URL: n.src.URL}
		if !onlyEnabled {
			enabled := n.src.Enabled
			exp.IsEnabled = &enabled
		}
		if n.src.IsFolder() {
			children := t.exportList(n.children, onlyEnabled)
			exp.Children = &children
		}
		out = append(out, exp)
	}
	return out
}

// Import appends the exported nodes under parentID and returns how many
// nodes were created. Existing sources are never matched or replaced, so
// importing the same export twice yields two copies.
func (t *Tree) Import(data []byte, parentID string) (int, error) {
	nodes, err := models.DecodeExport(data)
	if err != nil {
		return 0, hubErrors.Wrapf(ErrInvalidExport, err, "failed to decode source export")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkParent(parentID); err != nil {
		return 0, err
	}

	count := 0
	for i := range nodes {
		count += t.importNode(&nodes[i], parentID)
	}
	return count, nil
}

func (t *Tree) importNode(exp *models.ExportNode, parentID string) int {
	src := models.Source{
		ID:      uuid.NewString(),
		Name:    strings.TrimSpace(exp.Name),
		Enabled: exp.Enabled(),
	}
	if !exp.IsFolder() {
		// A leaf without an address ends up as an empty folder.
		src.URL = strings.TrimSpace(exp.URL)
	}
	if src.Name == "" {
		src.Name = src.URL
	}
	if src.Name == "" {
		src.Name = "Imported"
	}

	t.nodes[src.ID] = &node{src: src, parent: parentID}
	t.attach(src.ID, parentID)

	count := 1
	if exp.IsFolder() {
		for i := range *exp.Children {
			count += t.importNode(&(*exp.Children)[i], src.ID)
		}
	}
	return count
}
