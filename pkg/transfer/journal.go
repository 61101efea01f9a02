package transfer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
)

const (
	partialSuffix = ".part"
	journalSuffix = ".json"
)

// journalEntry is the sidecar written next to a partial file while its task
// is alive, so a later process can find transfers it did not finish.
type journalEntry struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	State        TaskState `json:"state"`
	Total        int64     `json:"total"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Resumable    bool      `json:"resumable"`
}

func (e *Engine) partialPath(id string) string {
	return filepath.Join(e.opts.WorkDir, id+partialSuffix)
}

func (e *Engine) journalPath(id string) string {
	return filepath.Join(e.opts.WorkDir, id+journalSuffix)
}

func (e *Engine) writeJournal(t *task) {
	entry := journalEntry{
		ID:           t.id,
		URL:          t.url,
		State:        t.State(),
		Total:        t.total.Load(),
		ETag:         t.etag,
		LastModified: t.lastModified,
		Resumable:    t.resumable,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		e.log.Warn("Failed to encode journal for %s: %v", t.url, err)
		return
	}
	if err := renameio.WriteFile(e.journalPath(t.id), data, 0644); err != nil {
		e.log.Warn("Failed to write journal for %s: %v", t.url, err)
	}
}

func (e *Engine) removeJournal(id string) {
	if err := os.Remove(e.journalPath(id)); err != nil && !os.IsNotExist(err) {
		e.log.Warn("Failed to remove journal %s: %v", id, err)
	}
}

func (e *Engine) removePartial(id string) {
	if err := os.Remove(e.partialPath(id)); err != nil && !os.IsNotExist(err) {
		e.log.Warn("Failed to remove partial file %s: %v", id, err)
	}
}

// readJournals loads every sidecar in the work directory. Unreadable ones are
// removed along with their partial file.
func (e *Engine) readJournals() ([]journalEntry, error) {
	entries, err := os.ReadDir(e.opts.WorkDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read work directory: %w", err)
	}

	var journals []journalEntry
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, journalSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, journalSuffix)

		data, err := os.ReadFile(filepath.Join(e.opts.WorkDir, name))
		if err != nil {
			e.log.Warn("Failed to read journal %s: %v", name, err)
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal(data, &entry); err != nil || entry.URL == "" || entry.ID != id {
			e.log.Warn("Discarding corrupt journal %s", name)
			e.removeJournal(id)
			e.removePartial(id)
			continue
		}
		journals = append(journals, entry)
	}
	return journals, nil
}
