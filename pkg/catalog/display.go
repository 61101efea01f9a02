package catalog

import (
	"sync"

	"github.com/huanfeng/sourcehub/pkg/models"
)

// Display holds the published display list. Readers get copies; subscribers
// get the latest list after every change and may miss intermediate ones.
type Display struct {
	mu   sync.RWMutex
	list []models.CatalogItem

	subMu   sync.Mutex
	subs    map[int]chan []models.CatalogItem
	nextSub int
}

// NewDisplay returns an empty display
func NewDisplay() *Display {
	return &Display{subs: make(map[int]chan []models.CatalogItem)}
}

// List returns a copy of the current display list
func (d *Display) List() []models.CatalogItem {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]models.CatalogItem(nil), d.list...)
}

// Set replaces the display list and notifies subscribers
func (d *Display) Set(list []models.CatalogItem) {
	d.mu.Lock()
	d.list = list
	d.mu.Unlock()

	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, ch := range d.subs {
		snap := append([]models.CatalogItem(nil), list...)
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Subscribe returns a channel that receives the current list right away and
// every later one. Call the returned function to stop.
func (d *Display) Subscribe() (<-chan []models.CatalogItem, func()) {
	ch := make(chan []models.CatalogItem, 1)

	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	ch <- d.List()
	d.subMu.Unlock()

	return ch, func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		if _, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(ch)
		}
	}
}
