package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/huanfeng/sourcehub/pkg/models"
	"github.com/huanfeng/sourcehub/pkg/sources"
	"github.com/huanfeng/sourcehub/pkg/utils"
)

// DefaultConcurrency is the number of manifests fetched at the same time
const DefaultConcurrency = 3

// ManifestFetcher retrieves one source manifest
type ManifestFetcher interface {
	Fetch(ctx context.Context, url string) (*models.Manifest, error)
}

// Progress counts settled fetches of the current refresh
type Progress struct {
	Completed int
	Failed    int
	Total     int
}

// Report summarizes a finished refresh
type Report struct {
	Total     int
	Succeeded int
	Failed    map[string]string // source id -> message
}

// OrchestratorOptions configures an Orchestrator
type OrchestratorOptions struct {
	Tree        *sources.Tree
	Fetcher     ManifestFetcher
	Concurrency int
	Sort        SortOption
	Logger      utils.Logger

	// OnProgress is called after every settled fetch of FetchAll, from the
	// goroutine that ran it.
	OnProgress func(Progress)
}

// Orchestrator refreshes sources and maintains the display list
type Orchestrator struct {
	tree    *sources.Tree
	fetcher ManifestFetcher
	sem     *semaphore.Weighted
	log     utils.Logger
	display *Display

	onProgress func(Progress)

	sortMu sync.RWMutex
	sort   SortOption

	// refreshMu serializes FetchAll so progress counters belong to one run
	refreshMu sync.Mutex
	completed atomic.Int64
	failed    atomic.Int64
	total     atomic.Int64
}

// NewOrchestrator creates an orchestrator and computes the initial display
// list from the cached items already in the tree.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	o := &Orchestrator{
		tree:       opts.Tree,
		fetcher:    opts.Fetcher,
		sem:        semaphore.NewWeighted(int64(opts.Concurrency)),
		log:        utils.OrNop(opts.Logger),
		display:    NewDisplay(),
		onProgress: opts.OnProgress,
		sort:       opts.Sort,
	}
	o.Recompute()
	return o
}

// Display returns the published display list
func (o *Orchestrator) Display() *Display {
	return o.display
}

// Progress returns the counters of the current or last refresh
func (o *Orchestrator) Progress() Progress {
	return Progress{
		Completed: int(o.completed.Load()),
		Failed:    int(o.failed.Load()),
		Total:     int(o.total.Load()),
	}
}

// SetSort changes the sort option and recomputes the display list
func (o *Orchestrator) SetSort(opt SortOption) {
	o.sortMu.Lock()
	o.sort = opt
	o.sortMu.Unlock()
	o.Recompute()
}

// Sort returns the active sort option
func (o *Orchestrator) Sort() SortOption {
	o.sortMu.RLock()
	defer o.sortMu.RUnlock()
	return o.sort
}

// Recompute rebuilds the display list from the cached items of enabled sources
func (o *Orchestrator) Recompute() {
	o.display.Set(Aggregate(o.tree.CachedItems(), o.Sort()))
}

// History returns every cached version of the item with the given identity
func (o *Orchestrator) History(id models.Identity) []models.CatalogItem {
	return History(o.tree.CachedItems(), id)
}

// FetchAll refreshes every enabled leaf source, at most Concurrency at a
// time. A failing source is marked and disabled without affecting the
// others. The tree is saved once at the end.
func (o *Orchestrator) FetchAll(ctx context.Context) (*Report, error) {
	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()

	leaves := o.tree.EnabledLeaves()
	for _, leaf := range leaves {
		o.tree.SetFetchState(leaf.ID, models.FetchStatus{State: models.FetchWaiting})
	}

	o.completed.Store(0)
	o.failed.Store(0)
	o.total.Store(int64(len(leaves)))
	o.log.Info("Refreshing %d sources", len(leaves))

	var (
		mu     sync.Mutex
		report = &Report{Total: len(leaves), Failed: make(map[string]string)}
		g      errgroup.Group
	)
	for _, leaf := range leaves {
		leaf := leaf
		g.Go(func() error {
			err := o.fetchLeaf(ctx, leaf)
			mu.Lock()
			if err != nil {
				report.Failed[leaf.ID] = Describe(err)
			} else {
				report.Succeeded++
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if err := o.tree.Save(); err != nil {
		o.log.Error("Failed to save sources: %v", err)
		o.Recompute()
		return report, err
	}
	o.Recompute()
	return report, ctx.Err()
}

// fetchLeaf runs one gated fetch for FetchAll and counts it
func (o *Orchestrator) fetchLeaf(ctx context.Context, leaf models.Source) error {
	err := o.fetch(ctx, leaf)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Interrupted, not failed: leave the source enabled.
		o.tree.SetFetchState(leaf.ID, models.FetchStatus{})
	}

	failed := o.failed.Load()
	if err != nil {
		failed = o.failed.Add(1)
	}
	done := o.completed.Add(1)
	if o.onProgress != nil {
		o.onProgress(Progress{Completed: int(done), Failed: int(failed), Total: int(o.total.Load())})
	}
	return err
}

// FetchOne refreshes a single source, saves the tree and recomputes the
// display list.
func (o *Orchestrator) FetchOne(ctx context.Context, id string) error {
	src, err := o.tree.Get(id)
	if err != nil {
		return err
	}
	if src.IsFolder() {
		return sources.ErrNotFolder
	}

	fetchErr := o.fetch(ctx, src)
	if errors.Is(fetchErr, context.Canceled) || errors.Is(fetchErr, context.DeadlineExceeded) {
		o.tree.SetFetchState(id, models.FetchStatus{})
		return fetchErr
	}

	if err := o.tree.Save(); err != nil {
		o.log.Error("Failed to save sources: %v", err)
	}
	o.Recompute()
	return fetchErr
}

func (o *Orchestrator) fetch(ctx context.Context, leaf models.Source) error {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.sem.Release(1)

	if err := o.tree.SetFetchState(leaf.ID, models.FetchStatus{State: models.FetchLoading}); err != nil {
		// Deleted while waiting for a slot.
		return nil
	}

	manifest, err := o.fetcher.Fetch(ctx, leaf.URL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.log.Warn("Failed to refresh %s: %v", leaf.Name, err)
		if merr := o.tree.MarkFailed(leaf.ID, Describe(err)); errors.Is(merr, sources.ErrNotFound) {
			o.log.Debug("Source %s was removed during refresh", leaf.ID)
		}
		return err
	}

	if err := o.tree.ApplyManifest(leaf.ID, manifest); err != nil {
		o.log.Debug("Discarding manifest for removed source %s", leaf.ID)
		return nil
	}
	o.log.Debug("Refreshed %s: %d apps", leaf.Name, len(manifest.Apps))
	return nil
}
