// Package core wires the download and catalog subsystems together and is the
// surface a front end talks to.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/huanfeng/sourcehub/internal/config"
	"github.com/huanfeng/sourcehub/pkg/apk"
	"github.com/huanfeng/sourcehub/pkg/catalog"
	"github.com/huanfeng/sourcehub/pkg/downloads"
	"github.com/huanfeng/sourcehub/pkg/models"
	"github.com/huanfeng/sourcehub/pkg/resume"
	"github.com/huanfeng/sourcehub/pkg/sources"
	"github.com/huanfeng/sourcehub/pkg/system"
	"github.com/huanfeng/sourcehub/pkg/transfer"
	"github.com/huanfeng/sourcehub/pkg/utils"
)

// Options configures Open
type Options struct {
	Config *config.Config
	Logger utils.Logger

	// Notifier is told about finished and failed downloads.
	Notifier downloads.Notifier

	// Dirs overrides the download directory from the configuration.
	Dirs downloads.DirectoryResolver

	// Client is used for both catalog fetches and transfers.
	Client *http.Client

	// OnFetchProgress receives progress of RefreshSources.
	OnFetchProgress func(catalog.Progress)
}

// Core owns every long-lived component. Close it to stop transfers
// cleanly so they can be picked up again by the next process.
type Core struct {
	cfg *config.Config
	log utils.Logger

	store    *resume.Store
	engine   *transfer.Engine
	registry *downloads.Registry
	library  *downloads.Library
	tree     *sources.Tree
	catalog  *catalog.Orchestrator
	network  *system.NetworkChecker
}

// Open loads persisted state, restores interrupted transfers and reconciles
// the download registry with them.
func Open(ctx context.Context, opts Options) (*Core, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := utils.OrNop(opts.Logger)

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	c := &Core{cfg: cfg, log: log}
	c.network = system.NewNetworkChecker(log)

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	} else {
		c.network.WithClient(client)
	}

	store, err := resume.OpenDir(ctx, cfg.ResumeDir(), log.WithField("component", "resume"))
	if err != nil {
		return nil, fmt.Errorf("failed to open resume store: %w", err)
	}
	c.store = store

	engine, err := transfer.NewEngine(transfer.Options{
		WorkDir:          cfg.TransferDir(),
		Client:           client,
		UserAgent:        cfg.Fetch.UserAgent,
		Logger:           log.WithField("component", "transfer"),
		Probe:            c.network,
		ProbeInterval:    cfg.Download.ProbeInterval,
		ProgressInterval: cfg.Download.ProgressInterval,
		ResumeRestored:   cfg.Download.ResumeRestored,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to start transfer engine: %w", err)
	}
	c.engine = engine

	restored, err := engine.Restore()
	if err != nil {
		log.Warn("Failed to restore interrupted transfers: %v", err)
	} else if len(restored) > 0 {
		log.Info("Restored %d interrupted transfers", len(restored))
	}

	dirs := opts.Dirs
	if dirs == nil {
		dirs = downloads.StaticDir(cfg.DownloadDir())
	}
	hooksLog := log.WithField("component", "postprocess")
	c.registry = downloads.New(downloads.Options{
		Engine:           engine,
		Store:            store,
		Dirs:             dirs,
		DefaultExtension: cfg.Download.DefaultExtension,
		PostProcessor: downloads.Chain{
			downloads.ZipExtractor{Logger: hooksLog},
			apk.Inspector{Logger: hooksLog},
		},
		AutoPostProcess: cfg.Download.AutoPostProcess,
		Notifier:        opts.Notifier,
		Logger:          log.WithField("component", "downloads"),
	})
	if err := c.registry.Reconcile(ctx); err != nil {
		c.Close()
		return nil, err
	}
	c.library = downloads.NewLibrary(dirs)

	c.tree = sources.Load(cfg.SourcesFile(), log.WithField("component", "sources"))

	sortOpt, _ := catalog.ParseSortOption(cfg.Preferences.SortOrder)
	c.catalog = catalog.NewOrchestrator(catalog.OrchestratorOptions{
		Tree: c.tree,
		Fetcher: catalog.NewFetcher(catalog.FetcherOptions{
			Client:       client,
			UserAgent:    cfg.Fetch.UserAgent,
			Timeout:      cfg.Fetch.Timeout,
			MaxRetries:   cfg.Fetch.MaxRetries,
			InitialDelay: cfg.Fetch.InitialDelay,
			MaxDelay:     cfg.Fetch.MaxDelay,
			Logger:       log.WithField("component", "fetch"),
		}),
		Concurrency: cfg.Fetch.Concurrency,
		Sort:        sortOpt,
		Logger:      log.WithField("component", "catalog"),
		OnProgress:  opts.OnFetchProgress,
	})

	return c, nil
}

// Close stops the engine, lets the registry settle the outcomes it emitted
// while stopping, then stops the registry and the resume store.
// Transfers still running are left journaled for the next process.
func (c *Core) Close() error {
	var errs []error
	if c.engine != nil {
		errs = append(errs, c.engine.Close())
		if c.registry != nil {
			<-c.registry.Drained()
		}
	}
	if c.registry != nil {
		errs = append(errs, c.registry.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	return errors.Join(errs...)
}

// Config returns the configuration the core was opened with
func (c *Core) Config() *config.Config { return c.cfg }

// Sources returns the source tree
func (c *Core) Sources() *sources.Tree { return c.tree }

// Catalog returns the fetch orchestrator and display list
func (c *Core) Catalog() *catalog.Orchestrator { return c.catalog }

// Library manages finished artifacts in the download directory
func (c *Core) Library() *downloads.Library { return c.library }

// Network is the connectivity checker shared with the transfer engine
func (c *Core) Network() *system.NetworkChecker { return c.network }

// GetStatus returns the download status of url
func (c *Core) GetStatus(url string) models.DownloadStatus {
	return c.registry.Status(url)
}

// Downloads returns every tracked download
func (c *Core) Downloads() []models.DownloadStatus {
	return c.registry.Snapshot()
}

// Start downloads url unless it is already downloaded or in progress
func (c *Core) Start(ctx context.Context, url string) error {
	return c.registry.Start(ctx, url)
}

// Pause suspends the download of url, keeping a resume token when possible
func (c *Core) Pause(ctx context.Context, url string) error {
	return c.registry.Pause(ctx, url)
}

// Resume continues a paused download of url
func (c *Core) Resume(ctx context.Context, url string) error {
	return c.registry.Resume(ctx, url)
}

// Cancel stops and forgets the download of url
func (c *Core) Cancel(ctx context.Context, url string) error {
	return c.registry.Cancel(ctx, url)
}

// RefreshCatalog recomputes the display list from cached items
func (c *Core) RefreshCatalog() {
	c.catalog.Recompute()
}

// RefreshSources fetches every enabled source
func (c *Core) RefreshSources(ctx context.Context) (*catalog.Report, error) {
	return c.catalog.FetchAll(ctx)
}

// SubscribeDownloads streams registry snapshots
func (c *Core) SubscribeDownloads() (<-chan []models.DownloadStatus, func()) {
	return c.registry.Subscribe()
}

// SubscribeCatalog streams the display list
func (c *Core) SubscribeCatalog() (<-chan []models.CatalogItem, func()) {
	return c.catalog.Display().Subscribe()
}

// AwaitSettled blocks until url is neither downloading nor waiting for
// connectivity, calling onUpdate with every status seen on the way.
func (c *Core) AwaitSettled(ctx context.Context, url string, onUpdate func(models.DownloadStatus)) (models.DownloadStatus, error) {
	updates, stop := c.registry.Subscribe()
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return c.registry.Status(url), ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return c.registry.Status(url), downloads.ErrClosed
			}
			status := models.DownloadStatus{URL: url, Phase: models.PhaseIdle, Total: models.UnknownTotal}
			for _, s := range snap {
				if s.URL == url {
					status = s
					break
				}
			}
			if onUpdate != nil {
				onUpdate(status)
			}
			switch status.Phase {
			case models.PhaseDownloading, models.PhaseWaitingForConnectivity:
				continue
			}
			return status, nil
		}
	}
}
