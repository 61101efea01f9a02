// Package downloads keeps the status of every download and drives the
// transfer engine on behalf of callers.
//
// All state lives on a single loop goroutine. Public methods submit a closure
// to the loop and wait for it; engine events arrive on the same loop, so no
// state is ever touched concurrently. Observers read published snapshots.
package downloads

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"

	"gopkg.in/tomb.v2"

	hubErrors "github.com/huanfeng/sourcehub/internal/errors"
	"github.com/huanfeng/sourcehub/pkg/models"
	"github.com/huanfeng/sourcehub/pkg/transfer"
	"github.com/huanfeng/sourcehub/pkg/utils"
)

var ErrClosed = hubErrors.NewError(hubErrors.ErrorTypeUnknown, "REGISTRY_CLOSED", "download registry is closed")

// Engine is the transfer backend the registry drives
type Engine interface {
	Events() <-chan transfer.Event
	Start(url string, token []byte) (uint64, error)
	Pause(url string) ([]byte, error)
	Cancel(url string)
	Discard(token []byte)
	TokenProgress(token []byte) (written, total int64, ok bool)
	Tasks() []transfer.TaskInfo
	ResumeTask(url string) (uint64, error)
}

// ResumeStore persists resume tokens by URL
type ResumeStore interface {
	Put(ctx context.Context, url string, token []byte) error
	Get(ctx context.Context, url string) ([]byte, bool, error)
	Remove(ctx context.Context, url string) error
	URLs() []string
}

// Options configures a Registry
type Options struct {
	Engine Engine
	Store  ResumeStore
	Dirs   DirectoryResolver

	// DefaultExtension is appended to artifact names without one.
	DefaultExtension string

	PostProcessor   PostProcessor
	AutoPostProcess bool
	Notifier        Notifier
	Logger          utils.Logger
}

type entry struct {
	status models.DownloadStatus
	// gen is the engine generation whose events this entry accepts.
	// Zero while paused.
	gen uint64
}

// Registry is the single source of truth for download status
type Registry struct {
	tomb tomb.Tomb
	opts Options
	log  utils.Logger

	ops     chan func()
	entries map[string]*entry
	loopCtx context.Context

	mu        sync.RWMutex
	published map[string]models.DownloadStatus

	subMu   sync.Mutex
	subs    map[int]chan []models.DownloadStatus
	nextSub int

	drained chan struct{}
}

// New starts a registry loop
func New(opts Options) *Registry {
	if opts.Dirs == nil {
		opts.Dirs = StaticDir(".")
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	r := &Registry{
		opts:      opts,
		log:       utils.OrNop(opts.Logger),
		ops:       make(chan func()),
		entries:   make(map[string]*entry),
		published: make(map[string]models.DownloadStatus),
		subs:      make(map[int]chan []models.DownloadStatus),
		drained:   make(chan struct{}),
	}
	r.loopCtx = r.tomb.Context(nil)
	r.tomb.Go(r.loop)
	return r
}

func (r *Registry) loop() error {
	events := r.opts.Engine.Events()
	for {
		select {
		case <-r.tomb.Dying():
			return tomb.ErrDying
		case op := <-r.ops:
			op()
		case ev, ok := <-events:
			if !ok {
				events = nil
				close(r.drained)
				continue
			}
			r.handleEvent(ev)
		}
	}
}

// do runs fn on the loop goroutine and returns its error
func (r *Registry) do(ctx context.Context, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	op := func() {
		errc <- fn(ctx)
	}
	select {
	case r.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.tomb.Dying():
		return ErrClosed
	}
	return <-errc
}

// Drained is closed once the loop has handled the last event of a closed
// engine. Close the engine, wait on Drained, then Close the registry so
// outcomes of transfers that ended during shutdown are not lost.
func (r *Registry) Drained() <-chan struct{} {
	return r.drained
}

// Close stops the loop and waits for running post-processors
func (r *Registry) Close() error {
	r.tomb.Kill(nil)
	err := r.tomb.Wait()

	r.subMu.Lock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.subMu.Unlock()
	return err
}

// Start begins downloading url. It is a no-op when the artifact is already
// in the download directory or a transfer is already running; a paused
// download is resumed.
func (r *Registry) Start(ctx context.Context, url string) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.start(ctx, url)
	})
}

// Pause suspends the download of url
func (r *Registry) Pause(ctx context.Context, url string) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.pause(ctx, url)
	})
}

// Resume continues a paused download, or starts it
func (r *Registry) Resume(ctx context.Context, url string) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.resume(ctx, url)
	})
}

// Cancel stops the download of url and forgets everything about it.
// It is safe in any state.
func (r *Registry) Cancel(ctx context.Context, url string) error {
	return r.do(ctx, func(ctx context.Context) error {
		r.cancel(ctx, url)
		return nil
	})
}

// Reconcile rebuilds the registry from the engine's surviving tasks and the
// stored resume records. It is meant to run once at startup.
func (r *Registry) Reconcile(ctx context.Context) error {
	return r.do(ctx, func(ctx context.Context) error {
		r.reconcile(ctx)
		return nil
	})
}

func (r *Registry) start(ctx context.Context, url string) error {
	if e, ok := r.entries[url]; ok {
		switch e.status.Phase {
		case models.PhaseDownloading, models.PhaseWaitingForConnectivity:
			return nil
		case models.PhasePaused:
			return r.resume(ctx, url)
		}
	}

	exists, err := r.artifactExists(ctx, url)
	if err != nil {
		return err
	}
	if exists {
		r.log.Info("Artifact for %s already downloaded", url)
		return nil
	}

	return r.launch(ctx, url)
}

// launch hands url to the engine, consuming a stored token if there is one
func (r *Registry) launch(ctx context.Context, url string) error {
	token, haveToken, err := r.opts.Store.Get(ctx, url)
	if err != nil {
		r.log.Warn("Failed to read resume token for %s: %v", url, err)
		token, haveToken = nil, false
	}

	gen, err := r.opts.Engine.Start(url, token)
	if errors.Is(err, transfer.ErrTaskExists) {
		// A suspended task from an earlier process that was not reconciled.
		gen, err = r.opts.Engine.ResumeTask(url)
	}
	if err != nil {
		return err
	}

	if haveToken {
		if err := r.opts.Store.Remove(ctx, url); err != nil {
			r.log.Warn("Failed to remove consumed resume token for %s: %v", url, err)
		}
	}

	r.entries[url] = &entry{
		status: models.DownloadStatus{URL: url, Phase: models.PhaseDownloading, Total: models.UnknownTotal},
		gen:    gen,
	}
	r.publish()
	return nil
}

func (r *Registry) pause(ctx context.Context, url string) error {
	e, ok := r.entries[url]
	if !ok || e.status.Phase == models.PhasePaused {
		return nil
	}

	token, err := r.opts.Engine.Pause(url)
	switch {
	case errors.Is(err, transfer.ErrTaskFinished), errors.Is(err, transfer.ErrNoTask):
		// The outcome event is already queued and will settle the entry.
		return nil
	case err != nil:
		return err
	}

	if token == nil {
		if e.status.Phase == models.PhaseWaitingForConnectivity {
			// Nothing was received yet; resuming simply starts over.
			e.status.Phase = models.PhasePaused
			e.gen = 0
		} else {
			r.log.Info("Server for %s does not support resuming, download discarded", url)
			delete(r.entries, url)
		}
		r.publish()
		return nil
	}

	if err := r.opts.Store.Put(ctx, url, token); err != nil {
		r.opts.Engine.Discard(token)
		delete(r.entries, url)
		r.publish()
		return err
	}

	r.applyTokenProgress(e, token)
	e.status.Phase = models.PhasePaused
	e.gen = 0
	r.publish()
	return nil
}

func (r *Registry) resume(ctx context.Context, url string) error {
	if e, ok := r.entries[url]; ok && e.status.Phase != models.PhasePaused {
		return nil
	}

	if gen, err := r.opts.Engine.ResumeTask(url); err == nil {
		e, ok := r.entries[url]
		if !ok {
			e = &entry{status: models.DownloadStatus{URL: url, Total: models.UnknownTotal}}
			r.entries[url] = e
		}
		e.status.Phase = models.PhaseDownloading
		e.gen = gen
		r.publish()
		return nil
	}

	if _, ok, _ := r.opts.Store.Get(ctx, url); ok {
		return r.launch(ctx, url)
	}

	delete(r.entries, url)
	return r.start(ctx, url)
}

func (r *Registry) cancel(ctx context.Context, url string) {
	r.opts.Engine.Cancel(url)

	if token, ok, _ := r.opts.Store.Get(ctx, url); ok {
		r.opts.Engine.Discard(token)
	}
	if err := r.opts.Store.Remove(ctx, url); err != nil {
		r.log.Warn("Failed to remove resume token for %s: %v", url, err)
	}

	if _, ok := r.entries[url]; ok {
		delete(r.entries, url)
		r.publish()
	}
}

func (r *Registry) reconcile(ctx context.Context) {
	for _, info := range r.opts.Engine.Tasks() {
		status := models.DownloadStatus{
			URL:     info.URL,
			Written: info.Written,
			Total:   info.Total,
		}
		if info.Total > 0 {
			status.Progress = float64(info.Written) / float64(info.Total)
		}
		e := &entry{status: status, gen: info.Generation}
		switch info.State {
		case transfer.TaskRunning:
			e.status.Phase = models.PhaseDownloading
		case transfer.TaskWaiting:
			e.status.Phase = models.PhaseWaitingForConnectivity
		default:
			e.status.Phase = models.PhasePaused
		}
		r.entries[info.URL] = e
	}

	for _, url := range r.opts.Store.URLs() {
		if _, ok := r.entries[url]; ok {
			continue
		}
		token, ok, err := r.opts.Store.Get(ctx, url)
		if err != nil || !ok {
			continue
		}
		status := models.DownloadStatus{URL: url, Phase: models.PhasePaused, Total: models.UnknownTotal}
		if written, total, ok := r.opts.Engine.TokenProgress(token); ok {
			status.Written = written
			status.Total = total
			if total > 0 {
				status.Progress = float64(written) / float64(total)
			}
		}
		r.entries[url] = &entry{status: status}
	}

	r.publish()
}

func (r *Registry) handleEvent(ev transfer.Event) {
	e, ok := r.entries[ev.URL]
	if !ok || e.gen == 0 || e.gen != ev.Generation {
		r.discardStale(ev)
		return
	}

	ctx := r.loopCtx

	switch ev.Kind {
	case transfer.EventProgress:
		e.status.Phase = models.PhaseDownloading
		e.status.Written = ev.Written
		e.status.Total = ev.Total
		if ev.Total > 0 {
			e.status.Progress = float64(ev.Written) / float64(ev.Total)
		}

	case transfer.EventWaiting:
		e.status.Phase = models.PhaseWaitingForConnectivity

	case transfer.EventCompleted:
		delete(r.entries, ev.URL)
		if err := r.opts.Store.Remove(ctx, ev.URL); err != nil {
			r.log.Warn("Failed to remove resume token for %s: %v", ev.URL, err)
		}
		r.finalize(ctx, ev.URL, ev.Path)

	case transfer.EventFailed:
		r.log.Warn("Download of %s failed: %v", ev.URL, ev.Err)
		if ev.ResumeToken != nil && r.keepToken(ctx, ev.URL, ev.ResumeToken) {
			e.status.Phase = models.PhasePaused
			e.status.Written = ev.Written
			r.applyTokenProgress(e, ev.ResumeToken)
			e.gen = 0
			break
		}
		delete(r.entries, ev.URL)
		r.opts.Notifier.DownloadFailed(ev.URL, ev.Err)
	}

	r.publish()
}

// applyTokenProgress sets the byte counts of a paused entry from its token
func (r *Registry) applyTokenProgress(e *entry, token []byte) {
	written, total, ok := r.opts.Engine.TokenProgress(token)
	if !ok {
		return
	}
	e.status.Written = written
	e.status.Total = total
	if total > 0 {
		e.status.Progress = float64(written) / float64(total)
	}
}

// keepToken persists token, discarding its partial data when that fails
func (r *Registry) keepToken(ctx context.Context, url string, token []byte) bool {
	if err := r.opts.Store.Put(ctx, url, token); err != nil {
		r.log.Error("Failed to store resume token for %s: %v", url, err)
		r.opts.Engine.Discard(token)
		return false
	}
	return true
}

// discardStale drops an event from a task the registry no longer tracks
func (r *Registry) discardStale(ev transfer.Event) {
	switch ev.Kind {
	case transfer.EventCompleted:
		r.log.Debug("Discarding late completion for %s", ev.URL)
		if err := os.Remove(ev.Path); err != nil && !os.IsNotExist(err) {
			r.log.Warn("Failed to remove stale artifact %s: %v", ev.Path, err)
		}
	case transfer.EventFailed:
		if ev.ResumeToken != nil {
			r.opts.Engine.Discard(ev.ResumeToken)
		}
	}
}

// Status returns the published status of url; absent URLs are Idle
func (r *Registry) Status(url string) models.DownloadStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.published[url]; ok {
		return s
	}
	return models.DownloadStatus{URL: url, Phase: models.PhaseIdle, Total: models.UnknownTotal}
}

// Snapshot returns every tracked download sorted by URL
func (r *Registry) Snapshot() []models.DownloadStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedStatuses(r.published)
}

// Subscribe returns a channel receiving the latest snapshot after every
// change. Slow readers only see the most recent one.
func (r *Registry) Subscribe() (<-chan []models.DownloadStatus, func()) {
	ch := make(chan []models.DownloadStatus, 1)

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	// Under subMu so no publish can fill the buffer first.
	ch <- r.Snapshot()
	r.subMu.Unlock()

	return ch, func() {
		r.subMu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
		r.subMu.Unlock()
	}
}

// publish copies loop state for readers. Only called on the loop goroutine.
func (r *Registry) publish() {
	published := make(map[string]models.DownloadStatus, len(r.entries))
	for url, e := range r.entries {
		published[url] = e.status
	}

	r.mu.Lock()
	r.published = published
	r.mu.Unlock()

	snap := sortedStatuses(published)
	r.subMu.Lock()
	for _, ch := range r.subs {
		select {
		case ch <- snap:
		default:
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
	r.subMu.Unlock()
}

func sortedStatuses(m map[string]models.DownloadStatus) []models.DownloadStatus {
	out := make([]models.DownloadStatus, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
