// Package transfer runs HTTP downloads in the background, one task per URL.
//
// A task can be paused into a resume token and later restarted from it with a
// ranged request. Loss of connectivity before the response arrives parks the
// task until a probe says the host is reachable again. While a task is alive
// a journal sidecar in the work directory records it, so a new process can
// pick up transfers an earlier one did not finish.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	hubErrors "github.com/huanfeng/sourcehub/internal/errors"
	"github.com/huanfeng/sourcehub/pkg/system"
	"github.com/huanfeng/sourcehub/pkg/utils"
)

var (
	ErrTaskExists   = hubErrors.NewConflictError("TRANSFER_EXISTS", "a transfer for this URL already exists")
	ErrNoTask       = hubErrors.NewNotFoundError("TRANSFER_NOT_FOUND", "no transfer for this URL")
	ErrTaskFinished = hubErrors.NewConflictError("TRANSFER_FINISHED", "the transfer already reported its outcome")
	ErrClosed       = hubErrors.NewError(hubErrors.ErrorTypeUnknown, "ENGINE_CLOSED", "transfer engine is closed")
	ErrInvalidToken = errors.New("invalid resume token")
)

var (
	errPaused   = errors.New("transfer paused")
	errCanceled = errors.New("transfer canceled")
	errShutdown = errors.New("transfer engine shutting down")
)

// TaskState is the engine-side state of a task
type TaskState int32

const (
	TaskRunning TaskState = iota
	TaskWaiting
	TaskSuspended
	taskFinishing
)

// String returns the string representation of the state
func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskWaiting:
		return "waiting"
	case TaskSuspended:
		return "suspended"
	default:
		return "finishing"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *TaskState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "running":
		*s = TaskRunning
	case "waiting":
		*s = TaskWaiting
	case "suspended":
		*s = TaskSuspended
	default:
		*s = taskFinishing
	}
	return nil
}

// ConnectivityProbe tells whether the host of a URL can be reached
type ConnectivityProbe interface {
	Reachable(ctx context.Context, url string) bool
}

// Options configures an Engine
type Options struct {
	// WorkDir holds partial files and journals. Required.
	WorkDir string

	Client    *http.Client
	UserAgent string
	Clock     clock.Clock
	Logger    utils.Logger

	// Probe is polled every ProbeInterval while a task waits for connectivity.
	Probe         ConnectivityProbe
	ProbeInterval time.Duration

	// ProgressInterval throttles progress events per task.
	ProgressInterval time.Duration

	// ResumeRestored restarts tasks found running by Restore instead of
	// leaving them suspended.
	ResumeRestored bool

	EventBuffer int
}

// EventKind identifies an engine event
type EventKind int

const (
	EventProgress EventKind = iota
	EventWaiting
	EventCompleted
	EventFailed
)

// String returns the string representation of the kind
func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventWaiting:
		return "waiting"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event reports a change in one task. Total is -1 while unknown.
// Path is set on EventCompleted and names the finished temporary file.
// ResumeToken may be set on EventFailed.
type Event struct {
	Kind        EventKind
	URL         string
	Generation  uint64
	Written     int64
	Total       int64
	Path        string
	ResumeToken []byte
	Err         error
}

// TaskInfo describes a live or suspended task
type TaskInfo struct {
	URL        string
	Generation uint64
	State      TaskState
	Written    int64
	Total      int64
}

type task struct {
	id  string
	url string
	gen uint64

	cancel context.CancelCauseFunc
	done   chan struct{}

	state   atomic.Int32
	written atomic.Int64
	total   atomic.Int64

	// Owned by the task goroutine; read by others only after done is closed.
	etag         string
	lastModified string
	resumable    bool
	reported     bool
}

func (t *task) State() TaskState {
	return TaskState(t.state.Load())
}

func (t *task) setState(s TaskState) {
	t.state.Store(int32(s))
}

func (t *task) validator() string {
	if t.etag != "" {
		return t.etag
	}
	return t.lastModified
}

// Engine runs transfers. All methods are safe for concurrent use.
type Engine struct {
	opts Options
	log  utils.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool

	events    chan Event
	nextGen   atomic.Uint64
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewEngine creates an engine and its work directory
func NewEngine(opts Options) (*Engine, error) {
	if opts.WorkDir == "" {
		return nil, hubErrors.NewConfigurationError("NO_WORK_DIR", "transfer engine needs a work directory")
	}
	if err := os.MkdirAll(opts.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 15 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "sourcehub/1.0"
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Probe == nil {
		opts.Probe = system.NewNetworkChecker(opts.Logger)
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 5 * time.Second
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 250 * time.Millisecond
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}

	return &Engine{
		opts:   opts,
		log:    utils.OrNop(opts.Logger),
		tasks:  make(map[string]*task),
		events: make(chan Event, opts.EventBuffer),
	}, nil
}

// Events returns the channel every task reports on. It is closed by Close.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Start begins a transfer for url, continuing from token when it is usable.
// It returns the generation that tags the task's events.
func (e *Engine) Start(url string, token []byte) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrClosed
	}
	if t, ok := e.tasks[url]; ok && t.State() != taskFinishing {
		return 0, ErrTaskExists
	}

	t := &task{id: uuid.NewString(), url: url}
	t.total.Store(-1)
	if token != nil {
		e.applyToken(t, token)
	}

	e.launch(t, false)
	return t.gen, nil
}

// applyToken seeds t from a token. An unusable token is logged and ignored.
func (e *Engine) applyToken(t *task, token []byte) {
	tok, err := DecodeToken(token)
	if err != nil {
		e.log.Warn("Ignoring resume token for %s: %v", t.url, err)
		return
	}
	if tok.URL != t.url {
		e.log.Warn("Ignoring resume token for %s: issued for %s", t.url, tok.URL)
		return
	}

	id := strings.TrimSuffix(tok.Partial, partialSuffix)
	if tok.Validator() == "" {
		e.removePartial(id)
		return
	}
	fi, err := os.Stat(e.partialPath(id))
	if err != nil {
		e.log.Warn("Partial data for %s is gone, starting over", t.url)
		return
	}

	offset := tok.Offset
	if fi.Size() < offset {
		offset = fi.Size()
	}

	t.id = id
	t.written.Store(offset)
	t.total.Store(tok.Total)
	t.etag = tok.ETag
	t.lastModified = tok.LastModified
	t.resumable = true
}

// launch registers t and starts its goroutine. Callers hold e.mu.
func (e *Engine) launch(t *task, waitFirst bool) {
	ctx, cancel := context.WithCancelCause(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.gen = e.nextGen.Add(1)
	t.reported = false
	if waitFirst {
		t.setState(TaskWaiting)
	} else {
		t.setState(TaskRunning)
	}
	e.tasks[t.url] = t
	e.writeJournal(t)

	e.wg.Add(1)
	go e.run(ctx, t, waitFirst)
}

// Pause stops the task for url and returns a resume token, or nil when the
// server does not allow resuming. ErrTaskFinished means the task already
// delivered its completion or failure event.
func (e *Engine) Pause(url string) ([]byte, error) {
	e.mu.Lock()
	t, ok := e.tasks[url]
	if ok {
		delete(e.tasks, url)
	}
	e.mu.Unlock()
	if !ok {
		return nil, ErrNoTask
	}

	t.cancel(errPaused)
	<-t.done

	if t.reported {
		return nil, ErrTaskFinished
	}

	e.removeJournal(t.id)
	token := suspendToken(t)
	if token == nil {
		e.removePartial(t.id)
		return nil, nil
	}
	e.log.Debug("Paused %s at %d bytes", url, t.written.Load())
	return token, nil
}

// Cancel stops the task for url and deletes its partial data. Unknown URLs
// are ignored.
func (e *Engine) Cancel(url string) {
	e.mu.Lock()
	t, ok := e.tasks[url]
	if ok {
		delete(e.tasks, url)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	t.cancel(errCanceled)
	<-t.done

	e.removeJournal(t.id)
	e.removePartial(t.id)
}

// Discard deletes the partial data behind a token that will not be used
func (e *Engine) Discard(token []byte) {
	tok, err := DecodeToken(token)
	if err != nil {
		return
	}
	id := strings.TrimSuffix(tok.Partial, partialSuffix)

	e.mu.Lock()
	for _, t := range e.tasks {
		if t.id == id {
			e.mu.Unlock()
			return
		}
	}
	e.mu.Unlock()

	e.removePartial(id)
}

// TokenProgress reads the byte counts recorded in a token
func (e *Engine) TokenProgress(token []byte) (written, total int64, ok bool) {
	tok, err := DecodeToken(token)
	if err != nil {
		return 0, -1, false
	}
	return tok.Offset, tok.Total, true
}

// Tasks lists live and suspended tasks sorted by URL
func (e *Engine) Tasks() []TaskInfo {
	e.mu.Lock()
	infos := make([]TaskInfo, 0, len(e.tasks))
	for _, t := range e.tasks {
		if t.State() == taskFinishing {
			continue
		}
		infos = append(infos, TaskInfo{
			URL:        t.url,
			Generation: t.gen,
			State:      t.State(),
			Written:    t.written.Load(),
			Total:      t.total.Load(),
		})
	}
	e.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].URL < infos[j].URL })
	return infos
}

// Restore registers the tasks an earlier process left in the work directory.
// Tasks that were running or waiting restart when ResumeRestored is set;
// everything else is suspended until ResumeTask.
func (e *Engine) Restore() ([]TaskInfo, error) {
	journals, err := e.readJournals()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	for _, j := range journals {
		if _, exists := e.tasks[j.URL]; exists {
			e.log.Warn("Skipping restored transfer for %s: already active", j.URL)
			continue
		}

		t := &task{
			id:           j.ID,
			url:          j.URL,
			etag:         j.ETag,
			lastModified: j.LastModified,
			resumable:    j.Resumable,
		}
		t.total.Store(j.Total)
		if fi, err := os.Stat(e.partialPath(j.ID)); err == nil {
			t.written.Store(fi.Size())
		}

		active := j.State == TaskRunning || j.State == TaskWaiting
		if active && e.opts.ResumeRestored {
			e.log.Info("Restarting interrupted transfer of %s", j.URL)
			e.launch(t, j.State == TaskWaiting)
			continue
		}

		e.suspend(t)
	}
	e.mu.Unlock()

	return e.Tasks(), nil
}

// suspend registers t without a goroutine. Callers hold e.mu.
func (e *Engine) suspend(t *task) {
	done := make(chan struct{})
	close(done)
	t.done = done
	t.cancel = func(error) {}
	t.gen = e.nextGen.Add(1)
	t.setState(TaskSuspended)
	e.tasks[t.url] = t
	e.writeJournal(t)
}

// ResumeTask restarts a suspended task
func (e *Engine) ResumeTask(url string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrClosed
	}
	t, ok := e.tasks[url]
	if !ok {
		return 0, ErrNoTask
	}
	if t.State() != TaskSuspended {
		return 0, ErrTaskExists
	}

	e.launch(t, false)
	return t.gen, nil
}

// Close stops every task. Journals are kept so Restore can pick the tasks
// up again. The events channel is closed once all tasks have exited.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		for _, t := range e.tasks {
			t.cancel(errShutdown)
		}
		e.mu.Unlock()

		e.wg.Wait()
		close(e.events)
	})
	return nil
}

func (e *Engine) run(ctx context.Context, t *task, waitFirst bool) {
	defer e.wg.Done()
	defer close(t.done)

	if waitFirst && !e.awaitConnectivity(ctx, t) {
		return
	}

	for {
		err := e.attempt(ctx, t)
		if err == nil {
			e.complete(ctx, t)
			return
		}
		if ctx.Err() != nil {
			e.log.Debug("Transfer of %s stopped: %v", t.url, context.Cause(ctx))
			return
		}
		if isConnectivityError(err) {
			e.log.Info("Connectivity lost while fetching %s: %v", t.url, err)
			if !e.awaitConnectivity(ctx, t) {
				return
			}
			continue
		}

		e.fail(ctx, t, err)
		return
	}
}

// attempt performs one request, continuing from the bytes already on disk
func (e *Engine) attempt(ctx context.Context, t *task) error {
	if total := t.total.Load(); total > 0 && t.written.Load() == total {
		return nil
	}

	f, err := os.OpenFile(e.partialPath(t.id), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open partial file: %w", err)
	}
	defer f.Close()

	offset := t.written.Load()
	if offset > 0 && (!t.resumable || t.validator() == "") {
		offset = 0
	}
	if err := seekTo(f, offset); err != nil {
		return err
	}
	t.written.Store(offset)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return hubErrors.WrapError(err, hubErrors.ErrorTypeValidation, "BAD_URL", "invalid download URL")
	}
	req.Header.Set("User-Agent", e.opts.UserAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		req.Header.Set("If-Range", t.validator())
	}

	resp, err := e.opts.Client.Do(req)
	if err != nil {
		return &requestError{err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			e.log.Info("Server ignored the range for %s, starting over", t.url)
			if err := seekTo(f, 0); err != nil {
				return err
			}
			t.written.Store(0)
		}
		t.total.Store(resp.ContentLength)
		t.etag = resp.Header.Get("ETag")
		t.lastModified = resp.Header.Get("Last-Modified")
		t.resumable = resp.Header.Get("Accept-Ranges") == "bytes" && t.validator() != ""

	case http.StatusPartialContent:
		start, _, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil || start != offset {
			t.resumable = false
			return &StatusError{Code: resp.StatusCode, Status: "unusable partial response"}
		}
		if total < 0 && resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}
		t.total.Store(total)
		if etag := resp.Header.Get("ETag"); etag != "" {
			t.etag = etag
		}
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			t.lastModified = lm
		}
		t.resumable = t.validator() != ""

	default:
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	e.writeJournal(t)
	e.emitProgress(ctx, t)

	pw := newProgressWriter(f, &t.written, e.opts.ProgressInterval, e.opts.Clock, func() {
		e.emitProgress(ctx, t)
	})
	if _, err := io.Copy(pw, resp.Body); err != nil {
		return fmt.Errorf("transfer of %s interrupted: %w", t.url, err)
	}

	written := t.written.Load()
	total := t.total.Load()
	if total >= 0 && written != total {
		return fmt.Errorf("transfer of %s ended at %d of %d bytes: %w", t.url, written, total, io.ErrUnexpectedEOF)
	}
	if total < 0 {
		t.total.Store(written)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close partial file: %w", err)
	}
	return nil
}

func seekTo(f *os.File, offset int64) error {
	if err := f.Truncate(offset); err != nil {
		return fmt.Errorf("failed to truncate partial file: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek partial file: %w", err)
	}
	return nil
}

// awaitConnectivity parks t until the probe reports its host reachable.
// It returns false when the task was stopped meanwhile.
func (e *Engine) awaitConnectivity(ctx context.Context, t *task) bool {
	t.setState(TaskWaiting)
	e.writeJournal(t)
	if !e.emit(ctx, Event{
		Kind:       EventWaiting,
		URL:        t.url,
		Generation: t.gen,
		Written:    t.written.Load(),
		Total:      t.total.Load(),
	}) {
		return false
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-e.opts.Clock.After(e.opts.ProbeInterval):
		}

		if e.opts.Probe.Reachable(ctx, t.url) {
			e.log.Info("Connectivity restored for %s", t.url)
			t.setState(TaskRunning)
			e.writeJournal(t)
			return true
		}
	}
}

func (e *Engine) complete(ctx context.Context, t *task) {
	t.setState(taskFinishing)
	if !e.emit(ctx, Event{
		Kind:       EventCompleted,
		URL:        t.url,
		Generation: t.gen,
		Written:    t.written.Load(),
		Total:      t.total.Load(),
		Path:       e.partialPath(t.id),
	}) {
		return
	}

	t.reported = true
	e.removeJournal(t.id)
	e.forget(t)
	e.log.Debug("Transfer of %s completed (%d bytes)", t.url, t.written.Load())
}

func (e *Engine) fail(ctx context.Context, t *task, err error) {
	t.setState(taskFinishing)
	token := suspendToken(t)
	if !e.emit(ctx, Event{
		Kind:        EventFailed,
		URL:         t.url,
		Generation:  t.gen,
		Written:     t.written.Load(),
		Total:       t.total.Load(),
		ResumeToken: token,
		Err:         err,
	}) {
		return
	}

	t.reported = true
	e.removeJournal(t.id)
	if token == nil {
		e.removePartial(t.id)
	}
	e.forget(t)
	e.log.Warn("Transfer of %s failed: %v", t.url, err)
}

// forget drops t from the task table unless a newer task replaced it
func (e *Engine) forget(t *task) {
	e.mu.Lock()
	if e.tasks[t.url] == t {
		delete(e.tasks, t.url)
	}
	e.mu.Unlock()
}

func (e *Engine) emitProgress(ctx context.Context, t *task) {
	e.emit(ctx, Event{
		Kind:       EventProgress,
		URL:        t.url,
		Generation: t.gen,
		Written:    t.written.Load(),
		Total:      t.total.Load(),
	})
}

// emit delivers ev unless the task is stopped first
func (e *Engine) emit(ctx context.Context, ev Event) bool {
	select {
	case e.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// suspendToken builds the token for t's current state, or nil when the
// bytes on disk cannot be reused.
func suspendToken(t *task) []byte {
	written := t.written.Load()
	total := t.total.Load()
	complete := total > 0 && written == total
	if !complete && (!t.resumable || written == 0) {
		return nil
	}
	tok := Token{
		URL:          t.url,
		Partial:      t.id + partialSuffix,
		Offset:       written,
		Total:        total,
		ETag:         t.etag,
		LastModified: t.lastModified,
	}
	return tok.Encode()
}

// StatusError is an HTTP response the engine cannot use
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Status)
}

// requestError wraps a failure to obtain a response at all
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

// isConnectivityError reports whether err means the host could not be
// reached, as opposed to a failure after the response started.
func isConnectivityError(err error) bool {
	var re *requestError
	if !errors.As(err, &re) {
		return false
	}

	inner := re.err
	var ue *url.Error
	if errors.As(inner, &ue) {
		inner = ue.Err
	}
	if errors.Is(inner, context.Canceled) {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(inner, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(inner, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(inner, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(inner, syscall.ECONNREFUSED) ||
		errors.Is(inner, syscall.ENETUNREACH) ||
		errors.Is(inner, syscall.EHOSTUNREACH) ||
		errors.Is(inner, context.DeadlineExceeded)
}
