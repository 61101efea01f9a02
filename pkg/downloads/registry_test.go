package downloads

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/huanfeng/sourcehub/pkg/models"
	"github.com/huanfeng/sourcehub/pkg/resume"
	"github.com/huanfeng/sourcehub/pkg/transfer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		// Started by gocloud.dev/blob's opencensus instrumentation on import.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func payload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 253)
	}
	return data
}

type slowContent struct {
	*bytes.Reader
}

func (s slowContent) Read(p []byte) (int, error) {
	if len(p) > 1024 {
		p = p[:1024]
	}
	time.Sleep(time.Millisecond)
	return s.Reader.Read(p)
}

func serveRanges(t *testing.T, data []byte, slow bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		if slow {
			http.ServeContent(w, r, "app", time.Time{}, slowContent{bytes.NewReader(data)})
			return
		}
		http.ServeContent(w, r, "app", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type recordingNotifier struct {
	mu       sync.Mutex
	finished []string
	failed   []string
}

func (n *recordingNotifier) DownloadFinished(url, path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, path)
}

func (n *recordingNotifier) DownloadFailed(url string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, url)
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.finished), len(n.failed)
}

type harness struct {
	reg      *Registry
	engine   *transfer.Engine
	store    *resume.Store
	dir      string
	notifier *recordingNotifier
}

func newHarness(t *testing.T, client *http.Client) *harness {
	t.Helper()
	ctx := context.Background()

	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	store, err := resume.Open(ctx, bucket, nil)
	if err != nil {
		t.Fatalf("resume.Open: %v", err)
	}

	engine, err := transfer.NewEngine(transfer.Options{
		WorkDir:          t.TempDir(),
		Client:           client,
		ProgressInterval: 5 * time.Millisecond,
		ProbeInterval:    5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	h := &harness{
		engine:   engine,
		store:    store,
		dir:      t.TempDir(),
		notifier: &recordingNotifier{},
	}
	h.reg = New(Options{
		Engine:           engine,
		Store:            store,
		Dirs:             StaticDir(h.dir),
		DefaultExtension: ".ipa",
		Notifier:         h.notifier,
	})
	t.Cleanup(func() { h.reg.Close() })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStartDownloadsIntoDirectory(t *testing.T) {
	data := payload(32 * 1024)
	srv := serveRanges(t, data, false)
	h := newHarness(t, srv.Client())
	ctx := context.Background()

	url := srv.URL + "/apps/MyApp"
	if err := h.reg.Start(ctx, url); err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := filepath.Join(h.dir, "MyApp.ipa")
	waitFor(t, "artifact", func() bool {
		_, err := os.Stat(final)
		return err == nil && !h.reg.Status(url).Active()
	})

	got, _ := os.ReadFile(final)
	if !bytes.Equal(got, data) {
		t.Errorf("artifact differs: %d bytes, want %d", len(got), len(data))
	}
	if urls := h.store.URLs(); len(urls) != 0 {
		t.Errorf("resume records after completion: %v", urls)
	}
	waitFor(t, "notification", func() bool {
		finished, _ := h.notifier.counts()
		return finished == 1
	})
}

func TestStartIsNoopWhenArtifactExists(t *testing.T) {
	srv := serveRanges(t, payload(1024), false)
	h := newHarness(t, srv.Client())

	if err := os.WriteFile(filepath.Join(h.dir, "app.ipa"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := h.reg.Start(context.Background(), srv.URL+"/app.ipa"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s := h.reg.Status(srv.URL + "/app.ipa"); s.Active() {
		t.Errorf("status = %v, want idle", s.Phase)
	}
	if tasks := h.engine.Tasks(); len(tasks) != 0 {
		t.Errorf("engine tasks = %v, want none", tasks)
	}
}

func TestAtMostOneTransferPerURL(t *testing.T) {
	srv := serveRanges(t, payload(256*1024), true)
	h := newHarness(t, srv.Client())
	ctx := context.Background()

	url := srv.URL + "/app.ipa"
	for i := 0; i < 3; i++ {
		if err := h.reg.Start(ctx, url); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
	}
	if tasks := h.engine.Tasks(); len(tasks) != 1 {
		t.Errorf("engine tasks = %d, want 1", len(tasks))
	}
	if snap := h.reg.Snapshot(); len(snap) != 1 {
		t.Errorf("snapshot = %v, want one entry", snap)
	}
	h.reg.Cancel(ctx, url)
}

func TestPauseResumeYieldsIdenticalArtifact(t *testing.T) {
	data := payload(256 * 1024)
	srv := serveRanges(t, data, true)
	h := newHarness(t, srv.Client())
	ctx := context.Background()

	url := srv.URL + "/app.ipa"
	h.reg.Start(ctx, url)
	waitFor(t, "progress", func() bool { return h.reg.Status(url).Written > 0 })

	if err := h.reg.Pause(ctx, url); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	paused := h.reg.Status(url)
	if paused.Phase != models.PhasePaused {
		t.Fatalf("phase = %v, want paused", paused.Phase)
	}
	if paused.Written <= 0 || paused.Total != int64(len(data)) {
		t.Errorf("paused counts = %d/%d", paused.Written, paused.Total)
	}
	if _, ok, _ := h.store.Get(ctx, url); !ok {
		t.Fatal("no resume record after pause")
	}

	if err := h.reg.Resume(ctx, url); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, ok, _ := h.store.Get(ctx, url); ok {
		t.Error("resume record not consumed by resume")
	}

	final := filepath.Join(h.dir, "app.ipa")
	waitFor(t, "artifact", func() bool {
		_, err := os.Stat(final)
		return err == nil
	})
	got, _ := os.ReadFile(final)
	if !bytes.Equal(got, data) {
		t.Errorf("resumed artifact differs: %d bytes, want %d", len(got), len(data))
	}
}

func TestCancelClearsEntryAndRecordInAnyState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness, url string)
	}{
		{"idle", func(t *testing.T, h *harness, url string) {}},
		{"downloading", func(t *testing.T, h *harness, url string) {
			h.reg.Start(context.Background(), url)
			waitFor(t, "progress", func() bool { return h.reg.Status(url).Written > 0 })
		}},
		{"paused", func(t *testing.T, h *harness, url string) {
			h.reg.Start(context.Background(), url)
			waitFor(t, "progress", func() bool { return h.reg.Status(url).Written > 0 })
			h.reg.Pause(context.Background(), url)
		}},
		{"record only", func(t *testing.T, h *harness, url string) {
			h.store.Put(context.Background(), url, []byte(`{"url":"x"}`))
			h.reg.Reconcile(context.Background())
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serveRanges(t, payload(256*1024), true)
			h := newHarness(t, srv.Client())
			url := srv.URL + "/app.ipa"

			tt.setup(t, h, url)
			if err := h.reg.Cancel(context.Background(), url); err != nil {
				t.Fatalf("Cancel: %v", err)
			}

			if s := h.reg.Status(url); s.Active() {
				t.Errorf("phase after cancel = %v", s.Phase)
			}
			if urls := h.store.URLs(); len(urls) != 0 {
				t.Errorf("resume records after cancel: %v", urls)
			}
			if tasks := h.engine.Tasks(); len(tasks) != 0 {
				t.Errorf("engine tasks after cancel: %v", tasks)
			}
		})
	}
}

func TestFailureWithTokenPausesAndResumeCompletes(t *testing.T) {
	data := payload(8 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		if r.Header.Get("Range") == "" {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			w.Write(data[:2000])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		http.ServeContent(w, r, "app", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client())
	ctx := context.Background()
	url := srv.URL + "/h/app"

	h.reg.Start(ctx, url)
	waitFor(t, "paused after failure", func() bool { return h.reg.Status(url).Phase == models.PhasePaused })
	if s := h.reg.Status(url); s.Written != 2000 {
		t.Errorf("written at failure = %d, want 2000", s.Written)
	}
	if _, ok, _ := h.store.Get(ctx, url); !ok {
		t.Fatal("failure token not stored")
	}

	if err := h.reg.Resume(ctx, url); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	final := filepath.Join(h.dir, "app.ipa")
	waitFor(t, "artifact", func() bool {
		fi, err := os.Stat(final)
		return err == nil && fi.Size() == int64(len(data))
	})
	got, _ := os.ReadFile(final)
	if !bytes.Equal(got, data) {
		t.Error("resumed artifact differs from source")
	}
}

func TestFailureWithoutTokenClearsEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client())
	url := srv.URL + "/missing.ipa"
	h.reg.Start(context.Background(), url)

	waitFor(t, "failure", func() bool {
		_, failed := h.notifier.counts()
		return failed == 1
	})
	if s := h.reg.Status(url); s.Active() {
		t.Errorf("phase after failure = %v, want idle", s.Phase)
	}
	if urls := h.store.URLs(); len(urls) != 0 {
		t.Errorf("resume records after failure: %v", urls)
	}
}

func TestSubscribeSeesUpdates(t *testing.T) {
	srv := serveRanges(t, payload(64*1024), true)
	h := newHarness(t, srv.Client())

	updates, cancel := h.reg.Subscribe()
	defer cancel()

	if initial := <-updates; len(initial) != 0 {
		t.Fatalf("initial snapshot = %v", initial)
	}

	url := srv.URL + "/app.ipa"
	h.reg.Start(context.Background(), url)

	select {
	case snap := <-updates:
		if len(snap) != 1 || snap[0].URL != url {
			t.Errorf("snapshot = %v", snap)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no update after Start")
	}
	h.reg.Cancel(context.Background(), url)
}

func TestSubscribeDuringPublishDoesNotBlock(t *testing.T) {
	h := newHarness(t, http.DefaultClient)
	ctx := context.Background()

	stop := make(chan struct{})
	publisher := make(chan struct{})
	go func() {
		defer close(publisher)
		for {
			select {
			case <-stop:
				return
			default:
			}
			h.reg.do(ctx, func(context.Context) error {
				h.reg.publish()
				return nil
			})
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			updates, cancel := h.reg.Subscribe()
			defer cancel()
			if snap := <-updates; len(snap) != 0 {
				t.Errorf("snapshot = %v", snap)
			}
		}()
	}

	subscribed := make(chan struct{})
	go func() {
		wg.Wait()
		close(subscribed)
	}()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	<-publisher

	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("Subscribe blocked after publishing stopped")
	}
}

// fakeEngine lets tests inject events directly
type fakeEngine struct {
	mu      sync.Mutex
	events  chan transfer.Event
	gen     uint64
	active  map[string]uint64
	tasks   []transfer.TaskInfo
	discard [][]byte
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan transfer.Event, 16), active: make(map[string]uint64)}
}

func (f *fakeEngine) Events() <-chan transfer.Event { return f.events }

func (f *fakeEngine) Start(url string, token []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[url]; ok {
		return 0, transfer.ErrTaskExists
	}
	f.gen++
	f.active[url] = f.gen
	return f.gen, nil
}

func (f *fakeEngine) Pause(url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, url)
	return nil, nil
}

func (f *fakeEngine) Cancel(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, url)
}

func (f *fakeEngine) Discard(token []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discard = append(f.discard, token)
}

func (f *fakeEngine) TokenProgress([]byte) (int64, int64, bool) { return 10, 100, true }

func (f *fakeEngine) Tasks() []transfer.TaskInfo { return f.tasks }

func (f *fakeEngine) ResumeTask(url string) (uint64, error) {
	return 0, transfer.ErrNoTask
}

func newFakeRegistry(t *testing.T, engine *fakeEngine, dirs DirectoryResolver) (*Registry, *resume.Store, *recordingNotifier) {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	store, _ := resume.Open(context.Background(), bucket, nil)
	notifier := &recordingNotifier{}
	reg := New(Options{Engine: engine, Store: store, Dirs: dirs, Notifier: notifier})
	t.Cleanup(func() { reg.Close() })
	return reg, store, notifier
}

func TestLateCompletionAfterCancelIsDiscarded(t *testing.T) {
	engine := newFakeEngine()
	dir := t.TempDir()
	reg, _, _ := newFakeRegistry(t, engine, StaticDir(dir))
	ctx := context.Background()

	url := "https://example.com/app.ipa"
	reg.Start(ctx, url)
	gen := engine.active[url]
	reg.Cancel(ctx, url)

	temp := filepath.Join(t.TempDir(), "late.part")
	os.WriteFile(temp, []byte("late"), 0644)
	engine.events <- transfer.Event{Kind: transfer.EventCompleted, URL: url, Generation: gen, Path: temp}

	waitFor(t, "stale artifact removal", func() bool {
		_, err := os.Stat(temp)
		return os.IsNotExist(err)
	})
	if s := reg.Status(url); s.Active() {
		t.Errorf("late completion recreated state: %v", s.Phase)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("download directory not empty: %v", entries)
	}
}

func TestEventFromOldGenerationIsIgnored(t *testing.T) {
	engine := newFakeEngine()
	reg, _, _ := newFakeRegistry(t, engine, StaticDir(t.TempDir()))
	ctx := context.Background()

	url := "https://example.com/app.ipa"
	reg.Start(ctx, url)
	old := engine.active[url]
	reg.Cancel(ctx, url)
	reg.Start(ctx, url)

	engine.events <- transfer.Event{Kind: transfer.EventProgress, URL: url, Generation: old, Written: 99, Total: 100}
	engine.events <- transfer.Event{Kind: transfer.EventProgress, URL: url, Generation: engine.active[url], Written: 5, Total: 100}

	waitFor(t, "current progress", func() bool { return reg.Status(url).Written == 5 })
}

func TestFailureWithTokenReportsTokenProgress(t *testing.T) {
	engine := newFakeEngine()
	reg, store, _ := newFakeRegistry(t, engine, StaticDir(t.TempDir()))
	ctx := context.Background()

	url := "https://example.com/app.ipa"
	reg.Start(ctx, url)
	engine.events <- transfer.Event{Kind: transfer.EventFailed, URL: url, Generation: engine.active[url],
		Err: errors.New("reset"), ResumeToken: []byte("tok"), Written: 10}

	waitFor(t, "paused entry", func() bool { return reg.Status(url).Phase == models.PhasePaused })
	s := reg.Status(url)
	if s.Written != 10 || s.Total != 100 || s.Progress != 0.1 {
		t.Errorf("paused status = %+v, want 10/100 at 0.1", s)
	}
	if _, ok, _ := store.Get(ctx, url); !ok {
		t.Error("resume token not stored")
	}
}

func TestOutcomesAfterEngineCloseAreSettled(t *testing.T) {
	engine := newFakeEngine()
	dir := t.TempDir()
	reg, store, notifier := newFakeRegistry(t, engine, StaticDir(dir))
	ctx := context.Background()

	done := "https://example.com/done.ipa"
	failed := "https://example.com/failed.ipa"
	reg.Start(ctx, done)
	reg.Start(ctx, failed)

	temp := filepath.Join(t.TempDir(), "done.part")
	os.WriteFile(temp, []byte("data"), 0644)
	engine.events <- transfer.Event{Kind: transfer.EventCompleted, URL: done, Generation: engine.active[done], Path: temp}
	engine.events <- transfer.Event{Kind: transfer.EventFailed, URL: failed, Generation: engine.active[failed],
		Err: errors.New("shutdown"), ResumeToken: []byte("tok"), Written: 10}
	close(engine.events)

	select {
	case <-reg.Drained():
	case <-time.After(5 * time.Second):
		t.Fatal("registry did not drain the closed event stream")
	}
	reg.Close()

	if _, err := os.Stat(filepath.Join(dir, "done.ipa")); err != nil {
		t.Errorf("completed artifact not moved into place: %v", err)
	}
	if finished, _ := notifier.counts(); finished != 1 {
		t.Errorf("finished notifications = %d, want 1", finished)
	}
	if _, ok, _ := store.Get(ctx, failed); !ok {
		t.Error("resume token of the failed transfer was lost")
	}
}

type failingDirs struct{}

func (failingDirs) WithDownloadDir(ctx context.Context, fn func(string) error) error {
	return errors.New("access denied")
}

func TestMoveFailureClearsEntry(t *testing.T) {
	engine := newFakeEngine()
	var dirs failingDirs
	reg, store, notifier := newFakeRegistry(t, engine, dirs)

	url := "https://example.com/app.ipa"
	// Start fails its existence check through the same resolver, so seed the
	// entry through reconciliation instead.
	engine.tasks = []transfer.TaskInfo{{URL: url, Generation: 7, State: transfer.TaskRunning, Total: -1}}
	reg.Reconcile(context.Background())

	temp := filepath.Join(t.TempDir(), "done.part")
	os.WriteFile(temp, []byte("data"), 0644)
	engine.events <- transfer.Event{Kind: transfer.EventCompleted, URL: url, Generation: 7, Path: temp}

	waitFor(t, "failure notification", func() bool {
		_, failed := notifier.counts()
		return failed == 1
	})
	if s := reg.Status(url); s.Active() {
		t.Errorf("phase after failed move = %v", s.Phase)
	}
	if urls := store.URLs(); len(urls) != 0 {
		t.Errorf("resume records after failed move: %v", urls)
	}
}

func TestReconcile(t *testing.T) {
	engine := newFakeEngine()
	engine.tasks = []transfer.TaskInfo{
		{URL: "https://a/1.ipa", Generation: 1, State: transfer.TaskRunning, Written: 5, Total: 10},
		{URL: "https://a/2.ipa", Generation: 2, State: transfer.TaskSuspended, Written: 3, Total: -1},
		{URL: "https://a/3.ipa", Generation: 3, State: transfer.TaskWaiting},
	}
	reg, store, _ := newFakeRegistry(t, engine, StaticDir(t.TempDir()))
	ctx := context.Background()
	store.Put(ctx, "https://a/4.ipa", []byte("token"))

	if err := reg.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	want := map[string]models.DownloadPhase{
		"https://a/1.ipa": models.PhaseDownloading,
		"https://a/2.ipa": models.PhasePaused,
		"https://a/3.ipa": models.PhaseWaitingForConnectivity,
		"https://a/4.ipa": models.PhasePaused,
	}
	for url, phase := range want {
		if got := reg.Status(url).Phase; got != phase {
			t.Errorf("%s phase = %v, want %v", url, got, phase)
		}
	}
	if s := reg.Status("https://a/1.ipa"); s.Progress != 0.5 {
		t.Errorf("progress = %v, want 0.5", s.Progress)
	}
	if s := reg.Status("https://a/4.ipa"); s.Written != 10 || s.Total != 100 {
		t.Errorf("token counts = %d/%d, want 10/100", s.Written, s.Total)
	}
}

func TestArtifactName(t *testing.T) {
	tests := []struct {
		url, want string
	}{
		{"https://h/app", "app.ipa"},
		{"https://h/dl/Game.ipa", "Game.ipa"},
		{"https://h/dl/pack.zip?token=1", "pack.zip"},
		{"https://h/", "download.ipa"},
		{"https://h/a%20b", "a b.ipa"},
	}
	for _, tt := range tests {
		if got := ArtifactName(tt.url, ".ipa"); got != tt.want {
			t.Errorf("ArtifactName(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
