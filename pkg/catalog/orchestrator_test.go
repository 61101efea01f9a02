package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huanfeng/sourcehub/pkg/models"
	"github.com/huanfeng/sourcehub/pkg/sources"
)

// catalogServer serves /<name>.json manifests with one app each, /fail with
// a server error and /v with a two-version manifest. It records the peak
// number of requests in flight.
type catalogServer struct {
	*httptest.Server
	inflight atomic.Int32
	peak     atomic.Int32
	requests atomic.Int32
}

func newCatalogServer(t *testing.T, delay time.Duration) *catalogServer {
	t.Helper()
	cs := &catalogServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.requests.Add(1)
		n := cs.inflight.Add(1)
		defer cs.inflight.Add(-1)
		for {
			p := cs.peak.Load()
			if n <= p || cs.peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(delay)

		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".json")
		switch name {
		case "fail":
			http.Error(w, "broken", http.StatusInternalServerError)
		case "v":
			fmt.Fprint(w, `{"name":"Versions","apps":[
				{"name":"XY","bundleIdentifier":"com.x.y","version":"1.0","versionDate":"2024-01-01","downloadURL":"https://h/xy-1.0"},
				{"name":"XY","bundleIdentifier":"com.x.y","version":"1.1","versionDate":"2024-06-01","downloadURL":"https://h/xy-1.1"}]}`)
		default:
			fmt.Fprintf(w, `{"name":%q,"apps":[{"name":"app-%s","bundleIdentifier":"com.%s","version":"1","downloadURL":"https://h/%s"}]}`,
				"Repo "+name, name, name, name)
		}
	}))
	t.Cleanup(cs.Close)
	return cs
}

func newOrchestrator(t *testing.T, tree *sources.Tree, client *http.Client, onProgress func(Progress)) *Orchestrator {
	t.Helper()
	return NewOrchestrator(OrchestratorOptions{
		Tree:       tree,
		Fetcher:    testFetcher(client, 0),
		OnProgress: onProgress,
	})
}

func TestFetchAllCapsConcurrencyAndIsolatesFailures(t *testing.T) {
	cs := newCatalogServer(t, 30*time.Millisecond)
	tree := sources.New(filepath.Join(t.TempDir(), "sources.json"), nil)

	var failID string
	for i := 0; i < 8; i++ {
		path := fmt.Sprintf("/s%d.json", i)
		if i == 4 {
			path = "/fail"
		}
		id, err := tree.AddLeaf("", cs.URL+path, fmt.Sprintf("source %d", i))
		if err != nil {
			t.Fatal(err)
		}
		if i == 4 {
			failID = id
		}
	}

	var (
		mu       sync.Mutex
		progress []int
	)
	o := newOrchestrator(t, tree, cs.Client(), func(p Progress) {
		mu.Lock()
		progress = append(progress, p.Completed)
		mu.Unlock()
	})

	report, err := o.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}

	if peak := cs.peak.Load(); peak > 3 {
		t.Errorf("peak concurrency = %d, want at most 3", peak)
	}
	if report.Succeeded != 7 || len(report.Failed) != 1 || report.Failed[failID] == "" {
		t.Errorf("report = %+v", report)
	}

	failed, _ := tree.Get(failID)
	if failed.Enabled || failed.Fetch.State != models.FetchError {
		t.Errorf("failing source = %+v", failed)
	}
	for _, src := range tree.EnabledLeaves() {
		if src.Fetch.State != models.FetchSuccess || src.ItemCount != 1 {
			t.Errorf("source %s = %v with %d items", src.Name, src.Fetch.State, src.ItemCount)
		}
	}

	if got := len(o.Display().List()); got != 7 {
		t.Errorf("display list = %d items, want 7", got)
	}
	if p := o.Progress(); p.Completed != 8 || p.Failed != 1 || p.Total != 8 {
		t.Errorf("progress = %+v", p)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(progress) != 8 {
		t.Fatalf("progress callbacks = %v", progress)
	}
	seen := make(map[int]bool)
	for _, c := range progress {
		seen[c] = true
	}
	for c := 1; c <= 8; c++ {
		if !seen[c] {
			t.Errorf("completed count %d never reported: %v", c, progress)
		}
	}

	if _, err := os.Stat(tree.Path()); err != nil {
		t.Errorf("tree not saved: %v", err)
	}
}

func TestFetchAllSkipsDisabledSubtrees(t *testing.T) {
	cs := newCatalogServer(t, 0)
	tree := sources.New(filepath.Join(t.TempDir(), "sources.json"), nil)
	folder, _ := tree.AddFolder("", "off")
	tree.AddLeaf(folder, cs.URL+"/hidden.json", "hidden")
	tree.AddLeaf("", cs.URL+"/shown.json", "shown")
	tree.SetEnabled(folder, false)

	o := newOrchestrator(t, tree, cs.Client(), nil)
	report, err := o.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if report.Total != 1 || cs.requests.Load() != 1 {
		t.Errorf("fetched %d sources with %d requests", report.Total, cs.requests.Load())
	}
}

func TestVersionScenario(t *testing.T) {
	cs := newCatalogServer(t, 0)
	tree := sources.New(filepath.Join(t.TempDir(), "sources.json"), nil)
	id, _ := tree.AddLeaf("", cs.URL+"/v", "A")

	o := newOrchestrator(t, tree, cs.Client(), nil)
	if err := o.FetchOne(context.Background(), id); err != nil {
		t.Fatalf("FetchOne: %v", err)
	}

	list := o.Display().List()
	if len(list) != 1 || list[0].Version != "1.1" || list[0].Origin != "Versions" {
		t.Fatalf("display = %+v", list)
	}

	history := o.History(list[0].Identity())
	if len(history) != 2 || history[0].Version != "1.1" || history[1].Version != "1.0" {
		t.Errorf("history = %+v", history)
	}
}

func TestFetchOneReplacesItemsAndUpdatesName(t *testing.T) {
	var version atomic.Int32
	version.Store(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if version.Load() == 1 {
			fmt.Fprint(w, `{"name":"First","apps":[{"name":"a","bundleID":"a","version":"1"},{"name":"b","bundleID":"b","version":"1"}]}`)
			return
		}
		fmt.Fprint(w, `{"name":"Second","apps":[{"name":"b","bundleID":"b","version":"2"}]}`)
	}))
	defer srv.Close()

	tree := sources.New(filepath.Join(t.TempDir(), "sources.json"), nil)
	id, _ := tree.AddLeaf("", srv.URL, "stored")
	o := newOrchestrator(t, tree, srv.Client(), nil)

	o.FetchOne(context.Background(), id)
	version.Store(2)
	if err := o.FetchOne(context.Background(), id); err != nil {
		t.Fatalf("FetchOne: %v", err)
	}

	src, _ := tree.Get(id)
	if src.Name != "Second" || len(src.CachedItems) != 1 || src.CachedItems[0].Version != "2" {
		t.Errorf("source = %+v", src)
	}
	if list := o.Display().List(); len(list) != 1 || list[0].Origin != "Second" {
		t.Errorf("display = %+v", list)
	}
}

func TestDisplaySubscribers(t *testing.T) {
	tree := sources.New(filepath.Join(t.TempDir(), "sources.json"), nil)
	id, _ := tree.AddLeaf("", "https://unused.example", "s")
	tree.ApplyManifest(id, &models.Manifest{Apps: []models.ManifestApp{
		{Name: "b", BundleID: "b", VersionDate: "2024-01-01"},
		{Name: "a", BundleID: "a"},
	}})

	o := NewOrchestrator(OrchestratorOptions{Tree: tree, Fetcher: testFetcher(nil, 0)})
	updates, stop := o.Display().Subscribe()
	defer stop()

	if first := <-updates; len(first) != 2 || first[0].Name != "a" {
		t.Fatalf("initial list = %+v", first)
	}

	o.SetSort(SortByDate)
	select {
	case list := <-updates:
		if list[0].Name != "b" {
			t.Errorf("date-sorted list = %+v", list)
		}
	case <-time.After(time.Second):
		t.Fatal("no update after SetSort")
	}
}
