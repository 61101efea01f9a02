package core

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/huanfeng/sourcehub/internal/config"
	"github.com/huanfeng/sourcehub/pkg/models"
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

type slowBody struct{ *bytes.Reader }

func (s slowBody) Read(p []byte) (int, error) {
	if len(p) > 1024 {
		p = p[:1024]
	}
	time.Sleep(time.Millisecond)
	return s.Reader.Read(p)
}

// hub serves a manifest at /repo.json listing /files/app, which is served
// with range support.
func hub(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repo.json":
			fmt.Fprintf(w, `{"name":"Test Repo","apps":[{"name":"App","bundleIdentifier":"com.test.app","version":"1.0","versionDate":"2024-01-01","size":%d,"downloadURL":%q}]}`,
				len(payload), srv.URL+"/files/app")
		case strings.HasPrefix(r.URL.Path, "/files/"):
			w.Header().Set("ETag", `"p1"`)
			http.ServeContent(w, r, "app", time.Time{}, slowBody{bytes.NewReader(payload)})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Paths.StateDir = t.TempDir()
	cfg.Download.ProgressInterval = 5 * time.Millisecond
	cfg.Download.ProbeInterval = 5 * time.Millisecond
	cfg.Fetch.InitialDelay = time.Millisecond
	return cfg
}

func open(t *testing.T, cfg *config.Config, client *http.Client) *Core {
	t.Helper()
	c, err := Open(context.Background(), Options{Config: cfg, Client: client})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func data(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func waitWritten(t *testing.T, c *Core, url string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for c.GetStatus(url).Written == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no progress")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRefreshAndDownload(t *testing.T) {
	payload := data(48 * 1024)
	srv := hub(t, payload)
	cfg := testConfig(t)
	ctx := context.Background()

	c := open(t, cfg, srv.Client())
	defer c.Close()

	if _, err := c.Sources().AddLeaf("", srv.URL+"/repo.json", ""); err != nil {
		t.Fatal(err)
	}
	report, err := c.RefreshSources(ctx)
	if err != nil || report.Succeeded != 1 {
		t.Fatalf("RefreshSources = %+v, %v", report, err)
	}

	list := c.Catalog().Display().List()
	if len(list) != 1 || list[0].Origin != "Test Repo" {
		t.Fatalf("catalog = %+v", list)
	}

	url := list[0].DownloadURL
	if err := c.Start(ctx, url); err != nil {
		t.Fatalf("Start: %v", err)
	}
	status, err := c.AwaitSettled(ctx, url, nil)
	if err != nil || status.Phase != models.PhaseIdle {
		t.Fatalf("AwaitSettled = %+v, %v", status, err)
	}

	got, err := os.ReadFile(filepath.Join(cfg.DownloadDir(), "app.ipa"))
	if err != nil || !bytes.Equal(got, payload) {
		t.Errorf("artifact = %d bytes, %v", len(got), err)
	}
	artifacts, _ := c.Library().List(ctx)
	if len(artifacts) != 1 || artifacts[0].Name != "app.ipa" {
		t.Errorf("library = %+v", artifacts)
	}
}

func TestStatePersistsAcrossRestarts(t *testing.T) {
	payload := data(512 * 1024)
	srv := hub(t, payload)
	cfg := testConfig(t)
	ctx := context.Background()
	url := srv.URL + "/files/app"

	c := open(t, cfg, srv.Client())
	c.Sources().AddLeaf("", srv.URL+"/repo.json", "repo")
	c.RefreshSources(ctx)
	c.Start(ctx, url)
	waitWritten(t, c, url)
	if err := c.Pause(ctx, url); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	written := c.GetStatus(url).Written
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c = open(t, cfg, srv.Client())
	defer c.Close()

	status := c.GetStatus(url)
	if status.Phase != models.PhasePaused || status.Written != written {
		t.Fatalf("status after restart = %+v, want paused at %d", status, written)
	}
	if n := c.Sources().Len(); n != 1 {
		t.Errorf("sources after restart = %d", n)
	}
	if list := c.Catalog().Display().List(); len(list) != 1 {
		t.Errorf("catalog after restart = %+v", list)
	}

	if err := c.Resume(ctx, url); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if status, err := c.AwaitSettled(ctx, url, nil); err != nil || status.Phase != models.PhaseIdle {
		t.Fatalf("AwaitSettled = %+v, %v", status, err)
	}
	got, _ := os.ReadFile(filepath.Join(cfg.DownloadDir(), "app.ipa"))
	if !bytes.Equal(got, payload) {
		t.Errorf("resumed artifact differs: %d bytes", len(got))
	}
}

func TestInterruptedTransferIsRestoredSuspended(t *testing.T) {
	payload := data(512 * 1024)
	srv := hub(t, payload)
	cfg := testConfig(t)
	cfg.Download.ResumeRestored = false
	ctx := context.Background()
	url := srv.URL + "/files/app"

	c := open(t, cfg, srv.Client())
	c.Start(ctx, url)
	waitWritten(t, c, url)
	c.Close()

	c = open(t, cfg, srv.Client())
	defer c.Close()

	if status := c.GetStatus(url); status.Phase != models.PhasePaused {
		t.Fatalf("status after restart = %+v, want paused", status)
	}
	if err := c.Resume(ctx, url); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if status, err := c.AwaitSettled(ctx, url, nil); err != nil || status.Phase != models.PhaseIdle {
		t.Fatalf("AwaitSettled = %+v, %v", status, err)
	}
	got, _ := os.ReadFile(filepath.Join(cfg.DownloadDir(), "app.ipa"))
	if !bytes.Equal(got, payload) {
		t.Errorf("restored artifact differs: %d bytes", len(got))
	}
}

func TestCancelForgetsEverything(t *testing.T) {
	srv := hub(t, data(512*1024))
	cfg := testConfig(t)
	ctx := context.Background()
	url := srv.URL + "/files/app"

	c := open(t, cfg, srv.Client())
	c.Start(ctx, url)
	waitWritten(t, c, url)
	c.Pause(ctx, url)
	if err := c.Cancel(ctx, url); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	c.Close()

	c = open(t, cfg, srv.Client())
	defer c.Close()
	if status := c.GetStatus(url); status.Active() {
		t.Errorf("status after cancel and restart = %+v", status)
	}
	if len(c.Downloads()) != 0 {
		t.Errorf("downloads = %+v", c.Downloads())
	}
}
