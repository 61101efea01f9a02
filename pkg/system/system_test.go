package system

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckAnyResponseIsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead || r.URL.Path != "/" {
			t.Errorf("probe = %s %s, want HEAD /", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	nc := NewNetworkChecker(nil).WithClient(srv.Client())
	status := nc.Check(context.Background(), srv.URL+"/some/file.ipa?x=1")
	if !status.Connected {
		t.Fatalf("status = %+v, want connected", status)
	}
	if !nc.Reachable(context.Background(), srv.URL) {
		t.Error("Reachable = false")
	}
}

func TestCheckUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	statuses := NewNetworkChecker(nil).CheckAll(context.Background(), []string{addr, "ftp://example.com/x"})
	if statuses[0].Connected || statuses[0].ErrorType != "connection_refused" {
		t.Errorf("closed server = %+v", statuses[0])
	}
	if statuses[1].Connected || statuses[1].ErrorType != "invalid_url" {
		t.Errorf("ftp url = %+v", statuses[1])
	}

	out := FormatStatuses(statuses)
	if strings.Count(out, "FAIL") != 2 {
		t.Errorf("formatted = %q", out)
	}
}

func TestCategorizeNetworkError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&net.DNSError{Err: "no such host", Name: "x.invalid"}, "dns_failure"},
		{fmt.Errorf("get: %w", context.DeadlineExceeded), "timeout"},
		{errors.New("dial tcp: connection refused"), "connection_refused"},
		{errors.New("x509: certificate signed by unknown authority"), "tls_certificate_error"},
		{errors.New("something odd"), "unknown"},
	}
	for _, tt := range tests {
		if got := CategorizeNetworkError(tt.err); got != tt.want {
			t.Errorf("CategorizeNetworkError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}

	if DiagnoseNetworkIssue(nil) != nil {
		t.Error("DiagnoseNetworkIssue(nil) returned suggestions")
	}
	if tips := DiagnoseNetworkIssue(context.DeadlineExceeded); len(tips) == 0 || !strings.Contains(tips[0], "timed out") {
		t.Errorf("timeout tips = %v", tips)
	}
}

func TestResourceChecker(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	os.WriteFile(file, []byte("x"), 0644)

	rc := NewResourceChecker(nil, 0)
	statuses := rc.CheckAll([]string{dir, dir, file, filepath.Join(dir, "missing")})
	if len(statuses) != 3 {
		t.Fatalf("statuses = %+v", statuses)
	}
	if !statuses[0].OK() || statuses[0].Usage.Total == 0 {
		t.Errorf("temp dir = %+v", statuses[0])
	}
	if statuses[1].OK() || statuses[1].Error != "not a directory" {
		t.Errorf("file = %+v", statuses[1])
	}
	if statuses[2].OK() {
		t.Errorf("missing dir = %+v", statuses[2])
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("write probe left files behind: %d entries", len(entries))
	}

	low := NewResourceChecker(nil, math.MaxUint64).Check(dir)
	if !low.LowSpace || low.OK() {
		t.Errorf("low space = %+v", low)
	}
	if out := FormatStorage([]StorageStatus{low}); !strings.Contains(out, "available") {
		t.Errorf("formatted = %q", out)
	}
}
