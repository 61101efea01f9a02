package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/huanfeng/sourcehub/internal/version"
	"github.com/huanfeng/sourcehub/pkg/utils"
)

// NetworkChecker answers whether a host can be reached at all.
// Any HTTP response counts as reachable, whatever its status code.
type NetworkChecker struct {
	logger    utils.Logger
	client    *http.Client
	userAgent string
}

// NewNetworkChecker creates a new network checker
func NewNetworkChecker(logger utils.Logger) *NetworkChecker {
	return &NetworkChecker{
		logger: utils.OrNop(logger),
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: version.UserAgent(),
	}
}

// WithClient replaces the HTTP client, mostly for tests
func (nc *NetworkChecker) WithClient(client *http.Client) *NetworkChecker {
	nc.client = client
	return nc
}

// NetworkStatus represents connectivity to one URL
type NetworkStatus struct {
	URL       string        `json:"url"`
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	ErrorType string        `json:"error_type,omitempty"`
}

// Reachable reports whether the origin of rawURL answers HTTP requests
func (nc *NetworkChecker) Reachable(ctx context.Context, rawURL string) bool {
	return nc.Check(ctx, rawURL).Connected
}

// Check probes the origin of rawURL with a HEAD request
func (nc *NetworkChecker) Check(ctx context.Context, rawURL string) NetworkStatus {
	status := NetworkStatus{URL: rawURL}

	target, err := originOf(rawURL)
	if err != nil {
		status.Error = err.Error()
		status.ErrorType = "invalid_url"
		return status
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		status.Error = fmt.Sprintf("Failed to create request: %v", err)
		status.ErrorType = "invalid_url"
		return status
	}
	req.Header.Set("User-Agent", nc.userAgent)

	start := time.Now()
	resp, err := nc.client.Do(req)
	if err != nil {
		status.Error = fmt.Sprintf("Request failed: %v", err)
		status.ErrorType = CategorizeNetworkError(err)
		nc.logger.Debug("Connectivity probe to %s failed: %v", target, err)
		return status
	}
	resp.Body.Close()

	status.Latency = time.Since(start)
	status.Connected = true
	return status
}

// CheckAll probes each URL in order
func (nc *NetworkChecker) CheckAll(ctx context.Context, urls []string) []NetworkStatus {
	results := make([]NetworkStatus, 0, len(urls))
	for _, u := range urls {
		results = append(results, nc.Check(ctx, u))
	}
	return results
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("URL %q has no host", rawURL)
	}
	return u.Scheme + "://" + u.Host + "/", nil
}

// CategorizeNetworkError categorizes network errors for diagnostics
func CategorizeNetworkError(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_failure"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "connection refused"):
		return "connection_refused"
	case strings.Contains(errStr, "no such host"):
		return "dns_failure"
	case strings.Contains(errStr, "network is unreachable"), strings.Contains(errStr, "network unreachable"):
		return "network_unreachable"
	case strings.Contains(errStr, "certificate"):
		return "tls_certificate_error"
	case strings.Contains(errStr, "proxy"):
		return "proxy_error"
	default:
		return "unknown"
	}
}

// DiagnoseNetworkIssue provides suggestions for a network error
func DiagnoseNetworkIssue(err error) []string {
	if err == nil {
		return nil
	}

	switch CategorizeNetworkError(err) {
	case "timeout":
		return []string{
			"Network request timed out",
			"Check your internet connection speed",
			"Try increasing fetch.timeout",
		}
	case "connection_refused":
		return []string{
			"Connection was refused by the server",
			"Verify the source URL and port are correct",
		}
	case "dns_failure":
		return []string{
			"DNS resolution failed",
			"Check your DNS settings",
			"Verify the hostname is correct",
		}
	case "network_unreachable":
		return []string{
			"Network is unreachable",
			"Check your network connection",
		}
	case "tls_certificate_error":
		return []string{
			"TLS certificate error",
			"Check system date and time",
			"Update CA certificates",
		}
	case "proxy_error":
		return []string{
			"Proxy configuration issue",
			"Check HTTP_PROXY and HTTPS_PROXY",
		}
	default:
		return []string{
			"Check your internet connection",
			"Try the operation again later",
		}
	}
}

// FormatStatuses formats connectivity results for display
func FormatStatuses(statuses []NetworkStatus) string {
	var b strings.Builder
	for _, s := range statuses {
		if s.Connected {
			fmt.Fprintf(&b, "  OK    %s (%v)\n", s.URL, s.Latency.Round(time.Millisecond))
		} else {
			fmt.Fprintf(&b, "  FAIL  %s [%s] %s\n", s.URL, s.ErrorType, s.Error)
		}
	}
	return b.String()
}
