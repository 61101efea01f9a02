// Package catalog fetches source manifests and turns the cached items of all
// sources into the display list.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	hubErrors "github.com/huanfeng/sourcehub/internal/errors"
	"github.com/huanfeng/sourcehub/internal/version"
	"github.com/huanfeng/sourcehub/pkg/models"
	"github.com/huanfeng/sourcehub/pkg/utils"
)

// maxManifestSize bounds how much of a response is read
const maxManifestSize = 64 << 20

var (
	ErrFetchFailed  = hubErrors.NewNetworkError("CATALOG_FETCH_FAILED", "failed to fetch source manifest")
	ErrBadStatus    = hubErrors.NewNetworkError("CATALOG_BAD_STATUS", "source returned an error status")
	ErrDecodeFailed = hubErrors.NewParsingError("CATALOG_DECODE_FAILED", "source manifest is not valid JSON")
)

// FetcherOptions configures a Fetcher. Zero values take the defaults of the
// fetch section of the configuration.
type FetcherOptions struct {
	Client       *http.Client
	UserAgent    string
	Timeout      time.Duration
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Clock        clock.Clock
	Logger       utils.Logger
}

// Fetcher downloads and decodes one source manifest
type Fetcher struct {
	opts FetcherOptions
	log  utils.Logger
}

// NewFetcher creates a fetcher
func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.UserAgent == "" {
		opts.UserAgent = version.UserAgent()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if opts.MaxDelay < opts.InitialDelay {
		opts.MaxDelay = opts.InitialDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Fetcher{opts: opts, log: utils.OrNop(opts.Logger)}
}

// Fetch GETs url and decodes the manifest. Transient failures are retried
// with doubling delays; client errors and malformed documents are not.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*models.Manifest, error) {
	var (
		manifest *models.Manifest
		lastErr  error
	)

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			m, err := f.fetchOnce(ctx, url)
			if err != nil {
				lastErr = err
				return err
			}
			manifest = m
			return nil
		},
		IsFatalError: isFatal,
		NotifyFunc: func(err error, attempt int) {
			f.log.Debug("Fetching %s failed (attempt %d): %v", url, attempt, err)
		},
		Attempts:    f.opts.MaxRetries + 1,
		Delay:       f.opts.InitialDelay,
		MaxDelay:    f.opts.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       f.opts.Clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return manifest, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case lastErr != nil:
		return nil, lastErr
	default:
		return nil, err
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (*models.Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, hubErrors.Wrapf(ErrFetchFailed, err, "invalid source URL %s", url).SetRetryable(false)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.opts.Client.Do(req)
	if err != nil {
		return nil, hubErrors.Wrapf(ErrFetchFailed, err, "failed to fetch %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e := hubErrors.Wrapf(ErrBadStatus, nil, "HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)).
			WithContext("url", url)
		// Client errors will not go away by asking again.
		e.SetRetryable(resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
		return nil, e
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, hubErrors.Wrapf(ErrFetchFailed, err, "failed to read %s", url)
	}

	var m models.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, hubErrors.Wrapf(ErrDecodeFailed, err, "failed to decode manifest from %s", url).SetRetryable(false)
	}
	return &m, nil
}

func isFatal(err error) bool {
	if hubErr, ok := hubErrors.As(err); ok {
		return !hubErr.Retryable
	}
	return false
}

// Describe returns a short message for a fetch error, suitable for the
// per-source status line.
func Describe(err error) string {
	if hubErr, ok := hubErrors.As(err); ok {
		if hubErr.Cause != nil {
			return fmt.Sprintf("%s: %v", hubErr.Message, hubErr.Cause)
		}
		return hubErr.Message
	}
	return err.Error()
}
