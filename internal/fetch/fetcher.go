// Package fetch downloads remote assets into the cache store.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/maauso/pixelda-api/internal/cache"
	"github.com/maauso/pixelda-api/internal/storage"
)

// Static errors for fetch operations.
var (
	// ErrDownload is returned for any failure to bring a remote asset into the cache.
	ErrDownload = errors.New("fetch: download failed")
	// ErrServerError is returned when the remote server answers with a 5xx status code.
	ErrServerError = errors.New("fetch: server error")
	// ErrRateLimited is returned when the remote server answers with 429.
	ErrRateLimited = errors.New("fetch: rate limited")
	// ErrUnexpectedStatus is returned for any other non-2xx status code.
	ErrUnexpectedStatus = errors.New("fetch: unexpected status")
)

// Fetcher downloads remote assets into a cache.Store.
// Downloads are staged first and promoted into place once complete.
type Fetcher struct {
	store       *cache.Store
	staging     storage.Storage
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time

	group singleflight.Group
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = c
	}
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) {
		f.maxRetries = n
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) Option {
	return func(f *Fetcher) {
		f.baseBackoff = d
	}
}

// WithTimeout bounds a single download, retries included.
// Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithClock overrides the clock used for timestamped snapshots.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = now
	}
}

// New creates a Fetcher that writes into store and stages through staging.
// The staging directory must live on the same filesystem as the cache root.
func New(store *cache.Store, staging storage.Storage, opts ...Option) *Fetcher {
	f := &Fetcher{
		store:       store,
		staging:     staging,
		httpClient:  &http.Client{},
		maxRetries:  2,
		baseBackoff: 500 * time.Millisecond,
		logger:      slog.Default(),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// EnsureCached returns the cache path for rawURL, downloading it first if it
// is not there yet. Concurrent calls for the same URL share one transfer.
func (f *Fetcher) EnsureCached(ctx context.Context, rawURL string) (string, error) {
	dest, err := f.store.PathForURL(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownload, err)
	}

	if exists(dest) {
		f.logger.Debug("cache hit", slog.String("url", rawURL), slog.String("path", dest))
		return dest, nil
	}

	_, err, shared := f.group.Do(dest, func() (any, error) {
		// A call that finished between the check above and Do already did the work.
		if exists(dest) {
			return nil, nil
		}
		return nil, f.download(ctx, rawURL, dest)
	})
	if err != nil {
		return "", err
	}
	if shared {
		f.logger.Debug("joined in-flight download", slog.String("url", rawURL))
	}

	return dest, nil
}

// Snapshot always downloads rawURL, to a timestamp-prefixed cache path, and
// returns that path.
func (f *Fetcher) Snapshot(ctx context.Context, rawURL string) (string, error) {
	dest, err := f.store.TimestampedPathForURL(rawURL, f.now())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownload, err)
	}

	if err := f.download(ctx, rawURL, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// download performs a GET with exponential backoff retry and promotes the
// staged body to dest.
func (f *Fetcher) download(ctx context.Context, rawURL, dest string) error {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	start := time.Now()
	f.logger.Info("downloading", slog.String("url", rawURL), slog.String("path", dest))

	var lastErr error
	backoff := f.baseBackoff

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			f.logger.Warn("retrying download",
				slog.String("url", rawURL),
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrDownload, ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := f.attempt(ctx, rawURL, dest)
		if err == nil {
			f.logger.Info("downloaded",
				slog.String("url", rawURL),
				slog.String("path", dest),
				slog.Duration("elapsed", time.Since(start)),
			)
			return nil
		}

		if !isRetryable(err) {
			return fmt.Errorf("%w: %w", ErrDownload, err)
		}
		lastErr = err
	}

	return fmt.Errorf("%w: max retries exceeded: %w", ErrDownload, lastErr)
}

// attempt performs a single transfer.
func (f *Fetcher) attempt(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			return &retryableError{err: fmt.Errorf("%w %d", ErrServerError, resp.StatusCode)}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return &retryableError{err: ErrRateLimited}
		}
		return fmt.Errorf("%w %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	staged, err := f.staging.Stage(ctx, filepath.Base(dest), resp.Body)
	if err != nil {
		return &retryableError{err: fmt.Errorf("stage body: %w", err)}
	}

	if err := f.staging.Promote(ctx, staged, dest); err != nil {
		_ = f.staging.Discard(context.WithoutCancel(ctx), []string{staged})
		return err
	}

	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryable returns true if the error should be retried.
func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
