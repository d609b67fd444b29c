package bgremove

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/maauso/pixelda-api/internal/cache"
)

// Static errors for the rembg client.
var (
	// ErrRembgURLRequired is returned when the rembg server URL is not provided.
	ErrRembgURLRequired = errors.New("rembg: server URL is required")
	// ErrServerError is returned when the server returns a 5xx status code.
	ErrServerError = errors.New("rembg: server error")
	// ErrRateLimited is returned when the server returns a 429 status code.
	ErrRateLimited = errors.New("rembg: rate limited")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("rembg: request failed")
	// ErrInvalidResponse is returned when the server answers with something other than a PNG.
	ErrInvalidResponse = errors.New("rembg: response is not a PNG image")
)

// DefaultModel is the segmentation model requested when none is configured.
const DefaultModel = "isnet-anime"

// Compile-time check that RembgClient implements Remover.
var _ Remover = (*RembgClient)(nil)

// RembgClient removes backgrounds through a rembg HTTP server
// (POST /api/remove).
type RembgClient struct {
	baseURL      string
	model        string
	alphaMatting bool
	httpClient   *http.Client
	maxRetries   int
	baseBackoff  time.Duration
	timeout      time.Duration
	store        *cache.Store
	logger       *slog.Logger
}

// RembgOption is a function that configures a RembgClient.
type RembgOption func(*RembgClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) RembgOption {
	return func(rc *RembgClient) {
		rc.httpClient = c
	}
}

// WithModel sets the segmentation model.
func WithModel(model string) RembgOption {
	return func(rc *RembgClient) {
		if model != "" {
			rc.model = model
		}
	}
}

// WithAlphaMatting toggles alpha matting on the server.
func WithAlphaMatting(enabled bool) RembgOption {
	return func(rc *RembgClient) {
		rc.alphaMatting = enabled
	}
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) RembgOption {
	return func(rc *RembgClient) {
		rc.maxRetries = n
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) RembgOption {
	return func(rc *RembgClient) {
		rc.baseBackoff = d
	}
}

// WithTimeout bounds one StripBackground call, retries included.
func WithTimeout(d time.Duration) RembgOption {
	return func(rc *RembgClient) {
		rc.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RembgOption {
	return func(rc *RembgClient) {
		if l != nil {
			rc.logger = l
		}
	}
}

// NewRembgClient creates a client for the rembg server at baseURL.
// Outputs are written under store's transparent images directory.
func NewRembgClient(baseURL string, store *cache.Store, opts ...RembgOption) (*RembgClient, error) {
	if baseURL == "" {
		return nil, ErrRembgURLRequired
	}

	rc := &RembgClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        DefaultModel,
		alphaMatting: true,
		httpClient:   &http.Client{},
		maxRetries:   2,
		baseBackoff:  time.Second,
		timeout:      2 * time.Minute,
		store:        store,
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(rc)
	}

	return rc, nil
}

// StripBackground implements Remover.
func (c *RembgClient) StripBackground(ctx context.Context, imagePath, outputName string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	input, err := os.ReadFile(imagePath) // #nosec G304 - path is resolved from the cache store
	if err != nil {
		return "", fmt.Errorf("%w: read image: %w", ErrProcessing, err)
	}

	body, contentType, err := c.buildForm(filepath.Base(imagePath), input)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProcessing, err)
	}

	output, err := c.removeWithRetry(ctx, body, contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProcessing, err)
	}

	if _, err := png.DecodeConfig(bytes.NewReader(output)); err != nil {
		return "", fmt.Errorf("%w: %w: %w", ErrProcessing, ErrInvalidResponse, err)
	}

	c.logger.Debug("rembg background removed",
		slog.String("image", imagePath),
		slog.String("model", c.model),
		slog.Int("bytes", len(output)),
	)

	return writeOutput(c.store, outputName, func(w io.Writer) error {
		_, err := w.Write(output)
		return err
	})
}

// buildForm encodes the multipart request body once so retries can resend it.
func (c *RembgClient) buildForm(fileName string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.WriteField("model", c.model); err != nil {
		return nil, "", fmt.Errorf("write model field: %w", err)
	}
	if err := mw.WriteField("a", strconv.FormatBool(c.alphaMatting)); err != nil {
		return nil, "", fmt.Errorf("write alpha matting field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
}

// removeWithRetry posts the form with exponential backoff retry.
func (c *RembgClient) removeWithRetry(ctx context.Context, body []byte, contentType string) ([]byte, error) {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying rembg request",
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("rembg: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		out, err := c.doRequest(ctx, body, contentType)
		if err == nil {
			return out, nil
		}

		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("rembg: max retries exceeded: %w", lastErr)
}

// doRequest performs a single HTTP request.
func (c *RembgClient) doRequest(ctx context.Context, body []byte, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/remove", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rembg: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "image/png")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("rembg: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("rembg: read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			return nil, &retryableError{err: fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, truncate(respBody))}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, &retryableError{err: fmt.Errorf("%w: %s", ErrRateLimited, truncate(respBody))}
		}
		return nil, fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, truncate(respBody))
	}

	return respBody, nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
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
