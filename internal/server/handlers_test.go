package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/pixelda-api/internal/archive"
	"github.com/maauso/pixelda-api/internal/cache"
	"github.com/maauso/pixelda-api/internal/fetch"
	"github.com/maauso/pixelda-api/internal/frames"
	"github.com/maauso/pixelda-api/internal/media"
	"github.com/maauso/pixelda-api/internal/storage"
)

// mockFrameService implements FrameService for testing.
type mockFrameService struct {
	mock.Mock
}

func (m *mockFrameService) SplitFrames(ctx context.Context, req frames.SplitRequest) (*frames.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*frames.Result), args.Error(1)
}

func (m *mockFrameService) ExtractInterval(ctx context.Context, req frames.IntervalRequest) (*frames.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*frames.Result), args.Error(1)
}

func (m *mockFrameService) ZipFrames(ctx context.Context, req frames.ZipRequest) (*frames.ZipResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*frames.ZipResult), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestHandlers(t *testing.T, opts ...HandlerOption) (*Handlers, *mockFrameService) {
	t.Helper()
	svc := &mockFrameService{}
	return NewHandlers(svc, testLogger(), opts...), svc
}

func postJSON(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.Health(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	err := json.NewDecoder(rec.Body).Decode(&resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
}

func TestSplitFrames_Success(t *testing.T) {
	h, svc := newTestHandlers(t)

	want := frames.SplitRequest{
		TaskID: "t1", VideoURL: "https://cdn.example.com/clip.mp4",
		FromTime: 0, ToTime: 10, Count: 5,
	}
	svc.On("SplitFrames", mock.Anything, want).Return(&frames.Result{
		TaskID: "t1",
		Dir:    "t1_1700000000",
		Frames: []string{"/frames/t1_1700000000/frame_0000.png", "/frames/t1_1700000000/frame_0001.png"},
	}, nil)

	rec := httptest.NewRecorder()
	h.SplitFrames(rec, postJSON(t, "/generate/video_split_frames", map[string]any{
		"task_id": "t1", "video_url": "https://cdn.example.com/clip.mp4",
		"from_time": 0, "to_time": 10, "count": 5,
	}))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp FramesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "t1", resp.TaskID)
	assert.Len(t, resp.Frames, 2)
	svc.AssertExpectations(t)
}

func TestSplitFrames_Defaults(t *testing.T) {
	h, svc := newTestHandlers(t)

	want := frames.SplitRequest{
		TaskID: "t1", VideoURL: "https://cdn.example.com/clip.mp4",
		FromTime: 0, ToTime: 10, Count: 10, Refresh: true,
	}
	svc.On("SplitFrames", mock.Anything, want).Return(&frames.Result{TaskID: "t1", Frames: []string{"/frames/d/frame_0000.png"}}, nil)

	rec := httptest.NewRecorder()
	h.SplitFrames(rec, postJSON(t, "/generate/video_split_frames", map[string]any{
		"task_id": "t1", "video_url": "https://cdn.example.com/clip.mp4", "refresh": true,
	}))

	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestSplitFrames_InvalidJSON(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/generate/video_split_frames", bytes.NewReader([]byte("invalid json")))
	rec := httptest.NewRecorder()

	h.SplitFrames(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_JSON", decodeError(t, rec).Code)
}

func TestSplitFrames_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing task id", map[string]any{"video_url": "https://cdn.example.com/clip.mp4"}},
		{"missing video url", map[string]any{"task_id": "t1"}},
		{"bad video url", map[string]any{"task_id": "t1", "video_url": "not a url"}},
		{"count too large", map[string]any{"task_id": "t1", "video_url": "https://cdn.example.com/clip.mp4", "count": 10001}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, svc := newTestHandlers(t)
			rec := httptest.NewRecorder()

			h.SplitFrames(rec, postJSON(t, "/generate/video_split_frames", tt.body))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)
			svc.AssertNotCalled(t, "SplitFrames", mock.Anything, mock.Anything)
		})
	}
}

func TestSplitFrames_NegativeCountReachesService(t *testing.T) {
	h, svc := newTestHandlers(t)

	want := frames.SplitRequest{
		TaskID: "t1", VideoURL: "https://cdn.example.com/clip.mp4",
		FromTime: 2, ToTime: 10, Count: -1,
	}
	svc.On("SplitFrames", mock.Anything, want).Return(&frames.Result{
		TaskID: "t1",
		Dir:    "t1_1700000000",
		Frames: []string{"/frames/t1_1700000000/frame_0000.png"},
	}, nil)

	rec := httptest.NewRecorder()
	h.SplitFrames(rec, postJSON(t, "/generate/video_split_frames", map[string]any{
		"task_id": "t1", "video_url": "https://cdn.example.com/clip.mp4",
		"from_time": 2, "count": -1,
	}))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp FramesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Frames, 1)
	svc.AssertExpectations(t)
}

func TestSplitFrames_NegativeWindowIsInvalidRange(t *testing.T) {
	h, svc := newTestHandlers(t)

	want := frames.SplitRequest{
		TaskID: "t1", VideoURL: "https://cdn.example.com/clip.mp4",
		FromTime: -1, ToTime: 10, Count: 10,
	}
	svc.On("SplitFrames", mock.Anything, want).
		Return(nil, fmt.Errorf("%w: video duration 12.000s, requested -1.000s - 10.000s", frames.ErrInvalidRange))

	rec := httptest.NewRecorder()
	h.SplitFrames(rec, postJSON(t, "/generate/video_split_frames", map[string]any{
		"task_id": "t1", "video_url": "https://cdn.example.com/clip.mp4", "from_time": -1,
	}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_RANGE", decodeError(t, rec).Code)
	svc.AssertExpectations(t)
}

func TestSplitFrames_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid range", fmt.Errorf("%w: from=5 to=5", frames.ErrInvalidRange), http.StatusBadRequest, "INVALID_RANGE"},
		{"invalid metadata", frames.ErrInvalidMetadata, http.StatusBadRequest, "INVALID_METADATA"},
		{"invalid task id", frames.ErrInvalidTaskID, http.StatusBadRequest, "INVALID_TASK_ID"},
		{"bad video url", fmt.Errorf("%w: %w", fetch.ErrDownload, cache.ErrInvalidURL), http.StatusBadRequest, "INVALID_VIDEO_URL"},
		{"download failed", fmt.Errorf("%w: status 404", fetch.ErrDownload), http.StatusInternalServerError, "DOWNLOAD_FAILED"},
		{"unreadable video", media.ErrUnreadableVideo, http.StatusInternalServerError, "UNREADABLE_VIDEO"},
		{"no frames", frames.ErrNoFramesExtracted, http.StatusInternalServerError, "NO_FRAMES_RETURNED"},
		{"unknown", io.ErrUnexpectedEOF, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, svc := newTestHandlers(t)
			svc.On("SplitFrames", mock.Anything, mock.Anything).Return(nil, tt.err)

			rec := httptest.NewRecorder()
			h.SplitFrames(rec, postJSON(t, "/generate/video_split_frames", map[string]any{
				"task_id": "t1", "video_url": "https://cdn.example.com/clip.mp4",
			}))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestIntervalFrames(t *testing.T) {
	h, svc := newTestHandlers(t)

	want := frames.IntervalRequest{TaskID: "t2", VideoURL: "https://cdn.example.com/clip.mp4", Interval: 5, MaxFrames: 4}
	svc.On("ExtractInterval", mock.Anything, want).Return(&frames.Result{
		TaskID: "t2", Frames: []string{"/frames/t2_1/frame_0000.png"},
	}, nil)

	rec := httptest.NewRecorder()
	h.IntervalFrames(rec, postJSON(t, "/generate/video_interval_frames", IntervalFramesRequest{
		TaskID: "t2", VideoURL: "https://cdn.example.com/clip.mp4", FrameInterval: 5, MaxFrames: 4,
	}))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp FramesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []string{"/frames/t2_1/frame_0000.png"}, resp.Frames)
}

func TestIntervalFrames_ValidationError(t *testing.T) {
	h, svc := newTestHandlers(t)

	rec := httptest.NewRecorder()
	h.IntervalFrames(rec, postJSON(t, "/generate/video_interval_frames", IntervalFramesRequest{
		TaskID: "t2", VideoURL: "https://cdn.example.com/clip.mp4", FrameInterval: 0, MaxFrames: 4,
	}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)
	svc.AssertNotCalled(t, "ExtractInterval", mock.Anything, mock.Anything)
}

func TestZipFrames_ReturnsAttachment(t *testing.T) {
	h, svc := newTestHandlers(t)

	zipPath := filepath.Join(t.TempDir(), "hero_frames.zip")
	require.NoError(t, os.WriteFile(zipPath, []byte("PK\x03\x04archive"), 0600))

	urls := []string{"/frames/t1_1/frame_0000.png"}
	svc.On("ZipFrames", mock.Anything, frames.ZipRequest{FrameURLs: urls, Name: "hero", RemoveBG: true}).
		Return(&frames.ZipResult{Name: "hero", Path: zipPath, Entries: []string{"hero_0000.png"}}, nil)

	rec := httptest.NewRecorder()
	h.ZipFrames(rec, postJSON(t, "/frames/zip", ZipFramesRequest{Name: "hero", FrameURLs: urls, RemoveBG: true}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="hero_frames.zip"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "PK\x03\x04archive", rec.Body.String())
}

func TestZipFrames_PushedReturnsURL(t *testing.T) {
	h, svc := newTestHandlers(t)

	urls := []string{"/frames/t1_1/frame_0000.png"}
	svc.On("ZipFrames", mock.Anything, frames.ZipRequest{FrameURLs: urls, Name: "hero", PushToS3: true}).
		Return(&frames.ZipResult{
			Name: "hero", Path: "/cache/hero_frames.zip", Entries: []string{"hero_0000.png"},
			URL: "https://bucket.s3.eu-west-1.amazonaws.com/archives/hero_frames.zip",
		}, nil)

	rec := httptest.NewRecorder()
	h.ZipFrames(rec, postJSON(t, "/frames/zip", ZipFramesRequest{Name: "hero", FrameURLs: urls, PushToS3: true}))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp ZipFramesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "https://bucket.s3.eu-west-1.amazonaws.com/archives/hero_frames.zip", resp.URL)
	assert.Equal(t, []string{"hero_0000.png"}, resp.Entries)
}

func TestZipFrames_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"no valid frames", archive.ErrNoValidFrames, http.StatusBadRequest, "NO_VALID_FRAMES"},
		{"invalid name", fmt.Errorf("%w: %w", archive.ErrInvalidName, cache.ErrInvalidSegment), http.StatusBadRequest, "INVALID_NAME"},
		{"s3 not configured", storage.ErrS3NotConfigured, http.StatusBadRequest, "S3_NOT_CONFIGURED"},
		{"publish failed", fmt.Errorf("publish archive: %w", io.ErrClosedPipe), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, svc := newTestHandlers(t)
			svc.On("ZipFrames", mock.Anything, mock.Anything).Return(nil, tt.err)

			rec := httptest.NewRecorder()
			h.ZipFrames(rec, postJSON(t, "/frames/zip", ZipFramesRequest{
				Name: "hero", FrameURLs: []string{"/frames/t1_1/frame_0000.png"},
			}))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestZipFrames_ValidationError(t *testing.T) {
	h, svc := newTestHandlers(t)

	rec := httptest.NewRecorder()
	h.ZipFrames(rec, postJSON(t, "/frames/zip", ZipFramesRequest{Name: "hero"}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)
	svc.AssertNotCalled(t, "ZipFrames", mock.Anything, mock.Anything)
}

func TestServeFrame(t *testing.T) {
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	batch := filepath.Join(store.FramesDir(), "t1_1")
	require.NoError(t, os.MkdirAll(batch, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(batch, "frame_0000.png"), []byte("png-bytes"), 0600))

	h, _ := newTestHandlers(t, WithFrameLocator(store))
	router := NewRouter(h, testLogger(), DefaultConfig())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frames/t1_1/frame_0000.png", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frames/t1_1/frame_0009.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Relative references never reach the filesystem.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/frames/x/y", nil)
	req.SetPathValue("dir", "t1_1")
	req.SetPathValue("file", "..")
	h.ServeFrame(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeFrame_Disabled(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/frames/t1_1/frame_0000.png", nil)
	req.SetPathValue("dir", "t1_1")
	req.SetPathValue("file", "frame_0000.png")
	h.ServeFrame(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_Integration(t *testing.T) {
	h, svc := newTestHandlers(t)
	router := NewRouter(h, testLogger(), DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	svc.On("SplitFrames", mock.Anything, mock.Anything).Return(&frames.Result{TaskID: "t1", Frames: []string{"/frames/d/frame_0000.png"}}, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, postJSON(t, "/generate/video_split_frames", map[string]any{
		"task_id": "t1", "video_url": "https://cdn.example.com/clip.mp4",
	}))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/generate/video_split_frames", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}

func TestCORSMiddleware(t *testing.T) {
	h, _ := newTestHandlers(t)

	cfg := Config{AllowedOrigins: []string{"https://example.com"}}
	router := NewRouter(h, testLogger(), cfg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/frames/zip", nil)
	req.Header.Set("Origin", "https://example.com")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware(testLogger())(panicHandler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, rec).Code)
}
