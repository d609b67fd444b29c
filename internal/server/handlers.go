package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/pixelda-api/internal/archive"
	"github.com/maauso/pixelda-api/internal/cache"
	"github.com/maauso/pixelda-api/internal/fetch"
	"github.com/maauso/pixelda-api/internal/frames"
	"github.com/maauso/pixelda-api/internal/media"
	"github.com/maauso/pixelda-api/internal/storage"
)

// FrameService is the subset of frames.Service the handlers use.
type FrameService interface {
	SplitFrames(ctx context.Context, req frames.SplitRequest) (*frames.Result, error)
	ExtractInterval(ctx context.Context, req frames.IntervalRequest) (*frames.Result, error)
	ZipFrames(ctx context.Context, req frames.ZipRequest) (*frames.ZipResult, error)
}

// FrameLocator resolves a frame URL's directory and file segments to a path.
type FrameLocator interface {
	FramePath(batchName, fileName string) (string, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service   FrameService
	locator   FrameLocator
	validator *validator.Validate
	logger    *slog.Logger
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithFrameLocator enables GET /frames/{dir}/{file}.
func WithFrameLocator(l FrameLocator) HandlerOption {
	return func(h *Handlers) {
		h.locator = l
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service FrameService, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:   service,
		validator: validator.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// SplitFrames handles POST /generate/video_split_frames requests.
func (h *Handlers) SplitFrames(w http.ResponseWriter, r *http.Request) {
	var req SplitFramesRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := frames.SplitRequest{
		TaskID:   req.TaskID,
		VideoURL: req.VideoURL,
		FromTime: defaultFromTime,
		ToTime:   defaultToTime,
		Count:    defaultCount,
		Refresh:  req.Refresh,
	}
	if req.FromTime != nil {
		in.FromTime = *req.FromTime
	}
	if req.ToTime != nil {
		in.ToTime = *req.ToTime
	}
	if req.Count != nil {
		in.Count = *req.Count
	}

	res, err := h.service.SplitFrames(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, "split frames", err)
		return
	}

	writeJSON(w, http.StatusOK, FramesResponse{Frames: res.Frames, TaskID: res.TaskID})
}

// IntervalFrames handles POST /generate/video_interval_frames requests.
func (h *Handlers) IntervalFrames(w http.ResponseWriter, r *http.Request) {
	var req IntervalFramesRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.ExtractInterval(r.Context(), frames.IntervalRequest{
		TaskID:    req.TaskID,
		VideoURL:  req.VideoURL,
		Interval:  req.FrameInterval,
		MaxFrames: req.MaxFrames,
	})
	if err != nil {
		h.writeServiceError(w, r, "extract interval frames", err)
		return
	}

	writeJSON(w, http.StatusOK, FramesResponse{Frames: res.Frames, TaskID: res.TaskID})
}

// ZipFrames handles POST /frames/zip requests.
// The archive is streamed back as an attachment unless it was pushed to S3.
func (h *Handlers) ZipFrames(w http.ResponseWriter, r *http.Request) {
	var req ZipFramesRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.ZipFrames(r.Context(), frames.ZipRequest{
		FrameURLs: req.FrameURLs,
		Name:      req.Name,
		RemoveBG:  req.RemoveBG,
		PushToS3:  req.PushToS3,
	})
	if err != nil {
		h.writeServiceError(w, r, "zip frames", err)
		return
	}

	if req.PushToS3 {
		writeJSON(w, http.StatusOK, ZipFramesResponse{URL: res.URL, Name: res.Name, Entries: res.Entries})
		return
	}

	f, err := os.Open(res.Path) // #nosec G304 - path is the archive just written under the cache root
	if err != nil {
		h.logger.Error("failed to open archive",
			slog.String("path", res.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "archive not found", "ARCHIVE_MISSING")
		return
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "archive not readable", "ARCHIVE_MISSING")
		return
	}

	name := filepath.Base(res.Path)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, stat.ModTime(), f)
}

// ServeFrame handles GET /frames/{dir}/{file} requests.
func (h *Handlers) ServeFrame(w http.ResponseWriter, r *http.Request) {
	if h.locator == nil {
		writeError(w, http.StatusNotFound, "frame serving disabled", "FRAME_NOT_FOUND")
		return
	}

	path, err := h.locator.FramePath(r.PathValue("dir"), r.PathValue("file"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid frame path", "INVALID_FRAME_PATH")
		return
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		writeError(w, http.StatusNotFound, "frame not found", "FRAME_NOT_FOUND")
		return
	}

	http.ServeFile(w, r, path)
}

// decode reads and validates a JSON body, writing the error response on failure.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return false
	}

	if err := h.validator.Struct(dst); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return false
	}
	return true
}

// writeServiceError maps service errors to HTTP status codes.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := classify(err)

	attrs := []any{
		slog.String("op", op),
		slog.String("request_id", RequestIDFromContext(r.Context())),
		slog.String("error", err.Error()),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", attrs...)
	} else {
		h.logger.Warn("request rejected", attrs...)
	}

	writeError(w, status, err.Error(), code)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, frames.ErrInvalidRange):
		return http.StatusBadRequest, "INVALID_RANGE"
	case errors.Is(err, frames.ErrInvalidMetadata):
		return http.StatusBadRequest, "INVALID_METADATA"
	case errors.Is(err, frames.ErrInvalidTaskID):
		return http.StatusBadRequest, "INVALID_TASK_ID"
	case errors.Is(err, frames.ErrInvalidInterval):
		return http.StatusBadRequest, "INVALID_INTERVAL"
	case errors.Is(err, archive.ErrNoValidFrames):
		return http.StatusBadRequest, "NO_VALID_FRAMES"
	case errors.Is(err, archive.ErrInvalidName), errors.Is(err, cache.ErrInvalidSegment):
		return http.StatusBadRequest, "INVALID_NAME"
	case errors.Is(err, cache.ErrInvalidURL):
		return http.StatusBadRequest, "INVALID_VIDEO_URL"
	case errors.Is(err, storage.ErrS3NotConfigured):
		return http.StatusBadRequest, "S3_NOT_CONFIGURED"
	case errors.Is(err, fetch.ErrDownload):
		return http.StatusInternalServerError, "DOWNLOAD_FAILED"
	case errors.Is(err, media.ErrUnreadableVideo):
		return http.StatusInternalServerError, "UNREADABLE_VIDEO"
	case errors.Is(err, frames.ErrNoFramesExtracted):
		return http.StatusInternalServerError, "NO_FRAMES_RETURNED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
