// Package server provides the HTTP server for the pixelda API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

// Defaults applied to omitted SplitFramesRequest fields.
const (
	defaultFromTime = 0.0
	defaultToTime   = 10.0
	defaultCount    = 10
)

// SplitFramesRequest is the HTTP request body for evenly spaced frame extraction.
type SplitFramesRequest struct {
	// TaskID names the output directory together with the creation time.
	TaskID string `json:"task_id" validate:"required,max=128"`
	// VideoURL is the source video to download and cache.
	VideoURL string `json:"video_url" validate:"required,url"`
	// FromTime is the start of the window in seconds (default 0).
	// The window is checked against the video duration by the frame service.
	FromTime *float64 `json:"from_time"`
	// ToTime is the end of the window in seconds (default 10).
	ToTime *float64 `json:"to_time"`
	// Count is the number of frames to extract (default 10). A count of one
	// or less yields only the frame at FromTime.
	Count *int `json:"count" validate:"omitempty,max=10000"`
	// Refresh downloads the video again instead of using the cached copy.
	Refresh bool `json:"refresh"`
}

// IntervalFramesRequest is the HTTP request body for every-Nth-frame extraction.
type IntervalFramesRequest struct {
	TaskID        string `json:"task_id" validate:"required,max=128"`
	VideoURL      string `json:"video_url" validate:"required,url"`
	FrameInterval int    `json:"frame_interval" validate:"required,min=1"`
	MaxFrames     int    `json:"max_frames" validate:"required,min=1,max=10000"`
}

// FramesResponse is the HTTP response of both extraction endpoints.
type FramesResponse struct {
	// Frames holds the public URLs of the extracted frames in order.
	Frames []string `json:"frames"`
	// TaskID echoes the request task ID.
	TaskID string `json:"task_id"`
}

// ZipFramesRequest is the HTTP request body for archiving frames.
type ZipFramesRequest struct {
	// Name is the archive base name; the file is <name>_frames.zip.
	Name string `json:"name" validate:"required,max=128"`
	// FrameURLs are URLs previously returned by an extraction endpoint.
	FrameURLs []string `json:"frame_urls" validate:"required,min=1"`
	// RemoveBG strips the background of each frame before archiving.
	RemoveBG bool `json:"removebg"`
	// PushToS3 uploads the archive and returns its URL instead of the file.
	PushToS3 bool `json:"push_to_s3"`
}

// ZipFramesResponse is returned when the archive was pushed to S3.
type ZipFramesResponse struct {
	URL     string   `json:"url"`
	Name    string   `json:"name"`
	Entries []string `json:"entries"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
