// Package media provides video decoding on top of the ffmpeg and ffprobe CLIs.
package media

import (
	"context"
	"errors"
	"image"
)

// Static errors for media operations.
var (
	// ErrUnreadableVideo is returned when a file cannot be opened, probed, or has no video stream.
	ErrUnreadableVideo = errors.New("media: unreadable video")
	// ErrFFprobeExecution is returned when ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
	// ErrShortFrame is returned when the decoder emits fewer bytes than one frame.
	ErrShortFrame = errors.New("media: short frame")
)

// Metadata describes the video stream of an opened file.
type Metadata struct {
	FPS         float64
	TotalFrames int
	Width       int
	Height      int
	// Duration is TotalFrames / FPS, or zero when FPS is not positive.
	Duration float64
}

// Decoder opens video files.
type Decoder interface {
	// Open probes path and returns a handle for reading its frames.
	// Returns ErrUnreadableVideo if the file has no decodable video stream.
	Open(ctx context.Context, path string) (Video, error)
}

// Video is an opened video. It is owned by a single caller and is not safe
// for concurrent use.
type Video interface {
	Metadata() Metadata

	// ReadAt decodes the frame nearest to ts seconds.
	// The frame index is round(ts * fps), clamped to the last frame.
	ReadAt(ctx context.Context, ts float64) (image.Image, error)

	// ReadNext decodes the next frame in stream order.
	// Returns io.EOF after the last frame.
	ReadNext(ctx context.Context) (image.Image, error)

	// Close releases any decoding process held by the handle.
	Close() error
}
