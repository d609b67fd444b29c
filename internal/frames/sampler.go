// Package frames turns cached videos into numbered PNG frame batches and
// bundles selected frames into archives.
package frames

import (
	"errors"
	"fmt"
	"math"
)

// Static errors for frame operations.
var (
	// ErrInvalidRange is returned when the requested window does not fit the video.
	ErrInvalidRange = errors.New("frames: invalid time range")
	// ErrInvalidMetadata is returned when the video reports an unusable frame rate.
	ErrInvalidMetadata = errors.New("frames: invalid video metadata")
	// ErrNoFramesExtracted is returned when an extraction run produced no frames.
	ErrNoFramesExtracted = errors.New("frames: no frames extracted")
	// ErrInvalidTaskID is returned when a task ID cannot be used as a directory name.
	ErrInvalidTaskID = errors.New("frames: invalid task ID")
	// ErrInvalidInterval is returned when interval or max frames is out of range.
	ErrInvalidInterval = errors.New("frames: invalid interval or max frames")
)

// MaxFrames caps the frames a single request may ask for, in both
// timestamp and interval mode.
const MaxFrames = 10000

// Sample returns count evenly spaced timestamps in [from, to], both ends
// included. With count <= 1 it returns just from.
//
// The frame rate is checked before the window: a non-positive or non-finite
// fps yields ErrInvalidMetadata. The window must satisfy
// 0 <= from < to <= duration and count must not exceed MaxFrames, otherwise
// ErrInvalidRange.
func Sample(fps, duration, from, to float64, count int) ([]float64, error) {
	if !(fps > 0) || math.IsInf(fps, 0) {
		return nil, fmt.Errorf("%w: fps %v", ErrInvalidMetadata, fps)
	}

	if math.IsNaN(from) || math.IsNaN(to) || from < 0 || to > duration || from >= to {
		return nil, fmt.Errorf("%w: video duration %.3fs, requested %.3fs - %.3fs", ErrInvalidRange, duration, from, to)
	}

	if count > MaxFrames {
		return nil, fmt.Errorf("%w: count %d exceeds %d", ErrInvalidRange, count, MaxFrames)
	}
	if count <= 1 {
		return []float64{from}, nil
	}

	step := (to - from) / float64(count-1)
	out := make([]float64, count)
	for i := range out {
		out[i] = from + float64(i)*step
	}
	// Accumulated rounding must not move the last sample off the window end.
	out[count-1] = to

	return out, nil
}
