package frames

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/maauso/pixelda-api/internal/media"
)

// frameNameFormat names frames by their position among successful writes.
const frameNameFormat = "frame_%04d.png"

// FrameName returns the file name of the n-th written frame.
func FrameName(n int) string {
	return fmt.Sprintf(frameNameFormat, n)
}

// Extractor writes decoded frames into a batch directory.
// Per-frame failures are logged and skipped; file names stay dense.
type Extractor struct {
	logger *slog.Logger
	encode func(w io.Writer, img image.Image) error
}

// NewExtractor creates an Extractor that writes PNG files.
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	enc := &png.Encoder{CompressionLevel: png.BestSpeed}
	return &Extractor{
		logger: logger,
		encode: enc.Encode,
	}
}

// AtTimestamps reads one frame per timestamp, in order, and writes each
// successful read to dir. It returns the written file names.
// A cancelled context stops extraction and returns the names written so far
// together with the context error.
func (e *Extractor) AtTimestamps(ctx context.Context, v media.Video, timestamps []float64, dir string) ([]string, error) {
	names := make([]string, 0, len(timestamps))

	for i, ts := range timestamps {
		if err := ctx.Err(); err != nil {
			return names, err
		}

		img, err := v.ReadAt(ctx, ts)
		if err != nil {
			if ctx.Err() != nil {
				return names, ctx.Err()
			}
			e.logger.Warn("could not read frame",
				slog.Int("sample", i),
				slog.Float64("timestamp", ts),
				slog.String("error", err.Error()),
			)
			continue
		}

		name := FrameName(len(names))
		if err := e.write(filepath.Join(dir, name), img); err != nil {
			e.logger.Warn("could not write frame",
				slog.Int("sample", i),
				slog.String("file", name),
				slog.String("error", err.Error()),
			)
			continue
		}

		names = append(names, name)
		e.logger.Debug("extracted frame",
			slog.Int("sample", i),
			slog.Float64("timestamp", ts),
			slog.String("file", name),
		)
	}

	return names, nil
}

// EveryNth reads frames sequentially and writes every frame whose stream
// index is a multiple of interval, stopping after maxFrames writes or at the
// end of the stream. A decode error is treated as the end of the stream.
func (e *Extractor) EveryNth(ctx context.Context, v media.Video, interval, maxFrames int, dir string) ([]string, error) {
	if interval < 1 || maxFrames < 1 || maxFrames > MaxFrames {
		return nil, fmt.Errorf("%w: interval=%d, max_frames=%d", ErrInvalidInterval, interval, maxFrames)
	}

	names := make([]string, 0, maxFrames)
	index := 0

	for len(names) < maxFrames {
		if err := ctx.Err(); err != nil {
			return names, err
		}

		img, err := v.ReadNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return names, ctx.Err()
			}
			if !errors.Is(err, io.EOF) {
				e.logger.Warn("decode stopped early",
					slog.Int("index", index),
					slog.String("error", err.Error()),
				)
			}
			break
		}

		if index%interval == 0 {
			name := FrameName(len(names))
			if err := e.write(filepath.Join(dir, name), img); err != nil {
				e.logger.Warn("could not write frame",
					slog.Int("index", index),
					slog.String("file", name),
					slog.String("error", err.Error()),
				)
			} else {
				names = append(names, name)
			}
		}
		index++
	}

	e.logger.Debug("sequential extraction finished",
		slog.Int("frames_read", index),
		slog.Int("frames_written", len(names)),
	)
	return names, nil
}

// write encodes img to path, removing the file if encoding fails.
func (e *Extractor) write(path string, img image.Image) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304 - path is built from a batch dir and a generated name
	if err != nil {
		return fmt.Errorf("create frame file: %w", err)
	}

	if err := e.encode(f, img); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("encode frame: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close frame file: %w", err)
	}
	return nil
}
