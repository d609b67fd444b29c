// Package bgremove strips image backgrounds, either through a remote rembg
// server or with a local solid-colour flood fill.
package bgremove

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/maauso/pixelda-api/internal/cache"
)

// ErrProcessing wraps every background removal failure.
var ErrProcessing = errors.New("bgremove: processing failed")

// Remover strips the background of an image.
type Remover interface {
	// StripBackground reads imagePath and writes a transparent PNG named
	// outputName into the cache's transparent images directory.
	// It returns the output path.
	StripBackground(ctx context.Context, imagePath, outputName string) (string, error)
}

// writeOutput writes the result for outputName atomically: a temp file in
// the destination directory is filled by write and renamed into place.
func writeOutput(store *cache.Store, outputName string, write func(io.Writer) error) (string, error) {
	dest, err := store.TransparentPath(outputName)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProcessing, err)
	}

	f, err := os.CreateTemp(filepath.Dir(dest), ".tmp_"+outputName+"_*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %w", ErrProcessing, err)
	}
	tmp := f.Name()

	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: close temp file: %w", ErrProcessing, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: rename output: %w", ErrProcessing, err)
	}

	return dest, nil
}
