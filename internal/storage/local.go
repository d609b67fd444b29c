package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrS3NotConfigured is returned when S3 operations are attempted
// without proper configuration.
var ErrS3NotConfigured = errors.New("S3 storage is not configured")

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)

// LocalStorage implements the Storage interface using local disk.
// Staging files are created in stagingDir, which must be on the same
// filesystem as the promotion targets for Promote to be atomic.
type LocalStorage struct {
	stagingDir string
}

// NewLocalStorage creates a new LocalStorage instance.
// If stagingDir is empty, a directory under os.TempDir() is used.
// The directory is created if it doesn't exist.
func NewLocalStorage(stagingDir string) (*LocalStorage, error) {
	if stagingDir == "" {
		stagingDir = filepath.Join(os.TempDir(), "pixelda", "staging")
	}

	if err := os.MkdirAll(stagingDir, 0750); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	return &LocalStorage{stagingDir: stagingDir}, nil
}

// StagingDir returns the staging directory path.
func (s *LocalStorage) StagingDir() string {
	return s.stagingDir
}

// Stage writes data to a new file in the staging directory.
// The name is used as a base for the filename with a unique suffix.
// A partially written file is removed before returning an error.
func (s *LocalStorage) Stage(ctx context.Context, name string, data io.Reader) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.CreateTemp(s.stagingDir, filepath.Base(name)+"_*")
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}

	fileName := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(fileName)
		return "", fmt.Errorf("write staging file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(fileName)
		return "", fmt.Errorf("close staging file: %w", err)
	}

	return fileName, nil
}

// Promote renames a staged file to dest, replacing any existing file.
func (s *LocalStorage) Promote(ctx context.Context, stagedPath, dest string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if err := os.Rename(stagedPath, dest); err != nil {
		return fmt.Errorf("promote staged file: %w", err)
	}
	return nil
}

// Open opens a file for reading.
// The caller is responsible for closing the returned ReadCloser.
func (s *LocalStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.Open(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return f, nil
}

// Discard removes the specified files.
// It continues even if some files fail to delete,
// returning the first error encountered.
func (s *LocalStorage) Discard(ctx context.Context, paths []string) error {
	var firstErr error
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove file %s: %w", p, err)
			}
		}
	}
	return firstErr
}

// Publish is not supported by LocalStorage and returns ErrS3NotConfigured.
func (s *LocalStorage) Publish(_ context.Context, _, _ string, _ io.Reader) (string, error) {
	return "", ErrS3NotConfigured
}
