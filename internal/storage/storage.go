// Package storage provides staging for in-flight downloads and optional
// publication of finished archives to S3.
// It defines the Storage interface (port) and implementations for local disk
// and S3.
package storage

import (
	"context"
	"io"
)

// Storage defines staging and publication of files.
// Staged files live in a private directory until they are promoted to their
// final location or discarded, so a half-written file is never visible at
// its final path.
type Storage interface {
	// Stage writes data to a new staging file and returns its path.
	// The name parameter is used as a hint for the filename.
	Stage(ctx context.Context, name string, data io.Reader) (path string, err error)

	// Promote atomically moves a staged file to dest.
	Promote(ctx context.Context, stagedPath, dest string) error

	// Open returns a reader for a file.
	// The caller is responsible for closing the returned ReadCloser.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Discard removes the specified files.
	// It continues even if some files fail to delete.
	Discard(ctx context.Context, paths []string) error

	// Publish uploads data under key and returns its public URL.
	// Returns ErrS3NotConfigured if S3 is not configured.
	Publish(ctx context.Context, key, contentType string, data io.Reader) (url string, err error)
}
