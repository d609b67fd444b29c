// Package cache owns the on-disk layout under the cache root: downloaded
// source assets, frame batches, background-stripped intermediates, archives
// and the staging area for in-flight downloads.
package cache

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const (
	// FramesEndpoint is both the directory holding frame batches and the
	// first path segment of every frame URL.
	FramesEndpoint = "frames"
	// TransparentDirName holds background-stripped intermediates.
	TransparentDirName = "transparent_images"
	// StagingDirName holds downloads that have not been renamed into place.
	StagingDirName = ".staging"
	// ArchiveSuffix is appended to the archive name to build its filename.
	ArchiveSuffix = "_frames.zip"

	timestampLayout = "20060102_150405"
)

// Static errors for cache operations.
var (
	// ErrInvalidURL is returned when a URL has no usable trailing path segment.
	ErrInvalidURL = errors.New("cache: URL has no usable file name")
	// ErrInvalidSegment is returned when a name would escape its directory.
	ErrInvalidSegment = errors.New("cache: invalid path segment")
)

// Store resolves locations under a single cache root.
// It holds no mutable state and is safe for concurrent use.
type Store struct {
	root string
}

// NewStore creates a Store rooted at root, creating the root and its fixed
// subdirectories if they do not exist.
func NewStore(root string) (*Store, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "pixelda", "cache")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}

	s := &Store{root: abs}
	for _, dir := range []string{s.root, s.FramesDir(), s.TransparentDir(), s.StagingDir()} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the absolute cache root.
func (s *Store) Root() string {
	return s.root
}

// FramesDir returns the directory holding all frame batches.
func (s *Store) FramesDir() string {
	return filepath.Join(s.root, FramesEndpoint)
}

// TransparentDir returns the directory holding background-stripped images.
func (s *Store) TransparentDir() string {
	return filepath.Join(s.root, TransparentDirName)
}

// StagingDir returns the directory used for partial downloads.
func (s *Store) StagingDir() string {
	return filepath.Join(s.root, StagingDirName)
}

// PathForURL returns the cache path for a remote asset. The path depends only
// on the URL-decoded final segment of the URL path, so the same URL always
// maps to the same file.
func (s *Store) PathForURL(rawURL string) (string, error) {
	name, err := fileNameFromURL(rawURL)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, name), nil
}

// TimestampedPath returns a cache path for name prefixed with the given time,
// e.g. 20240102_150405_clip.mp4.
func (s *Store) TimestampedPath(name string, now time.Time) (string, error) {
	if err := checkSegment(name); err != nil {
		return "", err
	}
	return filepath.Join(s.root, now.Format(timestampLayout)+"_"+name), nil
}

// TimestampedPathForURL combines PathForURL's naming with TimestampedPath.
func (s *Store) TimestampedPathForURL(rawURL string, now time.Time) (string, error) {
	name, err := fileNameFromURL(rawURL)
	if err != nil {
		return "", err
	}
	return s.TimestampedPath(name, now)
}

// ArchivePath returns <root>/<name>_frames.zip.
func (s *Store) ArchivePath(name string) (string, error) {
	if err := checkSegment(name); err != nil {
		return "", err
	}
	return filepath.Join(s.root, name+ArchiveSuffix), nil
}

// TransparentPath returns the output location for a background-stripped image.
func (s *Store) TransparentPath(name string) (string, error) {
	if err := checkSegment(name); err != nil {
		return "", err
	}
	return filepath.Join(s.TransparentDir(), name), nil
}

// FramePath resolves a frame file inside a batch directory without checking
// that it exists.
func (s *Store) FramePath(batchName, fileName string) (string, error) {
	if err := checkSegment(batchName); err != nil {
		return "", err
	}
	if err := checkSegment(fileName); err != nil {
		return "", err
	}
	return filepath.Join(s.FramesDir(), batchName, fileName), nil
}

// fileNameFromURL extracts the URL-decoded last path segment.
func fileNameFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	// u.Path is already decoded; RawPath is only set when it differs.
	p := u.Path
	if p == "" && u.Opaque != "" {
		p, _ = url.PathUnescape(u.Opaque)
	}
	name := path.Base(p)
	if err := checkSegment(name); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	return name, nil
}

// checkSegment rejects names that are empty, relative references or contain
// path separators.
func checkSegment(name string) error {
	switch {
	case name == "", name == ".", name == "..", name == "/":
		return fmt.Errorf("%w: %q", ErrInvalidSegment, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q", ErrInvalidSegment, name)
	}
	return nil
}

// ValidName reports whether name can be used as a single path segment.
func ValidName(name string) bool {
	return checkSegment(name) == nil
}
