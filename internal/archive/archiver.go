// Package archive bundles extracted frames into named zip archives.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/maauso/pixelda-api/internal/bgremove"
	"github.com/maauso/pixelda-api/internal/cache"
)

// Static errors for archive operations.
var (
	// ErrNoValidFrames is returned when none of the given URLs resolves to a frame on disk.
	ErrNoValidFrames = errors.New("archive: no valid frame files found")
	// ErrInvalidName is returned when the archive name is empty or contains path separators.
	ErrInvalidName = errors.New("archive: invalid archive name")
)

// processedPrefix starts the name of every background-stripped copy.
const processedPrefix = "processed_"

// processedName names the stripped copy of a frame. Frame file names repeat
// across batches, so the batch directory is part of the name.
func processedName(src string) string {
	return processedPrefix + filepath.Base(filepath.Dir(src)) + "_" + filepath.Base(src)
}

// Result describes a written archive.
type Result struct {
	Name    string
	Path    string
	Entries []string
}

// Archiver maps frame URLs back to cached files and zips them.
type Archiver struct {
	store    *cache.Store
	remover  bgremove.Remover
	basePath string
	level    int
	logger   *slog.Logger
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithRemover sets the background remover used when removeBG is requested.
func WithRemover(r bgremove.Remover) Option {
	return func(a *Archiver) {
		a.remover = r
	}
}

// WithBaseURL sets the public base URL frames were published under, so its
// path prefix can be trimmed from absolute frame URLs.
func WithBaseURL(base string) Option {
	return func(a *Archiver) {
		if u, err := url.Parse(base); err == nil {
			a.basePath = strings.TrimRight(u.Path, "/")
		}
	}
}

// WithCompressionLevel sets the deflate level, from -2 (Huffman only) to 9.
func WithCompressionLevel(level int) Option {
	return func(a *Archiver) {
		a.level = level
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Archiver) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an Archiver over store.
func New(store *cache.Store, opts ...Option) *Archiver {
	a := &Archiver{
		store:  store,
		level:  flate.DefaultCompression,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Create writes <cache-root>/<name>_frames.zip from the frames behind urls.
// Entry i is named <name>_<i:04d><ext>, where i is the URL's position in
// urls; unresolvable URLs are skipped and leave a gap in the numbering.
// When removeBG is set each frame is first passed through the remover,
// falling back to the original frame if that fails.
func (a *Archiver) Create(ctx context.Context, urls []string, name string, removeBG bool) (*Result, error) {
	if !cache.ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	dest, err := a.store.ArchivePath(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidName, err)
	}

	scratch, err := os.MkdirTemp("", "pixelda-archive-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	var staged []string
	for i, raw := range urls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		src, ok := a.resolve(raw)
		if !ok {
			continue
		}

		ext := filepath.Ext(src)
		if removeBG {
			src = a.stripBackground(ctx, src)
		}

		entry := fmt.Sprintf("%s_%04d%s", name, i, ext)
		target := filepath.Join(scratch, entry)
		if err := copyPreservingMtime(src, target); err != nil {
			a.logger.Warn("could not stage frame",
				slog.String("url", raw),
				slog.String("error", err.Error()),
			)
			continue
		}
		staged = append(staged, target)
	}

	if len(staged) == 0 {
		return nil, ErrNoValidFrames
	}

	if err := a.writeZip(ctx, staged, dest); err != nil {
		return nil, err
	}

	entries := make([]string, len(staged))
	for i, p := range staged {
		entries[i] = filepath.Base(p)
	}

	a.logger.Info("archive created",
		slog.String("name", name),
		slog.String("path", dest),
		slog.Int("entries", len(entries)),
		slog.Int("skipped", len(urls)-len(entries)),
	)

	return &Result{Name: name, Path: dest, Entries: entries}, nil
}

// resolve maps a frame URL to an existing file under the frames directory.
func (a *Archiver) resolve(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		a.logger.Warn("invalid frame URL", slog.String("url", raw), slog.String("error", err.Error()))
		return "", false
	}

	p := u.Path
	if a.basePath != "" && strings.HasPrefix(p, a.basePath+"/") {
		p = strings.TrimPrefix(p, a.basePath)
	}

	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != cache.FramesEndpoint {
		a.logger.Warn("invalid frame URL", slog.String("url", raw))
		return "", false
	}

	path, err := a.store.FramePath(parts[1], parts[2])
	if err != nil {
		a.logger.Warn("invalid frame URL", slog.String("url", raw), slog.String("error", err.Error()))
		return "", false
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		a.logger.Warn("frame file not found", slog.String("path", path))
		return "", false
	}

	return path, true
}

// stripBackground returns the background-stripped copy of src, or src itself
// when no remover is configured or removal fails.
func (a *Archiver) stripBackground(ctx context.Context, src string) string {
	if a.remover == nil {
		a.logger.Warn("background removal requested but no remover configured")
		return src
	}

	out, err := a.remover.StripBackground(ctx, src, processedName(src))
	if err != nil {
		a.logger.Warn("background removal failed, using original frame",
			slog.String("frame", src),
			slog.String("error", err.Error()),
		)
		return src
	}
	return out
}

// writeZip writes files into a temp file next to dest and renames it into place.
func (a *Archiver) writeZip(ctx context.Context, files []string, dest string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp_"+filepath.Base(dest)+"_*")
	if err != nil {
		return fmt.Errorf("create zip file: %w", err)
	}
	tmpName := tmp.Name()

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}

	zw := zip.NewWriter(tmp)
	level := a.level
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	for _, fp := range files {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := addFileToZip(zw, fp); err != nil {
			return fail(fmt.Errorf("add %s to zip: %w", filepath.Base(fp), err))
		}
	}

	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("finalize zip: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close zip file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("move zip into place: %w", err)
	}
	return nil
}

func addFileToZip(zw *zip.Writer, filename string) error {
	file, err := os.Open(filename) // #nosec G304 - file lives in the archiver's scratch directory
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	header.Name = filepath.Base(filename)
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	_, err = io.Copy(writer, file)
	return err
}

// copyPreservingMtime copies src to dst and carries over the modification time.
func copyPreservingMtime(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - src is resolved under the cache root
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304 - dst is in the scratch directory
	if err != nil {
		return fmt.Errorf("create copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}

	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
