package frames

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/maauso/pixelda-api/internal/archive"
	"github.com/maauso/pixelda-api/internal/cache"
	"github.com/maauso/pixelda-api/internal/media"
	"github.com/maauso/pixelda-api/internal/storage"
)

// archiveKeyPrefix is the S3 key prefix for published archives.
const archiveKeyPrefix = "archives/"

// Fetcher brings remote videos into the cache.
type Fetcher interface {
	EnsureCached(ctx context.Context, url string) (string, error)
	Snapshot(ctx context.Context, url string) (string, error)
}

// Archiver bundles frames into a zip archive.
type Archiver interface {
	Create(ctx context.Context, urls []string, name string, removeBG bool) (*archive.Result, error)
}

// Publisher reads finished archives and uploads them.
type Publisher interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Publish(ctx context.Context, key, contentType string, data io.Reader) (string, error)
}

// SplitRequest asks for Count evenly spaced frames between FromTime and ToTime.
type SplitRequest struct {
	TaskID   string
	VideoURL string
	FromTime float64
	ToTime   float64
	Count    int
	// Refresh downloads the video again to a timestamped path instead of
	// reusing the cached copy.
	Refresh bool
}

// IntervalRequest asks for every Interval-th frame, up to MaxFrames.
type IntervalRequest struct {
	TaskID    string
	VideoURL  string
	Interval  int
	MaxFrames int
}

// Result is the outcome of an extraction run.
type Result struct {
	TaskID string
	// Dir is the batch directory name, the middle segment of every URL.
	Dir    string
	Frames []string
}

// ZipRequest asks for the frames behind FrameURLs to be archived as Name.
type ZipRequest struct {
	FrameURLs []string
	Name      string
	RemoveBG  bool
	PushToS3  bool
}

// ZipResult describes a written (and optionally published) archive.
type ZipResult struct {
	Name    string
	Path    string
	Entries []string
	// URL is set when the archive was published.
	URL string
}

// Service implements the frame operations exposed to the HTTP and CLI layers.
type Service struct {
	store     *cache.Store
	fetcher   Fetcher
	decoder   media.Decoder
	extractor *Extractor
	archiver  Archiver
	publisher Publisher
	baseURL   string
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher enables PushToS3 on ZipFrames.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithBaseURL sets the prefix of generated frame URLs.
func WithBaseURL(base string) Option {
	return func(s *Service) {
		s.baseURL = base
	}
}

// WithExtractor overrides the frame extractor.
func WithExtractor(e *Extractor) Option {
	return func(s *Service) {
		s.extractor = e
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used to name batch directories.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service.
func NewService(store *cache.Store, fetcher Fetcher, decoder media.Decoder, archiver Archiver, opts ...Option) *Service {
	s := &Service{
		store:    store,
		fetcher:  fetcher,
		decoder:  decoder,
		archiver: archiver,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.extractor == nil {
		s.extractor = NewExtractor(s.logger)
	}
	return s
}

// SplitFrames extracts req.Count evenly spaced frames from the video.
func (s *Service) SplitFrames(ctx context.Context, req SplitRequest) (*Result, error) {
	log := s.logger.With(slog.String("task_id", req.TaskID))
	log.Info("splitting video frames",
		slog.String("video_url", req.VideoURL),
		slog.Float64("from", req.FromTime),
		slog.Float64("to", req.ToTime),
		slog.Int("count", req.Count),
		slog.Bool("refresh", req.Refresh),
	)

	if !cache.ValidName(req.TaskID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTaskID, req.TaskID)
	}
	if req.Count > MaxFrames {
		return nil, fmt.Errorf("%w: count %d exceeds %d", ErrInvalidRange, req.Count, MaxFrames)
	}

	path, err := s.fetch(ctx, req.VideoURL, req.Refresh)
	if err != nil {
		return nil, err
	}

	v, err := s.decoder.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = v.Close() }()

	meta := v.Metadata()
	log.Info("video opened",
		slog.Float64("fps", meta.FPS),
		slog.Float64("duration", meta.Duration),
		slog.Int("total_frames", meta.TotalFrames),
	)

	timestamps, err := Sample(meta.FPS, meta.Duration, req.FromTime, req.ToTime, req.Count)
	if err != nil {
		return nil, err
	}
	log.Debug("sample timestamps", slog.Any("timestamps", timestamps))

	return s.extract(log, req.TaskID, func(dir string) ([]string, error) {
		return s.extractor.AtTimestamps(ctx, v, timestamps, dir)
	})
}

// ExtractInterval extracts every req.Interval-th frame, up to req.MaxFrames.
func (s *Service) ExtractInterval(ctx context.Context, req IntervalRequest) (*Result, error) {
	log := s.logger.With(slog.String("task_id", req.TaskID))
	log.Info("extracting interval frames",
		slog.String("video_url", req.VideoURL),
		slog.Int("interval", req.Interval),
		slog.Int("max_frames", req.MaxFrames),
	)

	if !cache.ValidName(req.TaskID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTaskID, req.TaskID)
	}
	if req.Interval < 1 || req.MaxFrames < 1 || req.MaxFrames > MaxFrames {
		return nil, fmt.Errorf("%w: interval=%d, max_frames=%d", ErrInvalidInterval, req.Interval, req.MaxFrames)
	}

	path, err := s.fetcher.EnsureCached(ctx, req.VideoURL)
	if err != nil {
		return nil, err
	}

	v, err := s.decoder.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = v.Close() }()

	return s.extract(log, req.TaskID, func(dir string) ([]string, error) {
		return s.extractor.EveryNth(ctx, v, req.Interval, req.MaxFrames, dir)
	})
}

// extract runs fn against a fresh batch directory and turns its output into URLs.
// The batch directory is removed when fn fails or writes nothing, so a
// cancelled run leaves no partial batch behind.
func (s *Service) extract(log *slog.Logger, taskID string, fn func(dir string) ([]string, error)) (*Result, error) {
	batch, err := s.store.NewBatch(taskID, s.now())
	if err != nil {
		return nil, fmt.Errorf("create frame directory: %w", err)
	}
	log.Info("created frame directory", slog.String("dir", batch.Dir))

	names, err := fn(batch.Dir)
	if err != nil || len(names) == 0 {
		if rmErr := s.store.RemoveBatch(batch.Name); rmErr != nil {
			log.Warn("could not remove frame directory",
				slog.String("dir", batch.Name),
				slog.String("error", rmErr.Error()),
			)
		}
		if err != nil {
			return nil, err
		}
		return nil, ErrNoFramesExtracted
	}

	urls := URLs(s.baseURL, batch.Name, names)
	log.Info("frames extracted",
		slog.String("dir", batch.Name),
		slog.Int("frames", len(urls)),
	)

	return &Result{TaskID: taskID, Dir: batch.Name, Frames: urls}, nil
}

func (s *Service) fetch(ctx context.Context, url string, refresh bool) (string, error) {
	if refresh {
		return s.fetcher.Snapshot(ctx, url)
	}
	return s.fetcher.EnsureCached(ctx, url)
}

// ZipFrames archives the frames behind req.FrameURLs, optionally publishing
// the archive.
func (s *Service) ZipFrames(ctx context.Context, req ZipRequest) (*ZipResult, error) {
	s.logger.Info("zipping frames",
		slog.String("name", req.Name),
		slog.Int("urls", len(req.FrameURLs)),
		slog.Bool("removebg", req.RemoveBG),
		slog.Bool("push_to_s3", req.PushToS3),
	)

	if req.PushToS3 && s.publisher == nil {
		return nil, storage.ErrS3NotConfigured
	}

	res, err := s.archiver.Create(ctx, req.FrameURLs, req.Name, req.RemoveBG)
	if err != nil {
		return nil, err
	}

	out := &ZipResult{Name: res.Name, Path: res.Path, Entries: res.Entries}
	if !req.PushToS3 {
		return out, nil
	}

	url, err := s.publish(ctx, res.Path)
	if err != nil {
		return nil, err
	}
	out.URL = url

	s.logger.Info("archive published", slog.String("name", req.Name), slog.String("url", url))
	return out, nil
}

func (s *Service) publish(ctx context.Context, path string) (string, error) {
	f, err := s.publisher.Open(ctx, path)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	url, err := s.publisher.Publish(ctx, archiveKeyPrefix+filepath.Base(path), "application/zip", f)
	if err != nil {
		return "", fmt.Errorf("publish archive: %w", err)
	}
	return url, nil
}
