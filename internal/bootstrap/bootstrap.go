// Package bootstrap provides dependency initialization for the pixelda API
// server and CLI.
package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/maauso/pixelda-api/internal/archive"
	"github.com/maauso/pixelda-api/internal/bgremove"
	"github.com/maauso/pixelda-api/internal/cache"
	"github.com/maauso/pixelda-api/internal/config"
	"github.com/maauso/pixelda-api/internal/fetch"
	"github.com/maauso/pixelda-api/internal/frames"
	"github.com/maauso/pixelda-api/internal/media"
	"github.com/maauso/pixelda-api/internal/storage"
)

// Dependencies holds all initialized dependencies shared by the entry points.
type Dependencies struct {
	Store        *cache.Store
	FrameService *frames.Service
	Janitor      *cache.Janitor
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	store, err := cache.NewStore(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("create cache store: %w", err)
	}

	backend, err := initStorage(cfg, store, logger)
	if err != nil {
		return nil, err
	}

	fetcher := fetch.New(store, backend,
		fetch.WithTimeout(cfg.DownloadTimeout),
		fetch.WithMaxRetries(cfg.DownloadMaxRetries),
		fetch.WithLogger(logger),
	)

	decoder := media.NewFFmpegDecoder(cfg.FFmpegPath, cfg.FFprobePath)

	remover, err := initRemover(cfg, store, logger)
	if err != nil {
		return nil, err
	}

	archiver := archive.New(store,
		archive.WithRemover(remover),
		archive.WithBaseURL(cfg.BaseURL),
		archive.WithCompressionLevel(cfg.ArchiveCompressionLevel),
		archive.WithLogger(logger),
	)

	opts := []frames.Option{
		frames.WithBaseURL(cfg.BaseURL),
		frames.WithLogger(logger),
	}
	if cfg.S3Enabled() {
		opts = append(opts, frames.WithPublisher(backend))
	}
	svc := frames.NewService(store, fetcher, decoder, archiver, opts...)

	return &Dependencies{
		Store:        store,
		FrameService: svc,
		Janitor:      cache.NewJanitor(store, cfg.CacheMaxAge, cfg.CacheCleanupInterval, logger),
	}, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, store *cache.Store, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(store.StagingDir(), s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(store.StagingDir())
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("staging_dir", store.StagingDir()),
	)
	return localStore, nil
}

// initRemover picks the rembg client when REMBG_URL is set and the
// solid-colour remover otherwise.
func initRemover(cfg *config.Config, store *cache.Store, logger *slog.Logger) (bgremove.Remover, error) {
	if !cfg.RembgEnabled() {
		logger.Info("background removal uses solid colour flood fill",
			slog.Int("tolerance", cfg.BackgroundTolerance),
		)
		return bgremove.NewSolidColorRemover(store, uint8(cfg.BackgroundTolerance), logger), nil // #nosec G115 - validated to [0, 255]
	}

	client, err := bgremove.NewRembgClient(cfg.RembgURL, store,
		bgremove.WithModel(cfg.RembgModel),
		bgremove.WithTimeout(cfg.RembgTimeout),
		bgremove.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create rembg client: %w", err)
	}
	logger.Info("background removal uses rembg",
		slog.String("url", cfg.RembgURL),
		slog.String("model", cfg.RembgModel),
	)
	return client, nil
}
