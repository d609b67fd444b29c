// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrCacheDirRequired is returned when CACHE_DIR resolves to an empty path.
	ErrCacheDirRequired = errors.New("config: CACHE_DIR is required")
	// ErrInvalidCompressionLevel is returned when ARCHIVE_COMPRESSION_LEVEL is outside [-2, 9].
	ErrInvalidCompressionLevel = errors.New("config: ARCHIVE_COMPRESSION_LEVEL must be between -2 and 9")
	// ErrS3RegionRequired is returned when S3_BUCKET is set without S3_REGION.
	ErrS3RegionRequired = errors.New("config: S3_REGION is required when S3_BUCKET is set")
	// ErrInvalidTolerance is returned when BACKGROUND_TOLERANCE is outside [0, 255].
	ErrInvalidTolerance = errors.New("config: BACKGROUND_TOLERANCE must be between 0 and 255")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int      `env:"PORT, default=8000" json:"port"`
	BaseURL        string   `env:"BASE_URL" json:"base_url,omitempty"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS, default=*" json:"allowed_origins"`

	// Cache settings
	CacheDir             string        `env:"CACHE_DIR, default=/tmp/pixelda/cache" json:"cache_dir"`
	CacheMaxAge          time.Duration `env:"CACHE_MAX_AGE, default=0s" json:"cache_max_age"`
	CacheCleanupInterval time.Duration `env:"CACHE_CLEANUP_INTERVAL, default=1h" json:"cache_cleanup_interval"`

	// Decoder settings
	FFmpegPath  string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath string `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`

	// Download settings
	DownloadTimeout    time.Duration `env:"DOWNLOAD_TIMEOUT, default=5m" json:"download_timeout"`
	DownloadMaxRetries int           `env:"DOWNLOAD_MAX_RETRIES, default=2" json:"download_max_retries"`

	// Background removal settings
	RembgURL            string        `env:"REMBG_URL" json:"rembg_url,omitempty"`
	RembgModel          string        `env:"REMBG_MODEL, default=isnet-anime" json:"rembg_model"`
	RembgTimeout        time.Duration `env:"REMBG_TIMEOUT, default=2m" json:"rembg_timeout"`
	BackgroundTolerance int           `env:"BACKGROUND_TOLERANCE, default=24" json:"background_tolerance"`

	// Archive settings
	ArchiveCompressionLevel int `env:"ARCHIVE_COMPRESSION_LEVEL, default=-1" json:"archive_compression_level"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// RembgEnabled returns true if a remote rembg server is configured.
func (c *Config) RembgEnabled() bool {
	return c.RembgURL != ""
}

// JanitorEnabled returns true if periodic cache pruning is configured.
func (c *Config) JanitorEnabled() bool {
	return c.CacheMaxAge > 0 && c.CacheCleanupInterval > 0
}

// Load reads configuration from environment variables using go-envconfig
// and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.CacheDir) == "" {
		return ErrCacheDirRequired
	}
	if c.ArchiveCompressionLevel < -2 || c.ArchiveCompressionLevel > 9 {
		return fmt.Errorf("%w: got %d", ErrInvalidCompressionLevel, c.ArchiveCompressionLevel)
	}
	if c.BackgroundTolerance < 0 || c.BackgroundTolerance > 255 {
		return fmt.Errorf("%w: got %d", ErrInvalidTolerance, c.BackgroundTolerance)
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		return ErrS3RegionRequired
	}
	return nil
}

// NewLogger creates a structured logger writing to stdout.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	return c.NewLoggerTo(os.Stdout)
}

// NewLoggerTo is NewLogger with an explicit destination.
func (c *Config) NewLoggerTo(w io.Writer) *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, BaseURL: %s, CacheDir: %s, CacheMaxAge: %s, RembgURL: %s, RembgModel: %s, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.BaseURL,
		c.CacheDir,
		c.CacheMaxAge,
		c.RembgURL,
		c.RembgModel,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
