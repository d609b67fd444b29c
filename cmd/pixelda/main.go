// Package main provides the pixelda command line tool. It runs the frame
// operations of the API server directly against the local cache.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/maauso/pixelda-api/internal/bootstrap"
	"github.com/maauso/pixelda-api/internal/cache"
	"github.com/maauso/pixelda-api/internal/config"
	"github.com/maauso/pixelda-api/internal/frames"
)

var exampleUsage = strings.TrimSpace(`
  pixelda split --task-id hero --video-url https://cdn.example.com/clip.mp4 --from 0 --to 4 --count 8
  pixelda split --task-id hero --video-url https://cdn.example.com/clip.mp4 --interval 12 --max-frames 20
  pixelda zip --name hero --removebg /frames/hero_1700000000/frame_0000.png /frames/hero_1700000000/frame_0003.png
  pixelda prune --max-age 24h
`)

var errMissingMaxAge = errors.New("--max-age or CACHE_MAX_AGE is required")

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// globalFlags override the environment configuration when set.
type globalFlags struct {
	cacheDir    string
	baseURL     string
	ffmpegPath  string
	ffprobePath string
	rembgURL    string
	logLevel    string
	logFormat   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var gf globalFlags

	root := &cobra.Command{
		Use:           "pixelda",
		Short:         "Extract video frames and bundle them into archives",
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&gf.cacheDir, "cache-dir", "", "cache root (overrides CACHE_DIR)")
	pf.StringVar(&gf.baseURL, "base-url", "", "prefix of generated frame URLs (overrides BASE_URL)")
	pf.StringVar(&gf.ffmpegPath, "ffmpeg", "", "ffmpeg binary (overrides FFMPEG_PATH)")
	pf.StringVar(&gf.ffprobePath, "ffprobe", "", "ffprobe binary (overrides FFPROBE_PATH)")
	pf.StringVar(&gf.rembgURL, "rembg-url", "", "rembg server URL (overrides REMBG_URL)")
	pf.StringVar(&gf.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	pf.StringVar(&gf.logFormat, "log-format", "", "text or json (overrides LOG_FORMAT)")

	root.AddCommand(
		newSplitCmd(&gf),
		newZipCmd(&gf),
		newPruneCmd(&gf),
	)
	return root
}

// loadConfig reads the environment and applies the persistent flags the user set.
func loadConfig(cmd *cobra.Command, gf *globalFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	overrides := []struct {
		flag string
		dst  *string
		val  string
	}{
		{"cache-dir", &cfg.CacheDir, gf.cacheDir},
		{"base-url", &cfg.BaseURL, gf.baseURL},
		{"ffmpeg", &cfg.FFmpegPath, gf.ffmpegPath},
		{"ffprobe", &cfg.FFprobePath, gf.ffprobePath},
		{"rembg-url", &cfg.RembgURL, gf.rembgURL},
		{"log-level", &cfg.LogLevel, gf.logLevel},
		{"log-format", &cfg.LogFormat, gf.logFormat},
	}
	for _, o := range overrides {
		if changed[o.flag] {
			*o.dst = o.val
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	// Logs go to stderr so stdout stays machine readable.
	logger := cfg.NewLoggerTo(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSplitCmd(gf *globalFlags) *cobra.Command {
	var (
		taskID    string
		videoURL  string
		from, to  float64
		count     int
		refresh   bool
		interval  int
		maxFrames int
	)

	cmd := &cobra.Command{
		Use:   "split",
		Short: "Extract frames from a video into a new batch directory",
		Long: strings.TrimSpace(`
Extract frames from a video into <cache-dir>/frames/<task-id>_<unix-ts>.

By default --count frames are sampled evenly between --from and --to.
With --interval every Nth frame is kept instead, up to --max-frames.`),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd, gf)
			if err != nil {
				return err
			}
			deps, err := bootstrap.NewDependencies(cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize dependencies: %w", err)
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			var res *frames.Result
			if cmd.Flags().Changed("interval") {
				res, err = deps.FrameService.ExtractInterval(ctx, frames.IntervalRequest{
					TaskID:    taskID,
					VideoURL:  videoURL,
					Interval:  interval,
					MaxFrames: maxFrames,
				})
			} else {
				res, err = deps.FrameService.SplitFrames(ctx, frames.SplitRequest{
					TaskID:   taskID,
					VideoURL: videoURL,
					FromTime: from,
					ToTime:   to,
					Count:    count,
					Refresh:  refresh,
				})
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"task_id": res.TaskID, "dir": res.Dir, "frames": res.Frames})
		},
	}

	f := cmd.Flags()
	f.StringVar(&taskID, "task-id", "", "task identifier used in the batch directory name")
	f.StringVar(&videoURL, "video-url", "", "URL of the source video")
	f.Float64Var(&from, "from", 0, "window start in seconds")
	f.Float64Var(&to, "to", 10, "window end in seconds")
	f.IntVar(&count, "count", 10, "number of evenly spaced frames")
	f.BoolVar(&refresh, "refresh", false, "download the video again instead of using the cached copy")
	f.IntVar(&interval, "interval", 1, "keep every Nth frame (switches to interval mode)")
	f.IntVar(&maxFrames, "max-frames", 100, "interval mode: stop after this many frames")
	_ = cmd.MarkFlagRequired("task-id")
	_ = cmd.MarkFlagRequired("video-url")
	cmd.MarkFlagsMutuallyExclusive("interval", "count")

	return cmd
}

func newZipCmd(gf *globalFlags) *cobra.Command {
	var (
		name     string
		removeBG bool
		push     bool
	)

	cmd := &cobra.Command{
		Use:   "zip [flags] FRAME_URL...",
		Short: "Bundle previously extracted frames into <name>_frames.zip",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, gf)
			if err != nil {
				return err
			}
			deps, err := bootstrap.NewDependencies(cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize dependencies: %w", err)
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			res, err := deps.FrameService.ZipFrames(ctx, frames.ZipRequest{
				FrameURLs: args,
				Name:      name,
				RemoveBG:  removeBG,
				PushToS3:  push,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"path": res.Path, "url": res.URL, "entries": res.Entries})
		},
	}

	f := cmd.Flags()
	f.StringVar(&name, "name", "", "archive base name")
	f.BoolVar(&removeBG, "removebg", false, "strip frame backgrounds before archiving")
	f.BoolVar(&push, "push-to-s3", false, "upload the archive to S3_BUCKET")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newPruneCmd(gf *globalFlags) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove cached downloads, frames and archives older than --max-age",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd, gf)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-age") {
				maxAge = cfg.CacheMaxAge
			}
			if maxAge <= 0 {
				return errMissingMaxAge
			}

			store, err := cache.NewStore(cfg.CacheDir)
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			logger.Info("pruning cache",
				slog.String("cache_dir", store.Root()),
				slog.Duration("max_age", maxAge),
			)

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			stats, err := store.Prune(ctx, maxAge, time.Now())
			if perr := printJSON(cmd, map[string]any{
				"batches":     stats.Batches,
				"files":       stats.Files,
				"bytes_freed": stats.BytesFreed,
			}); perr != nil {
				return perr
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "remove artifacts older than this (defaults to CACHE_MAX_AGE)")
	return cmd
}
