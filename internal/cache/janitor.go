package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Janitor periodically prunes a Store.
type Janitor struct {
	store    *Store
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor creates a Janitor that removes artifacts older than maxAge every interval.
func NewJanitor(store *Store, maxAge, interval time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start launches the prune loop. It runs one pass immediately.
func (j *Janitor) Start(ctx context.Context) {
	if j.maxAge <= 0 || j.interval <= 0 {
		j.logger.Info("cache janitor disabled")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel

	j.logger.Info("cache janitor enabled",
		slog.Duration("max_age", j.maxAge),
		slog.Duration("interval", j.interval),
	)

	j.wg.Add(1)
	go j.loop(loopCtx)
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	j.runOnce(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *Janitor) runOnce(ctx context.Context) {
	stats, err := j.store.Prune(ctx, j.maxAge, j.now())
	if err != nil {
		j.logger.Error("cache prune failed", slog.String("error", err.Error()))
	}
	if stats.Batches > 0 || stats.Files > 0 {
		j.logger.Info("cache pruned",
			slog.Int("batches", stats.Batches),
			slog.Int("files", stats.Files),
			slog.Int64("bytes_freed", stats.BytesFreed),
		)
	}
}
