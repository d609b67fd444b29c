package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// PruneStats summarises one Prune pass.
type PruneStats struct {
	Batches    int   // frame batch directories removed
	Files      int   // downloads, archives, intermediates and staging files removed
	BytesFreed int64 // total size of removed files
}

// Prune removes artifacts whose modification time is older than now-maxAge:
// frame batches, background-stripped images, staging leftovers, and the
// downloads and archives directly under the root.
// Errors on individual entries are collected and returned together; the pass
// continues past them.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration, now time.Time) (PruneStats, error) {
	var stats PruneStats
	if maxAge <= 0 {
		return stats, nil
	}
	cutoff := now.Add(-maxAge)

	var errs []error

	batches, err := os.ReadDir(s.FramesDir())
	if err != nil {
		return stats, fmt.Errorf("list frame batches: %w", err)
	}
	for _, entry := range batches {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		dir := filepath.Join(s.FramesDir(), entry.Name())
		size, _ := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove batch %s: %w", entry.Name(), err))
			continue
		}
		stats.Batches++
		stats.BytesFreed += size
	}

	for _, dir := range []string{s.root, s.TransparentDir(), s.StagingDir()} {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		n, freed, err := pruneFiles(dir, cutoff)
		stats.Files += n
		stats.BytesFreed += freed
		if err != nil {
			errs = append(errs, err)
		}
	}

	return stats, errors.Join(errs...)
}

// pruneFiles removes regular files directly inside dir older than cutoff.
func pruneFiles(dir string, cutoff time.Time) (int, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("list %s: %w", dir, err)
	}

	var (
		removed int
		freed   int64
		errs    []error
	)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", entry.Name(), err))
			continue
		}
		removed++
		freed += info.Size()
	}
	return removed, freed, errors.Join(errs...)
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
