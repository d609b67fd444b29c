package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// maxBatchSuffix bounds the same-second collision loop in NewBatch.
const maxBatchSuffix = 1000

// Batch is the output directory of one extraction run.
type Batch struct {
	// Name is the directory name, <task_id>_<unix-ts>, used in frame URLs.
	Name string
	// Dir is the absolute directory path.
	Dir string
}

// NewBatch creates a fresh batch directory named <taskID>_<unix-ts>.
// The directory is created exclusively; when another run created the same
// name within the same second, a _<n> suffix is appended.
func (s *Store) NewBatch(taskID string, now time.Time) (Batch, error) {
	if err := checkSegment(taskID); err != nil {
		return Batch{}, err
	}

	base := taskID + "_" + strconv.FormatInt(now.Unix(), 10)
	name := base
	for n := 2; ; n++ {
		dir := filepath.Join(s.FramesDir(), name)
		err := os.Mkdir(dir, 0750)
		if err == nil {
			return Batch{Name: name, Dir: dir}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return Batch{}, fmt.Errorf("create batch directory: %w", err)
		}
		if n > maxBatchSuffix {
			return Batch{}, fmt.Errorf("create batch directory: too many collisions for %s", base)
		}
		name = base + "_" + strconv.Itoa(n)
	}
}

// RemoveBatch deletes a batch directory and everything in it.
func (s *Store) RemoveBatch(name string) error {
	if err := checkSegment(name); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.FramesDir(), name))
}
