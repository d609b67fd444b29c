package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/pixelda-api/internal/frames"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPrune_RemovesOldDownloads(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	dir := t.TempDir()

	old := filepath.Join(dir, "old.mp4")
	fresh := filepath.Join(dir, "fresh.mp4")
	require.NoError(t, os.WriteFile(old, []byte("0123456789"), 0600))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0600))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	out, err := execute(t, "prune", "--cache-dir", dir, "--max-age", "24h")
	require.NoError(t, err)

	var stats map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats["files"])
	assert.Equal(t, 10, stats["bytes_freed"])

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}

func TestPrune_RequiresMaxAge(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("CACHE_MAX_AGE", "0s")

	_, err := execute(t, "prune", "--cache-dir", t.TempDir())
	assert.ErrorIs(t, err, errMissingMaxAge)
}

func TestSplit_FlagValidation(t *testing.T) {
	_, err := execute(t, "split", "--video-url", "https://cdn.example.com/clip.mp4")
	assert.ErrorContains(t, err, "task-id")

	_, err = execute(t, "split", "--task-id", "t1", "--video-url", "https://cdn.example.com/clip.mp4",
		"--count", "4", "--interval", "2")
	assert.Error(t, err)
}

func TestSplit_RejectsHugeCount(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")

	_, err := execute(t, "split", "--cache-dir", t.TempDir(),
		"--task-id", "t1", "--video-url", "https://cdn.example.com/clip.mp4",
		"--count", "1000000000000")
	assert.ErrorIs(t, err, frames.ErrInvalidRange)
}

func TestZip_RequiresURLs(t *testing.T) {
	_, err := execute(t, "zip", "--name", "hero")
	assert.Error(t, err)
}

func TestLoadConfig_FlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("CACHE_DIR", "/from/env")
	t.Setenv("BASE_URL", "https://env.example.com")
	t.Setenv("LOG_LEVEL", "error")

	root := newRootCmd()
	cmd, _, err := root.Find([]string{"prune"})
	require.NoError(t, err)

	require.NoError(t, cmd.ParseFlags([]string{"--cache-dir", "/from/flag"}))
	flagValue, err := cmd.Flags().GetString("cache-dir")
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", flagValue)

	cfg, _, err := loadConfig(cmd, &globalFlags{cacheDir: flagValue})
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", cfg.CacheDir)
	assert.Equal(t, "https://env.example.com", cfg.BaseURL, "unset flags keep the environment value")
}
