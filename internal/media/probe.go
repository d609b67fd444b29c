package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// probeOutput mirrors the subset of `ffprobe -of json` output we read.
type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// probe runs ffprobe against the first video stream of path.
func (d *FFmpegDecoder) probe(ctx context.Context, path string) (Metadata, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames,duration",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	}

	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, d.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Metadata{}, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return Metadata{}, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, strings.TrimSpace(stderr.String()))
	}

	return parseProbe(stdout.Bytes())
}

// parseProbe converts ffprobe JSON into Metadata.
// The average frame rate is preferred over the nominal one. When the
// container does not report a frame count it is derived from the duration.
func parseProbe(data []byte) (Metadata, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Metadata{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return Metadata{}, fmt.Errorf("%w: no video stream", ErrUnreadableVideo)
	}

	s := out.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return Metadata{}, fmt.Errorf("%w: invalid dimensions %dx%d", ErrUnreadableVideo, s.Width, s.Height)
	}

	fps := parseRate(s.AvgFrameRate)
	if fps <= 0 {
		fps = parseRate(s.RFrameRate)
	}

	total, _ := strconv.Atoi(s.NbFrames)
	if total <= 0 && fps > 0 {
		dur := parseFloat(s.Duration)
		if dur <= 0 {
			dur = parseFloat(out.Format.Duration)
		}
		total = int(math.Round(dur * fps))
	}

	meta := Metadata{
		FPS:         fps,
		TotalFrames: total,
		Width:       s.Width,
		Height:      s.Height,
	}
	if fps > 0 {
		meta.Duration = float64(total) / fps
	}
	return meta, nil
}

// parseRate parses ffprobe rationals such as "30000/1001" or plain numbers.
// Malformed or undefined rates ("0/0") yield 0.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return parseFloat(s)
	}
	n := parseFloat(num)
	d := parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
