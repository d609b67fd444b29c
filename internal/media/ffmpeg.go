package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os/exec"
	"strconv"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Compile-time check that FFmpegDecoder implements Decoder.
var _ Decoder = (*FFmpegDecoder)(nil)

// FFmpegDecoder implements Decoder using the ffmpeg and ffprobe CLIs.
// Frames are piped out of ffmpeg as raw RGBA.
type FFmpegDecoder struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpegDecoder creates a new FFmpegDecoder.
// Empty paths default to "ffmpeg" and "ffprobe" (found via PATH).
func NewFFmpegDecoder(ffmpegPath, ffprobePath string) *FFmpegDecoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegDecoder{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// Open probes path and returns a Video handle.
func (d *FFmpegDecoder) Open(ctx context.Context, path string) (Video, error) {
	meta, err := d.probe(ctx, path)
	if err != nil {
		if errors.Is(err, ErrUnreadableVideo) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnreadableVideo, err)
	}

	return &ffmpegVideo{
		decoder: d,
		path:    path,
		meta:    meta,
	}, nil
}

// ffmpegVideo is a Video backed by ffmpeg processes.
// ReadAt spawns one short-lived process per frame; ReadNext keeps a single
// streaming process alive until end of stream or Close.
type ffmpegVideo struct {
	decoder *FFmpegDecoder
	path    string
	meta    Metadata

	stream *frameStream
}

func (v *ffmpegVideo) Metadata() Metadata {
	return v.meta
}

func (v *ffmpegVideo) frameSize() int {
	return v.meta.Width * v.meta.Height * 4
}

// frameIndex maps a timestamp to a frame index, clamped to the last frame.
func (v *ffmpegVideo) frameIndex(ts float64) int {
	idx := int(math.Round(ts * v.meta.FPS))
	if v.meta.TotalFrames > 0 && idx > v.meta.TotalFrames-1 {
		idx = v.meta.TotalFrames - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// ReadAt seeks to the frame nearest ts and decodes it.
func (v *ffmpegVideo) ReadAt(ctx context.Context, ts float64) (image.Image, error) {
	if v.meta.FPS <= 0 {
		return nil, fmt.Errorf("%w: frame rate %v", ErrUnreadableVideo, v.meta.FPS)
	}

	idx := v.frameIndex(ts)
	// Seek half a frame early so the accurate seek lands on idx itself.
	seek := math.Max(0, (float64(idx)-0.5)/v.meta.FPS)

	args := v.decoder.frameArgs(
		ffmpeg.Input(v.path, ffmpeg.KwArgs{"ss": strconv.FormatFloat(seek, 'f', 6, 64)}),
		v.meta,
		ffmpeg.KwArgs{"frames:v": 1},
	)

	var stdout bytes.Buffer
	if err := v.decoder.runFFmpeg(ctx, args, &stdout); err != nil {
		return nil, err
	}

	if stdout.Len() < v.frameSize() {
		return nil, fmt.Errorf("%w: frame %d: got %d bytes, want %d", ErrShortFrame, idx, stdout.Len(), v.frameSize())
	}

	return toImage(stdout.Bytes()[:v.frameSize()], v.meta.Width, v.meta.Height), nil
}

// ReadNext decodes the next frame from a streaming ffmpeg process, starting
// it on first use.
func (v *ffmpegVideo) ReadNext(ctx context.Context) (image.Image, error) {
	if v.stream == nil {
		s, err := v.startStream(ctx)
		if err != nil {
			return nil, err
		}
		v.stream = s
	}
	return v.stream.next(ctx)
}

func (v *ffmpegVideo) startStream(ctx context.Context) (*frameStream, error) {
	args := v.decoder.frameArgs(ffmpeg.Input(v.path), v.meta, nil)

	procCtx, cancel := context.WithCancel(ctx)
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(procCtx, v.decoder.ffmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	s := &frameStream{
		cmd:    cmd,
		stdout: stdout,
		cancel: cancel,
		args:   args,
		width:  v.meta.Width,
		height: v.meta.Height,
	}
	cmd.Stderr = &s.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return s, nil
}

// Close terminates the streaming process, if any.
func (v *ffmpegVideo) Close() error {
	if v.stream == nil {
		return nil
	}
	v.stream.close()
	v.stream = nil
	return nil
}

// frameArgs compiles an ffmpeg argument list that writes raw RGBA frames of
// the probed size to stdout.
func (d *FFmpegDecoder) frameArgs(input *ffmpeg.Stream, meta Metadata, extra ffmpeg.KwArgs) []string {
	out := ffmpeg.KwArgs{
		"f":       "rawvideo",
		"pix_fmt": "rgba",
		"s":       fmt.Sprintf("%dx%d", meta.Width, meta.Height),
	}
	for k, val := range extra {
		out[k] = val
	}

	args := []string{"-v", "error", "-nostdin"}
	return append(args, input.Output("pipe:", out).GetArgs()...)
}

// frameStream reads fixed-size raw frames from a running ffmpeg process.
type frameStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	cancel context.CancelFunc
	args   []string
	width  int
	height int
	done   bool
}

func (s *frameStream) next(ctx context.Context) (image.Image, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, s.width*s.height*4)
	_, err := io.ReadFull(s.stdout, buf)
	switch {
	case err == nil:
		return toImage(buf, s.width, s.height), nil
	case errors.Is(err, io.EOF):
		s.done = true
		if waitErr := s.wait(); waitErr != nil {
			return nil, waitErr
		}
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
		_ = s.wait()
		return nil, fmt.Errorf("%w: truncated frame at end of stream", ErrShortFrame)
	default:
		s.done = true
		s.close()
		return nil, fmt.Errorf("read frame: %w", err)
	}
}

// wait reaps the process after stdout is drained.
func (s *frameStream) wait() error {
	err := s.cmd.Wait()
	s.cancel()
	if err != nil {
		return &FFmpegError{Args: s.args, Stderr: s.stderr.String(), Err: err}
	}
	return nil
}

func (s *frameStream) close() {
	s.cancel()
	_ = s.stdout.Close()
	_ = s.cmd.Wait()
}

// toImage wraps straight-alpha RGBA bytes as an image.
func toImage(pix []byte, w, h int) *image.NRGBA {
	return &image.NRGBA{
		Pix:    pix,
		Stride: 4 * w,
		Rect:   image.Rect(0, 0, w, h),
	}
}

// runFFmpeg executes ffmpeg with the given arguments, writing stdout to w,
// and returns an error containing stderr output if the command fails.
func (d *FFmpegDecoder) runFFmpeg(ctx context.Context, args []string, w io.Writer) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, d.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stdout = w
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		// Check if context was cancelled
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
