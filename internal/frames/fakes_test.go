package frames

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"

	"github.com/stretchr/testify/mock"

	"github.com/maauso/pixelda-api/internal/archive"
	"github.com/maauso/pixelda-api/internal/media"
)

var errDecode = errors.New("decode failed")

// fakeVideo serves solid 4x4 frames.
type fakeVideo struct {
	meta media.Metadata

	// failReads holds ReadAt call indexes that fail.
	failReads map[int]bool
	reads     []float64

	// streamLen is the number of frames ReadNext yields before io.EOF.
	streamLen int
	// streamErrAt makes ReadNext fail at that index when positive.
	streamErrAt int
	next        int

	// cancel is called once ReadNext has yielded cancelAfter frames.
	cancel      context.CancelFunc
	cancelAfter int

	closed bool
}

func newFrame(i int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(i), A: 255})
		}
	}
	return img
}

func (v *fakeVideo) Metadata() media.Metadata { return v.meta }

func (v *fakeVideo) ReadAt(_ context.Context, ts float64) (image.Image, error) {
	call := len(v.reads)
	v.reads = append(v.reads, ts)
	if v.failReads[call] {
		return nil, errDecode
	}
	return newFrame(call), nil
}

func (v *fakeVideo) ReadNext(_ context.Context) (image.Image, error) {
	if v.streamErrAt > 0 && v.next == v.streamErrAt {
		return nil, errDecode
	}
	if v.next >= v.streamLen {
		return nil, io.EOF
	}
	v.next++
	if v.cancel != nil && v.next == v.cancelAfter {
		v.cancel()
	}
	return newFrame(v.next - 1), nil
}

func (v *fakeVideo) Close() error {
	v.closed = true
	return nil
}

type mockDecoder struct {
	mock.Mock
}

func (m *mockDecoder) Open(ctx context.Context, path string) (media.Video, error) {
	args := m.Called(ctx, path)
	v, _ := args.Get(0).(media.Video)
	return v, args.Error(1)
}

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) EnsureCached(ctx context.Context, url string) (string, error) {
	args := m.Called(ctx, url)
	return args.String(0), args.Error(1)
}

func (m *mockFetcher) Snapshot(ctx context.Context, url string) (string, error) {
	args := m.Called(ctx, url)
	return args.String(0), args.Error(1)
}

type mockArchiver struct {
	mock.Mock
}

func (m *mockArchiver) Create(ctx context.Context, urls []string, name string, removeBG bool) (*archive.Result, error) {
	args := m.Called(ctx, urls, name, removeBG)
	res, _ := args.Get(0).(*archive.Result)
	return res, args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

// Open reads the archive from disk.
func (m *mockPublisher) Open(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path) // #nosec G304 - test fixture
}

func (m *mockPublisher) Publish(ctx context.Context, key, contentType string, data io.Reader) (string, error) {
	body, _ := io.ReadAll(data)
	args := m.Called(ctx, key, contentType, string(body))
	return args.String(0), args.Error(1)
}
