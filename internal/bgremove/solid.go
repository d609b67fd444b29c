package bgremove

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg" // register decoder
	"image/png"
	"io"
	"log/slog"
	"os"

	"github.com/maauso/pixelda-api/internal/cache"
)

// Compile-time check that SolidColorRemover implements Remover.
var _ Remover = (*SolidColorRemover)(nil)

// SolidColorRemover makes a uniform background transparent without any
// external service. Starting from the image border it flood-fills every
// pixel whose colour is within tolerance of the dominant corner colour.
type SolidColorRemover struct {
	store     *cache.Store
	tolerance uint8
	logger    *slog.Logger
}

// NewSolidColorRemover creates a SolidColorRemover.
// tolerance is the maximum per-channel distance from the background colour.
func NewSolidColorRemover(store *cache.Store, tolerance uint8, logger *slog.Logger) *SolidColorRemover {
	if logger == nil {
		logger = slog.Default()
	}
	return &SolidColorRemover{store: store, tolerance: tolerance, logger: logger}
}

// StripBackground implements Remover.
func (r *SolidColorRemover) StripBackground(ctx context.Context, imagePath, outputName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrProcessing, err)
	}

	src, err := decodeFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProcessing, err)
	}

	out, cleared := r.strip(src)
	r.logger.Debug("solid background stripped",
		slog.String("image", imagePath),
		slog.Int("pixels_cleared", cleared),
	)

	return writeOutput(r.store, outputName, func(w io.Writer) error {
		return png.Encode(w, out)
	})
}

// strip returns a copy of src with the border-connected background cleared
// and the number of cleared pixels.
func (r *SolidColorRemover) strip(src image.Image) (*image.NRGBA, int) {
	b := src.Bounds()
	img := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(img, img.Bounds(), src, b.Min, draw.Src)

	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w == 0 || h == 0 {
		return img, 0
	}

	bg := dominantCorner(img)
	visited := make([]bool, w*h)
	queue := make([]int, 0, 2*(w+h))

	push := func(x, y int) {
		i := y*w + x
		if visited[i] {
			return
		}
		visited[i] = true
		if within(img.NRGBAAt(x, y), bg, r.tolerance) {
			queue = append(queue, i)
		}
	}

	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}

	cleared := 0
	for len(queue) > 0 {
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		x, y := i%w, i/w

		img.SetNRGBA(x, y, color.NRGBA{})
		cleared++

		if x > 0 {
			push(x-1, y)
		}
		if x < w-1 {
			push(x+1, y)
		}
		if y > 0 {
			push(x, y-1)
		}
		if y < h-1 {
			push(x, y+1)
		}
	}

	return img, cleared
}

// dominantCorner returns the most frequent corner colour, preferring the
// top-left corner on ties.
func dominantCorner(img *image.NRGBA) color.NRGBA {
	b := img.Bounds()
	corners := []color.NRGBA{
		img.NRGBAAt(b.Min.X, b.Min.Y),
		img.NRGBAAt(b.Max.X-1, b.Min.Y),
		img.NRGBAAt(b.Min.X, b.Max.Y-1),
		img.NRGBAAt(b.Max.X-1, b.Max.Y-1),
	}

	best, bestCount := corners[0], 0
	for _, c := range corners {
		n := 0
		for _, o := range corners {
			if o == c {
				n++
			}
		}
		if n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}

func within(c, bg color.NRGBA, tol uint8) bool {
	return absDiff(c.R, bg.R) <= tol &&
		absDiff(c.G, bg.G) <= tol &&
		absDiff(c.B, bg.B) <= tol &&
		absDiff(c.A, bg.A) <= tol
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path) // #nosec G304 - path is resolved from the cache store
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
