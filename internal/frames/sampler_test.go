package frames

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSample(t *testing.T) {
	tests := []struct {
		name     string
		fps      float64
		duration float64
		from     float64
		to       float64
		count    int
		want     []float64
	}{
		{"five over ten seconds", 30, 12, 0, 10, 5, []float64{0, 2.5, 5, 7.5, 10}},
		{"two samples are the endpoints", 30, 12, 1, 3, 2, []float64{1, 3}},
		{"count one", 30, 12, 4, 8, 1, []float64{4}},
		{"count zero", 30, 12, 4, 8, 0, []float64{4}},
		{"negative count", 30, 12, 4, 8, -3, []float64{4}},
		{"window ends at duration", 25, 4, 0, 4, 3, []float64{0, 2, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Sample(tt.fps, tt.duration, tt.from, tt.to, tt.count)
			require.NoError(t, err)
			assert.InDeltaSlice(t, tt.want, got, 1e-9)
		})
	}
}

func TestSample_EndpointsExactAndSpacingConstant(t *testing.T) {
	from, to := 0.1, 9.7
	got, err := Sample(29.97, 12, from, to, 37)
	require.NoError(t, err)
	require.Len(t, got, 37)

	assert.Equal(t, from, got[0])
	assert.Equal(t, to, got[len(got)-1])

	step := (to - from) / 36
	for i := 1; i < len(got); i++ {
		assert.InDelta(t, step, got[i]-got[i-1], 1e-9)
	}
}

func TestSample_InvalidRange(t *testing.T) {
	tests := []struct {
		name     string
		from, to float64
	}{
		{"from equals to", 5, 5},
		{"from after to", 6, 5},
		{"negative from", -0.5, 5},
		{"to beyond duration", 0, 12.5},
		{"nan", math.NaN(), 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Sample(30, 12, tt.from, tt.to, 5)
			assert.ErrorIs(t, err, ErrInvalidRange)
		})
	}
}

func TestSample_CountLimit(t *testing.T) {
	got, err := Sample(30, 12, 0, 10, MaxFrames)
	require.NoError(t, err)
	assert.Len(t, got, MaxFrames)

	for _, count := range []int{MaxFrames + 1, math.MaxInt} {
		_, err := Sample(30, 12, 0, 10, count)
		assert.ErrorIs(t, err, ErrInvalidRange, "count=%d", count)
	}
}

func TestSample_InvalidMetadata(t *testing.T) {
	for _, fps := range []float64{0, -30, math.NaN(), math.Inf(1)} {
		_, err := Sample(fps, 12, 0, 10, 5)
		assert.ErrorIs(t, err, ErrInvalidMetadata, "fps=%v", fps)
	}

	// Checked before the window.
	_, err := Sample(0, 0, 5, 1, 5)
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestURLs(t *testing.T) {
	files := []string{"frame_0000.png", "frame_0001.png"}

	assert.Equal(t,
		[]string{"/frames/t1_1700000000/frame_0000.png", "/frames/t1_1700000000/frame_0001.png"},
		URLs("", "t1_1700000000", files),
	)
	assert.Equal(t,
		[]string{"https://cdn.example.com/frames/d/frame_0000.png", "https://cdn.example.com/frames/d/frame_0001.png"},
		URLs("https://cdn.example.com//", "d", files),
	)
	assert.Empty(t, URLs("", "d", nil))
}
