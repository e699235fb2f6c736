package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCorrection(t *testing.T, c int, dir Direction, seed uint64) *CorrectionLayer[float64] {
	t.Helper()
	l, err := NewCorrectionLayer[float64](c, dir)
	require.NoError(t, err)
	l.Reset(NewSource(seed))
	return l
}

func TestParseDirection(t *testing.T) {
	for code := 0; code < 4; code++ {
		d, err := ParseDirection(code)
		require.NoError(t, err)
		assert.Equal(t, Direction(code), d)
	}
	for _, code := range []int{-1, 4, 7} {
		_, err := ParseDirection(code)
		assert.ErrorIs(t, err, ErrInvalidDirection)
	}
	_, err := NewCorrectionLayer[float32](4, Direction(5))
	assert.ErrorIs(t, err, ErrInvalidDirection)
}

// The first line of every sweep is left untouched; all other lines change.
func TestCorrectionFirstLineFixed(t *testing.T) {
	const N, C, H, W = 2, 3, 4, 5
	tests := []struct {
		dir   Direction
		fixed func(h, w int) bool
	}{
		{DirLeftToRight, func(h, w int) bool { return w == 0 }},
		{DirRightToLeft, func(h, w int) bool { return w == W-1 }},
		{DirTopToBottom, func(h, w int) bool { return h == 0 }},
		{DirBottomToTop, func(h, w int) bool { return h == H-1 }},
	}
	for _, tt := range tests {
		t.Run(tt.dir.String(), func(t *testing.T) {
			l := newTestCorrection(t, C, tt.dir, 51)
			x := randTensor[float64](52, N, C, H, W)
			out, err := l.Forward(x.Clone())
			require.NoError(t, err)
			assert.Equal(t, LayoutChannelsLast, out.Layout)
			assert.Equal(t, x.Shape, out.Shape)

			for b := 0; b < N; b++ {
				for h := 0; h < H; h++ {
					for w := 0; w < W; w++ {
						changed := false
						for c := 0; c < C; c++ {
							if out.At(b, c, h, w) != x.At(b, c, h, w) {
								changed = true
							}
						}
						assert.Equal(t, !tt.fixed(h, w), changed, "b=%d h=%d w=%d", b, h, w)
					}
				}
			}
		})
	}
}

func TestCorrectionSweepsAlongCorrectAxis(t *testing.T) {
	// One row, many columns: a horizontal sweep has work to do, a vertical
	// sweep does not.
	x := randTensor[float64](61, 1, 2, 1, 6)

	horizontal := newTestCorrection(t, 2, DirLeftToRight, 62)
	out, err := horizontal.Forward(x.Clone())
	require.NoError(t, err)
	assert.NotEqual(t, x.Data, out.Contiguous().Data)
	assert.Len(t, horizontal.steps, 5)

	vertical := newTestCorrection(t, 2, DirBottomToTop, 62)
	out, err = vertical.Forward(x.Clone())
	require.NoError(t, err)
	assert.Equal(t, x.Data, out.Contiguous().Data)
	assert.Empty(t, vertical.steps)
}

func TestCorrectionDegenerateIsIdentity(t *testing.T) {
	for _, dir := range []Direction{DirLeftToRight, DirRightToLeft} {
		l := newTestCorrection(t, 3, dir, 63)
		x := randTensor[float64](64, 2, 3, 4, 1)
		out, err := l.Forward(x.Clone())
		require.NoError(t, err)
		assert.Equal(t, x.Data, out.Contiguous().Data)

		grad := randTensor[float64](65, 2, 3, 4, 1)
		gradIn, err := l.Backward(grad)
		require.NoError(t, err)
		assert.Equal(t, grad.Data, gradIn.Contiguous().Data)
	}
}

func TestCorrectionInPlaceOnChannelsLast(t *testing.T) {
	l := newTestCorrection(t, 2, DirTopToBottom, 66)
	grid := randTensor[float64](67, 1, 2, 3, 3).ToChannelsLast()
	before := grid.Clone()

	out, err := l.Forward(grid)
	require.NoError(t, err)
	assert.Same(t, grid, out)
	assert.NotEqual(t, before.Data, grid.Data)

	// A contiguous grid is copied; the caller's buffer is untouched
	x := randTensor[float64](68, 1, 2, 3, 3)
	orig := x.Clone()
	_, err = l.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, orig.Data, x.Data)
}

func TestCorrectionRejectsBadGrid(t *testing.T) {
	l := newTestCorrection(t, 4, DirLeftToRight, 69)
	grid := randTensor[float64](70, 1, 3, 4, 4).ToChannelsLast()
	before := grid.Clone()

	_, err := l.Forward(grid)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Equal(t, before.Data, grid.Data, "failed sweep must not write the grid")

	_, err = l.Forward(NewTensor[float64](4, 4, 4))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	fresh := newTestCorrection(t, 4, DirLeftToRight, 69)
	_, err = fresh.Backward(NewTensor[float64](1, 4, 4, 4))
	assert.ErrorIs(t, err, ErrNoForward)
}

func TestCorrectionZeroPadCache(t *testing.T) {
	l := newTestCorrection(t, 2, DirRightToLeft, 71)

	for i := 0; i < 3; i++ {
		_, err := l.Forward(randTensor[float64](72, 2, 2, 3, 3))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, l.Invalidations(), "same batch size reuses the boundary vector")

	_, err := l.Forward(randTensor[float64](73, 3, 2, 3, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, l.Invalidations())

	gpuGrid := randTensor[float64](74, 3, 2, 3, 3)
	gpuGrid.Device = DeviceGPU
	out, err := l.Forward(gpuGrid)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Invalidations())
	assert.Equal(t, DeviceGPU, out.Device)

	// Spatial size changes do not touch the cache
	gpuGrid = randTensor[float64](75, 3, 2, 5, 4)
	gpuGrid.Device = DeviceGPU
	_, err = l.Forward(gpuGrid)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Invalidations())
}

// With z ≈ 0 the update is h' ≈ n. Routing only the p−1 neighbor into n
// makes every position next to the boundary read the zero vector.
func TestCorrectionBoundaryReadsZero(t *testing.T) {
	const C = 1
	l, err := NewCorrectionLayer[float64](C, DirLeftToRight)
	require.NoError(t, err)
	gru := l.Cell.GRU
	// weight_ih rows (r, z, n) over inputs (p-1, p, p+1)
	copy(gru.WeightIH.Value.Data, []float64{
		0, 0, 0,
		0, 0, 0,
		1, 0, 0,
	})
	gru.BiasIH.Value.Data[1] = -50

	x := randTensor[float64](81, 1, C, 4, 3)
	for i := range x.Data {
		x.Data[i] += 3 // keep every value away from zero
	}
	out, err := l.Forward(x.Clone())
	require.NoError(t, err)

	for w := 1; w < 3; w++ {
		// Position h=0 has no h-1 neighbor
		assert.InDelta(t, 0, out.At(0, 0, 0, w), 1e-12, "w=%d", w)
		for h := 1; h < 4; h++ {
			want := math.Tanh(out.At(0, 0, h-1, w-1))
			assert.InDelta(t, want, out.At(0, 0, h, w), 1e-12, "h=%d w=%d", h, w)
		}
	}
}

func TestCorrectionOrderMatters(t *testing.T) {
	x := randTensor[float64](91, 1, 3, 4, 4)
	run := func(dirs ...Direction) []float64 {
		grid := x.ToChannelsLast()
		for _, d := range dirs {
			l := newTestCorrection(t, 3, d, 92+uint64(d))
			var err error
			grid, err = l.Forward(grid)
			require.NoError(t, err)
		}
		return grid.Contiguous().Data
	}

	a := run(DirLeftToRight, DirTopToBottom)
	b := run(DirTopToBottom, DirLeftToRight)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, run(DirLeftToRight, DirTopToBottom), "sweeps are deterministic")

	assert.NotEqual(t, run(DirLeftToRight, DirRightToLeft), run(DirRightToLeft, DirLeftToRight))
}

func TestCorrectionGradients(t *testing.T) {
	for _, dir := range []Direction{DirLeftToRight, DirRightToLeft, DirTopToBottom, DirBottomToTop} {
		t.Run(dir.String(), func(t *testing.T) {
			l := newTestCorrection(t, 2, dir, 101)
			checkGradients(t, l, randTensor[float64](102, 2, 2, 3, 4))
		})
	}
}
