package interpolation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"volreg/internal/models"
)

// createRampVolume returns a volume whose value is x + 10y + 100z
func createRampVolume(w, h, d int) *models.Volume {
	v := models.NewVolume(models.NewGrid([3]int{w, h, d}, [3]float64{1, 1, 1}, [3]float64{}), models.Grayscale)
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v.Set(x, y, z, 0, float64(x+10*y+100*z))
			}
		}
	}
	return v
}

func TestLinearOnLattice(t *testing.T) {
	v := createRampVolume(4, 3, 2)
	for z := 0; z < 2; z++ {
		for y := 0; y < 3; y++ {
			for x := 0; x < 4; x++ {
				got, ok := Linear{}.Evaluate(v, r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)}, 0)
				require.True(t, ok)
				assert.Equal(t, v.At(x, y, z, 0), got)
			}
		}
	}
}

func TestLinearBetweenLattice(t *testing.T) {
	v := createRampVolume(4, 3, 2)
	got, ok := Linear{}.Evaluate(v, r3.Vec{X: 1.5, Y: 0.25, Z: 0.5}, 0)
	require.True(t, ok)
	assert.InDelta(t, 1.5+2.5+50, got, 1e-12)

	// the far edge is inside the buffer
	got, ok = Linear{}.Evaluate(v, r3.Vec{X: 3, Y: 2, Z: 1}, 0)
	require.True(t, ok)
	assert.Equal(t, 123.0, got)
}

func TestLinearOutside(t *testing.T) {
	v := createRampVolume(4, 3, 2)
	for _, idx := range []r3.Vec{{X: -0.51}, {X: 3.51}, {Y: 2.6}, {Z: -1}} {
		_, ok := Linear{}.Evaluate(v, idx, 0)
		assert.False(t, ok, "index %v", idx)
	}
}

func TestLinearEdgeShell(t *testing.T) {
	v := createRampVolume(4, 3, 2)
	testCases := []struct {
		idx      r3.Vec
		expected float64
	}{
		{r3.Vec{X: 3.3, Y: 1}, 13},
		{r3.Vec{X: -0.4, Y: 1}, 10},
		{r3.Vec{X: 3.5, Y: 2, Z: 1.5}, 123},
		{r3.Vec{X: 1.5, Y: -0.5}, 1.5},
	}
	for _, tc := range testCases {
		got, ok := Linear{}.Evaluate(v, tc.idx, 0)
		require.True(t, ok, "index %v", tc.idx)
		assert.InDelta(t, tc.expected, got, 1e-12, "index %v", tc.idx)

		got, ok = NearestNeighbor{}.Evaluate(v, tc.idx, 0)
		require.True(t, ok, "index %v", tc.idx)
		assert.Equal(t, math.Floor(tc.expected+0.5), got, "index %v", tc.idx)
	}
}

func TestLinearSingleSlice(t *testing.T) {
	v := createRampVolume(4, 4, 1)
	got, ok := Linear{}.Evaluate(v, r3.Vec{X: 2, Y: 1.5, Z: 0.4}, 0)
	require.True(t, ok)
	assert.InDelta(t, 17.0, got, 1e-12)

	_, ok = Linear{}.Evaluate(v, r3.Vec{X: 2, Y: 1, Z: 0.6}, 0)
	assert.False(t, ok)
}

func TestNearestNeighbor(t *testing.T) {
	v := createRampVolume(4, 3, 2)
	got, ok := NearestNeighbor{}.Evaluate(v, r3.Vec{X: 1.6, Y: 0.4, Z: 0.5}, 0)
	require.True(t, ok)
	assert.Equal(t, 102.0, got)

	got, ok = NearestNeighbor{}.Evaluate(v, r3.Vec{X: 3, Y: 2, Z: 1}, 0)
	require.True(t, ok)
	assert.Equal(t, 123.0, got)
}

func TestParse(t *testing.T) {
	testCases := []struct {
		name     string
		expected string
	}{
		{"", "linear"},
		{"Linear", "linear"},
		{"nearest", "nearest"},
		{"NearestNeighbor", "nearest"},
	}
	for _, tc := range testCases {
		interp, err := Parse(tc.name)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.expected, interp.Name())
	}

	_, err := Parse("bspline")
	assert.Error(t, err)
}
