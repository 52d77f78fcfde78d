package resample

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"volreg/internal/models"
	"volreg/pkg/interpolation"
	"volreg/pkg/transform"
)

func blob(size int, center r3.Vec, sigma float64) *models.Volume {
	v := models.NewVolume(models.NewGrid([3]int{size, size, size}, [3]float64{1, 1, 1}, [3]float64{}), models.Grayscale)
	v.ElementType = "MET_SHORT"
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				d := r3.Sub(r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)}, center)
				v.Set(x, y, z, 0, 100*math.Exp(-r3.Norm2(d)/(2*sigma*sigma)))
			}
		}
	}
	return v
}

// quarterTurn rotates by 90 degrees about z and shifts by one voxel, mapping
// lattice points onto lattice points.
func quarterTurn() *transform.Rigid {
	return transform.FromEuler(r3.Vec{Z: math.Pi / 2}, r3.Vec{X: 1}, r3.Vec{X: 4, Y: 4, Z: 4})
}

func TestResampleIdentityIsExact(t *testing.T) {
	moving := blob(9, r3.Vec{X: 3, Y: 4.5, Z: 5}, 2)
	out, err := Resample(context.Background(), moving.Grid, moving, transform.Identity(moving.GeometricCenter()), Options{Workers: 3})
	require.NoError(t, err)
	assert.Equal(t, moving.Data, out.Data)
	assert.Equal(t, moving.Grid, out.Grid)
	assert.Equal(t, "MET_SHORT", out.ElementType)
	assert.Equal(t, models.Grayscale, out.Kind)
}

func TestResampleLatticeRoundTrip(t *testing.T) {
	moving := blob(9, r3.Vec{X: 4, Y: 3, Z: 4}, 2)
	tr := quarterTurn()
	inv, err := transform.Invert(tr)
	require.NoError(t, err)

	forward, err := Resample(context.Background(), moving.Grid, moving, tr, Options{DefaultValue: -1})
	require.NoError(t, err)
	back, err := Resample(context.Background(), moving.Grid, forward, inv, Options{DefaultValue: -1})
	require.NoError(t, err)

	for z := 0; z < 9; z++ {
		for y := 0; y < 9; y++ {
			for x := 0; x < 9; x++ {
				if back.At(x, y, z, 0) == -1 {
					continue
				}
				assert.InDelta(t, moving.At(x, y, z, 0), back.At(x, y, z, 0), 1e-9, "voxel (%d,%d,%d)", x, y, z)
			}
		}
	}
	// the blob centre never leaves the volume
	assert.InDelta(t, moving.At(4, 3, 4, 0), back.At(4, 3, 4, 0), 1e-9)
}

func TestResampleRoundTripIsInterpolationLossOnly(t *testing.T) {
	moving := blob(21, r3.Vec{X: 10, Y: 10, Z: 10}, 4)
	tr := transform.FromEuler(r3.Vec{X: 0.05, Y: -0.1, Z: 0.15}, r3.Vec{X: 0.4, Y: -0.3, Z: 0.2}, moving.GeometricCenter())
	inv, err := transform.Invert(tr)
	require.NoError(t, err)

	forward, err := Resample(context.Background(), moving.Grid, moving, tr, Options{})
	require.NoError(t, err)
	back, err := Resample(context.Background(), moving.Grid, forward, inv, Options{})
	require.NoError(t, err)

	for z := 7; z <= 13; z++ {
		for y := 7; y <= 13; y++ {
			for x := 7; x <= 13; x++ {
				assert.InDelta(t, moving.At(x, y, z, 0), back.At(x, y, z, 0), 6, "voxel (%d,%d,%d)", x, y, z)
			}
		}
	}
}

func TestResampleCompanionConsistency(t *testing.T) {
	gray := blob(9, r3.Vec{X: 3, Y: 5, Z: 4}, 1.5)
	seg := gray.CloneEmpty(gray.Grid)
	seg.Kind = models.Label
	for i, v := range gray.Data {
		if v > 50 {
			seg.Data[i] = 1
		}
	}
	tr := quarterTurn()

	grayOut, err := Resample(context.Background(), gray.Grid, gray, tr, Options{})
	require.NoError(t, err)
	segOut, err := Resample(context.Background(), gray.Grid, seg, tr, Options{Interpolator: interpolation.NearestNeighbor{}})
	require.NoError(t, err)
	assert.Equal(t, models.Label, segOut.Kind)

	var labelled int
	for i := range segOut.Data {
		assert.Equal(t, grayOut.Data[i] > 50, segOut.Data[i] == 1, "voxel %d", i)
		if segOut.Data[i] == 1 {
			labelled++
		}
	}
	assert.Positive(t, labelled)
}

func TestResampleFillValue(t *testing.T) {
	moving := blob(5, r3.Vec{X: 2, Y: 2, Z: 2}, 1)
	out, err := Resample(context.Background(), moving.Grid, moving, transform.NewTranslation(r3.Vec{X: 100}, r3.Vec{}), Options{DefaultValue: -7})
	require.NoError(t, err)
	for _, v := range out.Data {
		assert.Equal(t, -7.0, v)
	}
}

func TestResampleSubVoxelShiftAtBorder(t *testing.T) {
	moving := models.NewVolume(models.NewGrid([3]int{10, 10, 10}, [3]float64{1, 1, 1}, [3]float64{}), models.Grayscale)
	for i := range moving.Data {
		moving.Data[i] = 50
	}

	// x=9 samples the moving volume at 9.3, inside its extent
	out, err := Resample(context.Background(), moving.Grid, moving, transform.NewTranslation(r3.Vec{X: 0.3}, r3.Vec{}), Options{DefaultValue: -1})
	require.NoError(t, err)
	for _, v := range out.Data {
		assert.Equal(t, 50.0, v)
	}

	// 9.6 lies past the extent
	out, err = Resample(context.Background(), moving.Grid, moving, transform.NewTranslation(r3.Vec{X: 0.6}, r3.Vec{}), Options{DefaultValue: -1})
	require.NoError(t, err)
	for z := 0; z < 10; z++ {
		for y := 0; y < 10; y++ {
			assert.Equal(t, 50.0, out.At(8, y, z, 0))
			assert.Equal(t, -1.0, out.At(9, y, z, 0))
		}
	}
}

func TestResampleOntoOtherGrid(t *testing.T) {
	moving := blob(8, r3.Vec{X: 4, Y: 4, Z: 4}, 2)
	moving.Components = 2
	data := make([]float64, 0, 2*len(moving.Data))
	for _, v := range moving.Data {
		data = append(data, v, -v)
	}
	moving.Data = data

	ref := models.NewGrid([3]int{4, 4, 1}, [3]float64{2, 2, 1}, [3]float64{0, 0, 4})
	out, err := Resample(context.Background(), ref, moving, transform.Identity(r3.Vec{}), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Components)
	assert.Len(t, out.Data, 32)
	assert.Equal(t, moving.At(2, 4, 4, 0), out.At(1, 2, 0, 0))
	assert.Equal(t, moving.At(2, 4, 4, 1), out.At(1, 2, 0, 1))
}

func TestResampleEmpty(t *testing.T) {
	_, err := Resample(context.Background(), models.NewGrid([3]int{2, 2, 2}, [3]float64{1, 1, 1}, [3]float64{}), &models.Volume{}, transform.Identity(r3.Vec{}), Options{})
	assert.ErrorIs(t, err, models.ErrEmptyVolume)
}
