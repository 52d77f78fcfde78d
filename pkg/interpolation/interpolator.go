// Package interpolation evaluates a Volume between lattice points. It is
// shared by the registration metric and the resampler so both see the same
// values for the same continuous index.
package interpolation

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"volreg/internal/models"
)

// latticeSnap is how close a continuous index has to be to an integer to be
// treated as lying on the lattice.
const latticeSnap = 1e-6

// Interpolator evaluates a volume at a continuous voxel index.
type Interpolator interface {
	// Evaluate returns component c of v at idx. ok is false when idx lies
	// outside the sampled region of v.
	Evaluate(v *models.Volume, idx r3.Vec, c int) (value float64, ok bool)

	// Name identifies the interpolator in configuration and logs.
	Name() string
}

// Parse returns the interpolator registered under name.
func Parse(name string) (Interpolator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "linear":
		return Linear{}, nil
	case "nearest", "nearestneighbor", "nearest_neighbor":
		return NearestNeighbor{}, nil
	}
	return nil, fmt.Errorf("unknown interpolator %q (must be linear or nearest)", name)
}

// axis locates a continuous coordinate on an axis of n samples. It returns
// the lower lattice index, the weight of the upper neighbour and whether the
// coordinate is inside the buffer. A buffer covers half a voxel beyond its
// outermost samples, [-0.5, n-0.5]; coordinates in that shell take the value
// of the nearest edge sample. Single-sample axes are therefore one voxel
// thick slabs.
func axis(x float64, n int) (i0 int, frac float64, ok bool) {
	if math.IsNaN(x) || x < -0.5 || x > float64(n)-0.5 {
		return 0, 0, false
	}
	if n == 1 {
		return 0, 0, true
	}
	if r := math.Round(x); math.Abs(x-r) < latticeSnap {
		x = r
	}
	hi := float64(n - 1)
	x = math.Max(0, math.Min(hi, x))
	i0 = int(math.Floor(x))
	if i0 == n-1 {
		i0 = n - 2
	}
	return i0, x - float64(i0), true
}

// Linear is trilinear interpolation.
type Linear struct{}

// Name returns "linear"
func (Linear) Name() string { return "linear" }

// Evaluate implements Interpolator
func (Linear) Evaluate(v *models.Volume, idx r3.Vec, c int) (float64, bool) {
	x0, fx, okx := axis(idx.X, v.Size[0])
	y0, fy, oky := axis(idx.Y, v.Size[1])
	z0, fz, okz := axis(idx.Z, v.Size[2])
	if !okx || !oky || !okz {
		return 0, false
	}

	var sum float64
	for dz := 0; dz < 2; dz++ {
		wz := 1 - fz
		if dz == 1 {
			wz = fz
		}
		if wz == 0 {
			continue
		}
		for dy := 0; dy < 2; dy++ {
			wy := 1 - fy
			if dy == 1 {
				wy = fy
			}
			if wy == 0 {
				continue
			}
			for dx := 0; dx < 2; dx++ {
				wx := 1 - fx
				if dx == 1 {
					wx = fx
				}
				if wx == 0 {
					continue
				}
				sum += wx * wy * wz * v.At(x0+dx, y0+dy, z0+dz, c)
			}
		}
	}
	return sum, true
}

// NearestNeighbor picks the closest lattice sample. It keeps label values
// intact, which linear interpolation does not.
type NearestNeighbor struct{}

// Name returns "nearest"
func (NearestNeighbor) Name() string { return "nearest" }

// Evaluate implements Interpolator
func (NearestNeighbor) Evaluate(v *models.Volume, idx r3.Vec, c int) (float64, bool) {
	var ii [3]int
	for a, x := range [3]float64{idx.X, idx.Y, idx.Z} {
		i0, frac, ok := axis(x, v.Size[a])
		if !ok {
			return 0, false
		}
		ii[a] = i0
		if frac >= 0.5 {
			ii[a]++
		}
	}
	return v.At(ii[0], ii[1], ii[2], c), true
}
