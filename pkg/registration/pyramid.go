package registration

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"volreg/internal/models"
	"volreg/pkg/interpolation"
)

// Level is one resolution of the multi-resolution schedule.
type Level struct {
	// ShrinkFactor is the integer downsampling applied on every axis
	ShrinkFactor int

	// SmoothingSigma is the Gaussian sigma in physical units applied before shrinking
	SmoothingSigma float64
}

// smooth convolves v with a separable Gaussian of the given physical sigma.
// Axes with a single voxel are left alone and edges are replicated.
func smooth(v *models.Volume, sigma float64) *models.Volume {
	out := v.Clone()
	if sigma <= 0 {
		return out
	}
	for a := 0; a < 3; a++ {
		if v.Size[a] < 2 {
			continue
		}
		kernel := gaussianKernel(sigma / v.Spacing[a])
		if len(kernel) < 2 {
			continue
		}
		out = convolveAxis(out, a, kernel)
	}
	return out
}

// gaussianKernel returns a normalised kernel truncated at 3 sigma (in voxels).
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		return []float64{1}
	}
	k := make([]float64, 2*radius+1)
	var sum float64
	for i := range k {
		d := float64(i - radius)
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

func convolveAxis(v *models.Volume, a int, kernel []float64) *models.Volume {
	out := v.Clone()
	radius := len(kernel) / 2
	n := v.Size[a]
	comps := v.NumComponents()
	for z := 0; z < v.Size[2]; z++ {
		for y := 0; y < v.Size[1]; y++ {
			for x := 0; x < v.Size[0]; x++ {
				pos := [3]int{x, y, z}
				for c := 0; c < comps; c++ {
					var sum float64
					for k, w := range kernel {
						p := pos
						p[a] = clampInt(pos[a]+k-radius, 0, n-1)
						sum += w * v.At(p[0], p[1], p[2], c)
					}
					out.Set(x, y, z, c, sum)
				}
			}
		}
	}
	return out
}

// shrink downsamples v by factor on every axis with more than one voxel.
// Each output voxel sits at the centre of the block of input voxels it
// replaces, so the physical extent of the volume is preserved.
func shrink(v *models.Volume, factor int) *models.Volume {
	if factor <= 1 {
		return v
	}
	grid := v.Grid
	var start r3.Vec
	var step [3]float64
	for a := 0; a < 3; a++ {
		f := factor
		if v.Size[a] < 2 {
			f = 1
		}
		grid.Size[a] = max(1, v.Size[a]/f)
		grid.Spacing[a] = v.Spacing[a] * float64(f)
		step[a] = float64(f)
		switch a {
		case 0:
			start.X = float64(f-1) / 2
		case 1:
			start.Y = float64(f-1) / 2
		case 2:
			start.Z = float64(f-1) / 2
		}
	}
	o := v.IndexToPhysical(start)
	grid.Origin = [3]float64{o.X, o.Y, o.Z}

	out := v.CloneEmpty(grid)
	lin := interpolation.Linear{}
	for z := 0; z < grid.Size[2]; z++ {
		for y := 0; y < grid.Size[1]; y++ {
			for x := 0; x < grid.Size[0]; x++ {
				idx := r3.Vec{
					X: start.X + float64(x)*step[0],
					Y: start.Y + float64(y)*step[1],
					Z: start.Z + float64(z)*step[2],
				}
				for c := 0; c < out.NumComponents(); c++ {
					value, _ := lin.Evaluate(v, idx, c)
					out.Set(x, y, z, c, value)
				}
			}
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
