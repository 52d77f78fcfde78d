package registration

import (
	"gonum.org/v1/gonum/spatial/r3"

	"volreg/internal/models"
	"volreg/pkg/transform"
)

// smallParameterVariation is the parameter step used to measure how far the
// fixed domain moves per unit parameter change.
const smallParameterVariation = 0.01

// parameterization maps an optimizer parameter vector onto a transform. The
// parameters describe an Euler increment about the seed's center, applied
// before the seed: final = seed ∘ increment. In 3D the vector is
// (rx, ry, rz, tx, ty, tz); in 2D it is (rz, tx, ty).
type parameterization struct {
	seed *transform.Rigid
	dim  int
}

func (p parameterization) count() int {
	if p.dim == 2 {
		return 3
	}
	return 6
}

func (p parameterization) increment(params []float64) *transform.Rigid {
	c := p.seed.Center()
	if p.dim == 2 {
		return transform.FromEuler2D(params[0], params[1], params[2], c)
	}
	return transform.FromEuler(
		r3.Vec{X: params[0], Y: params[1], Z: params[2]},
		r3.Vec{X: params[3], Y: params[4], Z: params[5]},
		c,
	)
}

// transform returns a new transform; the seed is never modified.
func (p parameterization) transform(params []float64) *transform.Rigid {
	return transform.Compose(p.seed, p.increment(params))
}

// physicalShiftScales returns, for every parameter, the largest distance a
// corner of the fixed grid moves per unit change of that parameter around
// params. Dividing the search space by these scales puts rotations and
// translations on a common millimetre footing.
func physicalShiftScales(grid models.Grid, p parameterization, params []float64) []float64 {
	corners := grid.Corners()
	base := p.transform(params)
	ref := make([]r3.Vec, len(corners))
	for i, c := range corners {
		ref[i] = base.Apply(c)
	}

	scales := make([]float64, len(params))
	shifted := make([]float64, len(params))
	for i := range params {
		copy(shifted, params)
		shifted[i] += smallParameterVariation
		t := p.transform(shifted)

		var maxShift float64
		for j, c := range corners {
			maxShift = max(maxShift, r3.Norm(r3.Sub(t.Apply(c), ref[j])))
		}
		scales[i] = maxShift / smallParameterVariation
		if scales[i] <= 0 {
			scales[i] = 1
		}
	}
	return scales
}
