package transform

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// EulerMatrix returns the rotation for angles (in radians) about x, y and z
// composed as Rz·Rx·Ry.
func EulerMatrix(angles r3.Vec) [9]float64 {
	return eulerMatrix(angles, false)
}

// eulerMatrix composes the axis rotations as Rz·Ry·Rx when zyx is set and
// Rz·Rx·Ry otherwise.
func eulerMatrix(angles r3.Vec, zyx bool) [9]float64 {
	cx, sx := math.Cos(angles.X), math.Sin(angles.X)
	cy, sy := math.Cos(angles.Y), math.Sin(angles.Y)
	cz, sz := math.Cos(angles.Z), math.Sin(angles.Z)

	rx := mat.NewDense(3, 3, []float64{1, 0, 0, 0, cx, -sx, 0, sx, cx})
	ry := mat.NewDense(3, 3, []float64{cy, 0, sy, 0, 1, 0, -sy, 0, cy})
	rz := mat.NewDense(3, 3, []float64{cz, -sz, 0, sz, cz, 0, 0, 0, 1})

	var out mat.Dense
	if zyx {
		out.Product(rz, ry, rx)
	} else {
		out.Product(rz, rx, ry)
	}
	return fromDense(&out)
}

// FromEuler builds a rigid transform from Euler angles, a translation and a
// rotation center.
func FromEuler(angles, translation, center r3.Vec) *Rigid {
	return New(EulerMatrix(angles), translation, center)
}

// FromEuler2D builds an in-plane rotation by angle about center followed by
// translation (tx, ty).
func FromEuler2D(angle, tx, ty float64, center r3.Vec) *Rigid {
	return FromEuler(r3.Vec{Z: angle}, r3.Vec{X: tx, Y: ty}, center)
}
