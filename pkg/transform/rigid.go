// Package transform provides the spatial transform used to align two volumes
// and its on-disk representation.
//
// A Rigid maps points from the fixed volume's physical space to the moving
// volume's physical space:
//
//	Apply(p) = M·(p - center) + center + translation
//
// which is the convention the resampler needs: every output voxel is filled
// by sampling the moving volume at the image of its own physical position.
// Rigid values are immutable; every operation returns a new transform.
package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Rigid is a rotation about a fixed center followed by a translation. The
// linear part is stored as a general 3x3 matrix so that transforms read from
// disk can be checked for invertibility instead of being assumed orthonormal.
type Rigid struct {
	matrix      [9]float64
	translation r3.Vec
	center      r3.Vec
}

var identityMatrix = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Identity returns the identity transform rotating about center.
func Identity(center r3.Vec) *Rigid {
	return &Rigid{matrix: identityMatrix, center: center}
}

// NewTranslation returns a pure translation with the given rotation center.
func NewTranslation(translation, center r3.Vec) *Rigid {
	return &Rigid{matrix: identityMatrix, translation: translation, center: center}
}

// New returns a transform with the given row-major linear part, translation
// and rotation center.
func New(matrix [9]float64, translation, center r3.Vec) *Rigid {
	return &Rigid{matrix: matrix, translation: translation, center: center}
}

// Apply maps a fixed-space physical point to moving space.
func (t *Rigid) Apply(p r3.Vec) r3.Vec {
	return r3.Add(r3.Add(mulVec(t.matrix, r3.Sub(p, t.center)), t.center), t.translation)
}

// Matrix returns the row-major linear part.
func (t *Rigid) Matrix() [9]float64 { return t.matrix }

// Translation returns the translation applied after rotation.
func (t *Rigid) Translation() r3.Vec { return t.translation }

// Center returns the rotation center.
func (t *Rigid) Center() r3.Vec { return t.center }

// Offset returns the constant term of the equivalent affine map M·p + offset.
func (t *Rigid) Offset() r3.Vec {
	return r3.Sub(r3.Add(t.center, t.translation), mulVec(t.matrix, t.center))
}

// Determinant returns the determinant of the linear part.
func (t *Rigid) Determinant() float64 {
	return mat.Det(t.dense())
}

// Equal reports whether t and o describe the same mapping within tol. The
// comparison is on the affine form, so two transforms with different centers
// may still be equal.
func (t *Rigid) Equal(o *Rigid, tol float64) bool {
	for i := range t.matrix {
		if math.Abs(t.matrix[i]-o.matrix[i]) > tol {
			return false
		}
	}
	return r3.Norm(r3.Sub(t.Offset(), o.Offset())) <= tol
}

// String formats the transform for logs.
func (t *Rigid) String() string {
	return fmt.Sprintf("Rigid{matrix: %v, translation: %v, center: %v}", t.matrix, t.translation, t.center)
}

// Compose returns outer∘inner, the transform that applies inner first. The
// result keeps inner's center. Neither argument is modified.
func Compose(outer, inner *Rigid) *Rigid {
	var prod mat.Dense
	prod.Mul(outer.dense(), inner.dense())

	// outer(inner(p)) = Mo·Mi·(p - ci) + Mo·(ci + ti - co) + co + to
	shift := r3.Sub(r3.Add(inner.center, inner.translation), outer.center)
	translation := r3.Sub(r3.Add(r3.Add(mulVec(outer.matrix, shift), outer.center), outer.translation), inner.center)

	return &Rigid{
		matrix:      fromDense(&prod),
		translation: translation,
		center:      inner.center,
	}
}

func (t *Rigid) dense() *mat.Dense {
	m := t.matrix
	return mat.NewDense(3, 3, m[:])
}

func fromDense(d mat.Matrix) [9]float64 {
	var out [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = d.At(r, c)
		}
	}
	return out
}

func mulVec(m [9]float64, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}
