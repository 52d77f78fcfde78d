package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// gridTolerance bounds the difference allowed between two grids that are
// considered identical.
const gridTolerance = 1e-6

// IdentityDirection is the axis-aligned direction matrix.
var IdentityDirection = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Grid is the affine map from voxel index to physical coordinate:
//
//	p = Origin + Direction · diag(Spacing) · index
//
// Direction is stored row-major; its columns are the physical directions of
// the x, y and z index axes. An all-zero Direction is read as the identity.
type Grid struct {
	Size      [3]int
	Spacing   [3]float64
	Origin    [3]float64
	Direction [9]float64
}

// NewGrid returns an axis-aligned grid.
func NewGrid(size [3]int, spacing, origin [3]float64) Grid {
	return Grid{Size: size, Spacing: spacing, Origin: origin, Direction: IdentityDirection}
}

// NumVoxels returns the number of voxels on the grid.
func (g Grid) NumVoxels() int {
	n := 1
	for _, s := range g.Size {
		if s <= 0 {
			return 0
		}
		n *= s
	}
	return n
}

// Dimension returns 2 for single-slice grids and 3 otherwise.
func (g Grid) Dimension() int {
	if g.Size[2] == 1 {
		return 2
	}
	return 3
}

// Offset returns the linear voxel offset of (x, y, z).
func (g Grid) Offset(x, y, z int) int {
	return (z*g.Size[1]+y)*g.Size[0] + x
}

// DirectionMatrix returns the effective direction matrix.
func (g Grid) DirectionMatrix() [9]float64 {
	if g.Direction == ([9]float64{}) {
		return IdentityDirection
	}
	return g.Direction
}

// IndexToPhysical maps a (possibly fractional) voxel index to physical space.
func (g Grid) IndexToPhysical(idx r3.Vec) r3.Vec {
	d := g.DirectionMatrix()
	sx, sy, sz := idx.X*g.Spacing[0], idx.Y*g.Spacing[1], idx.Z*g.Spacing[2]
	return r3.Vec{
		X: g.Origin[0] + d[0]*sx + d[1]*sy + d[2]*sz,
		Y: g.Origin[1] + d[3]*sx + d[4]*sy + d[5]*sz,
		Z: g.Origin[2] + d[6]*sx + d[7]*sy + d[8]*sz,
	}
}

// GeometricCenter is the physical point at the centre of the index range,
// i.e. continuous index (size-1)/2 on every axis. It does not depend on the
// sample values.
func (g Grid) GeometricCenter() r3.Vec {
	return g.IndexToPhysical(r3.Vec{
		X: float64(g.Size[0]-1) / 2,
		Y: float64(g.Size[1]-1) / 2,
		Z: float64(g.Size[2]-1) / 2,
	})
}

// Corners returns the eight physical corners of the voxel-centre lattice.
func (g Grid) Corners() []r3.Vec {
	return g.corners(0)
}

// ExtentCorners returns the eight physical corners of the region covered by
// the voxels, including the half voxel around the outermost centres.
func (g Grid) ExtentCorners() []r3.Vec {
	return g.corners(0.5)
}

// PhysicalBounds returns the axis-aligned bounding box of ExtentCorners.
func (g Grid) PhysicalBounds() (lo, hi r3.Vec) {
	return Bounds(g.corners(0.5))
}

func (g Grid) corners(pad float64) []r3.Vec {
	hi := [3]float64{}
	for i := range hi {
		hi[i] = float64(g.Size[i]-1) + pad
	}
	out := make([]r3.Vec, 0, 8)
	for _, z := range []float64{-pad, hi[2]} {
		for _, y := range []float64{-pad, hi[1]} {
			for _, x := range []float64{-pad, hi[0]} {
				out = append(out, g.IndexToPhysical(r3.Vec{X: x, Y: y, Z: z}))
			}
		}
	}
	return out
}

// Bounds returns the axis-aligned bounding box of a set of points.
func Bounds(points []r3.Vec) (lo, hi r3.Vec) {
	lo = r3.Vec{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi = r3.Vec{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, p := range points {
		lo = r3.Vec{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = r3.Vec{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	return lo, hi
}

// BoxesOverlap reports whether two axis-aligned boxes share any volume.
func BoxesOverlap(aLo, aHi, bLo, bHi r3.Vec) bool {
	return aLo.X < bHi.X && bLo.X < aHi.X &&
		aLo.Y < bHi.Y && bLo.Y < aHi.Y &&
		aLo.Z < bHi.Z && bLo.Z < aHi.Z
}

// GridCompatible reports whether a and b describe the same index to physical
// mapping.
func GridCompatible(a, b Grid) bool {
	if a.Size != b.Size {
		return false
	}
	for i := 0; i < 3; i++ {
		if math.Abs(a.Spacing[i]-b.Spacing[i]) > gridTolerance ||
			math.Abs(a.Origin[i]-b.Origin[i]) > gridTolerance {
			return false
		}
	}
	da, db := a.DirectionMatrix(), b.DirectionMatrix()
	for i := range da {
		if math.Abs(da[i]-db[i]) > gridTolerance {
			return false
		}
	}
	return true
}

// Mapper converts physical points to continuous voxel indices on a grid. It
// caches the inverse of Direction·diag(Spacing).
type Mapper struct {
	grid    Grid
	inverse [9]float64
}

// Mapper builds the physical to index mapping for g. It fails if the
// direction matrix is singular or a spacing is zero.
func (g Grid) Mapper() (*Mapper, error) {
	d := g.DirectionMatrix()
	a := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			a.Set(r, c, d[r*3+c]*g.Spacing[c])
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, fmt.Errorf("grid index mapping is not invertible: %w", err)
	}
	m := &Mapper{grid: g}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.inverse[r*3+c] = inv.At(r, c)
		}
	}
	return m, nil
}

// Grid returns the grid the mapper was built for.
func (m *Mapper) Grid() Grid { return m.grid }

// PhysicalToIndex maps a physical point to a continuous voxel index.
func (m *Mapper) PhysicalToIndex(p r3.Vec) r3.Vec {
	o := m.grid.Origin
	dx, dy, dz := p.X-o[0], p.Y-o[1], p.Z-o[2]
	v := m.inverse
	return r3.Vec{
		X: v[0]*dx + v[1]*dy + v[2]*dz,
		Y: v[3]*dx + v[4]*dy + v[5]*dz,
		Z: v[6]*dx + v[7]*dy + v[8]*dz,
	}
}
