package models

import (
	"fmt"
)

// PixelKind tells downstream consumers how the samples of a Volume are meant
// to be read. It has no effect on storage.
type PixelKind int

const (
	// Grayscale volumes carry continuous intensities (e.g. XCT attenuation).
	Grayscale PixelKind = iota
	// Label volumes carry discrete segmentation labels.
	Label
)

// String returns the lower-case name of the pixel kind
func (k PixelKind) String() string {
	switch k {
	case Grayscale:
		return "grayscale"
	case Label:
		return "label"
	default:
		return fmt.Sprintf("PixelKind(%d)", int(k))
	}
}

// Volume represents a sampled 3D scalar field together with the spatial
// metadata needed to place every voxel in physical space. A 2D image is a
// Volume whose third axis has a single voxel.
type Volume struct {
	// Grid holds size, spacing, origin and direction
	Grid

	// Data is the volume data as a 1D array in row-major order
	// (x fastest, then y, then z). When Components > 1 the components of
	// a voxel are stored next to each other.
	Data []float64

	// Components is the number of samples per voxel (usually 1)
	Components int

	// Kind is grayscale or label
	Kind PixelKind

	// ElementType is the on-disk sample representation the volume was
	// read from, e.g. "MET_SHORT". Writers fall back to MET_DOUBLE when empty.
	ElementType string
}

// NewVolume allocates a zero-filled single-component volume on the given grid.
func NewVolume(grid Grid, kind PixelKind) *Volume {
	return &Volume{
		Grid:       grid,
		Data:       make([]float64, grid.NumVoxels()),
		Components: 1,
		Kind:       kind,
	}
}

// CloneEmpty returns a zero-filled volume on grid that carries v's kind,
// component count and element type.
func (v *Volume) CloneEmpty(grid Grid) *Volume {
	comps := v.NumComponents()
	return &Volume{
		Grid:        grid,
		Data:        make([]float64, grid.NumVoxels()*comps),
		Components:  comps,
		Kind:        v.Kind,
		ElementType: v.ElementType,
	}
}

// NumComponents returns the component count, treating 0 as 1.
func (v *Volume) NumComponents() int {
	if v.Components < 1 {
		return 1
	}
	return v.Components
}

// Empty reports whether the volume has no voxels or no sample data.
func (v *Volume) Empty() bool {
	return v == nil || v.NumVoxels() == 0 || len(v.Data) == 0
}

// Validate checks that the sample buffer matches the grid.
func (v *Volume) Validate() error {
	if v.Empty() {
		return ErrEmptyVolume
	}
	for i, s := range v.Spacing {
		if s <= 0 {
			return fmt.Errorf("spacing along axis %d must be positive, got %g", i, s)
		}
	}
	if want := v.NumVoxels() * v.NumComponents(); len(v.Data) != want {
		return fmt.Errorf("volume has %d samples, grid %v needs %d", len(v.Data), v.Size, want)
	}
	return nil
}

// At returns component c of the voxel at integer index (x, y, z).
func (v *Volume) At(x, y, z, c int) float64 {
	return v.Data[v.Offset(x, y, z)*v.NumComponents()+c]
}

// Set assigns component c of the voxel at integer index (x, y, z).
func (v *Volume) Set(x, y, z, c int, value float64) {
	v.Data[v.Offset(x, y, z)*v.NumComponents()+c] = value
}

// Clone returns a deep copy of v.
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = make([]float64, len(v.Data))
	copy(out.Data, v.Data)
	return &out
}
