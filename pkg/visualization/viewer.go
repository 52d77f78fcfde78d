// Package visualization renders planar slices of a volume for visual quality
// control of registration results.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"volreg/internal/models"
)

// Viewer extracts slices of the first component of a volume. Intensities
// are mapped linearly from the volume's [min, max] range to 16-bit gray.
type Viewer struct {
	volume *models.Volume

	// intensity window
	low  float64
	high float64
}

// NewViewer creates a viewer with the intensity window set to the full
// range of the volume.
func NewViewer(v *models.Volume) *Viewer {
	vw := &Viewer{volume: v}
	if len(v.Data) > 0 {
		values := component(v, 0)
		vw.low, vw.high = floats.Min(values), floats.Max(values)
	}
	return vw
}

// SetWindow overrides the intensity window. Values outside [low, high]
// saturate.
func (v *Viewer) SetWindow(low, high float64) {
	v.low, v.high = low, high
}

func component(v *models.Volume, c int) []float64 {
	comps := v.NumComponents()
	if comps == 1 {
		return v.Data
	}
	out := make([]float64, 0, len(v.Data)/comps)
	for i := c; i < len(v.Data); i += comps {
		out = append(out, v.Data[i])
	}
	return out
}

func (v *Viewer) gray(value float64) color.Gray16 {
	span := v.high - v.low
	if span <= 0 {
		return color.Gray16{}
	}
	norm := (value - v.low) / span
	return color.Gray16{Y: uint16(math.Round(math.Max(0, math.Min(1, norm)) * math.MaxUint16))}
}

// ExtractSlice extracts a 2D slice perpendicular to the given index axis.
// Rows of the image follow the remaining axes in x, y, z order.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	size := v.volume.Size
	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	if position >= size[a] {
		return nil, fmt.Errorf("position %d exceeds size %d along %s", position, size[a], axis)
	}

	// u runs along the image columns, w along the rows
	u, w := 0, 1
	switch a {
	case 0:
		u, w = 2, 1
	case 1:
		u, w = 0, 2
	}
	img := image.NewGray16(image.Rect(0, 0, size[u], size[w]))
	for j := 0; j < size[w]; j++ {
		for i := 0; i < size[u]; i++ {
			var idx [3]int
			idx[a], idx[u], idx[w] = position, i, j
			img.SetGray16(i, j, v.gray(v.volume.At(idx[0], idx[1], idx[2], 0)))
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	a, err := axisIndex(axis)
	if err != nil {
		return err
	}

	for pos := 0; pos < v.volume.Size[a]; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

func axisIndex(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return 0, nil
	case "y", "Y":
		return 1, nil
	case "z", "Z":
		return 2, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}
