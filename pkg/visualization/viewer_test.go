package visualization

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"volreg/internal/models"
)

// newTestVolume returns a volume whose voxels hold f(x, y, z)
func newTestVolume(width, height, depth int, f func(x, y, z int) float64) *models.Volume {
	v := models.NewVolume(models.NewGrid([3]int{width, height, depth}, [3]float64{0.5, 0.5, 2}, [3]float64{1, 2, 3}), models.Grayscale)
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v.Set(x, y, z, 0, f(x, y, z))
			}
		}
	}
	return v
}

// TestNewViewer verifies that the intensity window covers the volume range
func TestNewViewer(t *testing.T) {
	volume := newTestVolume(10, 10, 5, func(x, y, z int) float64 { return float64(x+y+z) - 3 })
	viewer := NewViewer(volume)

	if viewer.low != -3 {
		t.Errorf("Expected window low -3, got %f", viewer.low)
	}
	if viewer.high != 19 {
		t.Errorf("Expected window high 19, got %f", viewer.high)
	}
}

// TestExtractSlice verifies that slices are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 10, 5

	// each slice along Z has a unique value
	volume := newTestVolume(width, height, depth, func(x, y, z int) float64 { return float64(z) })
	viewer := NewViewer(volume)

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}

		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d",
				width, height, bounds.Dx(), bounds.Dy())
		}

		gray16Img, ok := img.(*image.Gray16)
		if !ok {
			t.Fatalf("Expected *image.Gray16, got %T", img)
		}

		expectedValue := uint16(z * 65535 / (depth - 1))
		centerValue := gray16Img.Gray16At(width/2, height/2).Y
		if diff := int(centerValue) - int(expectedValue); diff < -1 || diff > 1 {
			t.Errorf("Expected Z slice value ~%d at center, got %d", expectedValue, centerValue)
		}
	}

	imgX, err := viewer.ExtractSlice("x", width/2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != depth || b.Dy() != height {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", depth, height, b.Dx(), b.Dy())
	}

	imgY, err := viewer.ExtractSlice("y", height/2)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != width || b.Dy() != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth+1); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
}

// TestConstantVolumeIsBlack verifies that a flat window does not divide by zero
func TestConstantVolumeIsBlack(t *testing.T) {
	viewer := NewViewer(newTestVolume(3, 3, 1, func(x, y, z int) float64 { return 7 }))
	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}
	if got := img.(*image.Gray16).Gray16At(1, 1).Y; got != 0 {
		t.Errorf("Expected 0 for a constant volume, got %d", got)
	}
}

// TestSetWindow verifies that a custom window maps and saturates intensities
func TestSetWindow(t *testing.T) {
	volume := newTestVolume(3, 1, 1, func(x, y, z int) float64 { return float64(5 + 10*x) })
	viewer := NewViewer(volume)
	viewer.SetWindow(10, 20)

	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}
	gray := img.(*image.Gray16)
	for x, want := range []uint16{0, 32768, 65535} {
		if got := gray.Gray16At(x, 0).Y; got != want {
			t.Errorf("Expected %d at x=%d, got %d", want, x, got)
		}
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	depth := 3
	viewer := NewViewer(newTestVolume(5, 5, depth, func(x, y, z int) float64 { return float64(x * z) }))

	outputDir := filepath.Join(t.TempDir(), "slices")
	if err := viewer.SaveSliceSequence("z", outputDir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}

	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.png", z))
		f, err := os.Open(filename)
		if err != nil {
			t.Errorf("Expected slice file does not exist: %s", filename)
			continue
		}
		if _, err := png.Decode(f); err != nil {
			t.Errorf("Slice %s is not a valid PNG: %v", filename, err)
		}
		f.Close()
	}

	if err := viewer.SaveSliceSequence("invalid", outputDir); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}
