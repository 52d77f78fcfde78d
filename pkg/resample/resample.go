// Package resample maps a moving volume onto the grid of a reference volume
// through a rigid transform.
package resample

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"volreg/internal/models"
	"volreg/pkg/interpolation"
	"volreg/pkg/transform"
)

// Options controls how samples are produced.
type Options struct {
	// Interpolator reads the moving volume. Defaults to linear.
	Interpolator interpolation.Interpolator

	// DefaultValue fills output voxels whose source point lies outside the
	// moving volume.
	DefaultValue float64

	// Workers bounds the goroutines filling slices. Defaults to NumCPU.
	Workers int
}

// Resample returns a volume on the reference grid whose voxel at physical
// point p holds the moving volume's value at t(p). The output keeps the
// moving volume's kind, element type and component count. Neither input is
// modified.
func Resample(ctx context.Context, reference models.Grid, moving *models.Volume, t *transform.Rigid, opts Options) (*models.Volume, error) {
	if moving.Empty() {
		return nil, fmt.Errorf("moving volume: %w", models.ErrEmptyVolume)
	}
	if err := moving.Validate(); err != nil {
		return nil, fmt.Errorf("moving volume: %w", err)
	}
	if reference.NumVoxels() == 0 {
		return nil, fmt.Errorf("reference grid: %w", models.ErrEmptyVolume)
	}
	if t == nil {
		return nil, fmt.Errorf("resample: nil transform")
	}
	mapper, err := moving.Mapper()
	if err != nil {
		return nil, fmt.Errorf("moving volume: %w", err)
	}
	interp := opts.Interpolator
	if interp == nil {
		interp = interpolation.Linear{}
	}
	workers := opts.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	out := moving.CloneEmpty(reference)
	comps := out.NumComponents()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for z := 0; z < reference.Size[2]; z++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for y := 0; y < reference.Size[1]; y++ {
				for x := 0; x < reference.Size[0]; x++ {
					p := reference.IndexToPhysical(r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)})
					idx := mapper.PhysicalToIndex(t.Apply(p))
					off := reference.Offset(x, y, z) * comps
					for c := 0; c < comps; c++ {
						v, ok := interp.Evaluate(moving, idx, c)
						if !ok {
							v = opts.DefaultValue
						}
						out.Data[off+c] = v
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
