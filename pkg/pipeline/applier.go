package pipeline

import (
	"context"
	"fmt"

	"volreg/internal/models"
	"volreg/pkg/imageio"
	"volreg/pkg/resample"
	"volreg/pkg/transform"
)

// ApplyParams holds the paths and settings of a transform application run.
type ApplyParams struct {
	// Fixed defines the output grid
	Fixed string

	// Moving is the volume brought into the fixed frame
	Moving string

	// OutputDir receives <moving>_TO_<fixed>.mha
	OutputDir string

	// Transform is a .tfm file written by a registration run
	Transform string

	// FrameReference, when set, names a volume whose grid Moving must
	// share; runs with a mismatching grid fail with ErrGridMismatch.
	FrameReference string

	// Kind is attached to the loaded moving volume
	Kind models.PixelKind

	// Resample configures the resampling pass
	Resample resample.Options

	// Compress zlib-compresses the written volume
	Compress bool
}

// Applier runs the transform application flow: the stored transform is
// inverted and the moving volume is resampled onto the fixed grid with it.
// No optimisation takes place.
type Applier struct {
	runner
	params *ApplyParams
}

// NewApplier creates an applier for the given run.
func NewApplier(params *ApplyParams, opts ...Option) *Applier {
	return &Applier{runner: newRunner(opts), params: params}
}

// OutputPath returns the path written by Process.
func (a *Applier) OutputPath() string {
	return ApplyOutputPath(a.params.OutputDir, a.params.Fixed, a.params.Moving)
}

// Process runs the complete transform application pipeline
func (a *Applier) Process(ctx context.Context) (err error) {
	defer func() { a.metrics.Finish("apply", err) }()

	if !transform.HasExtension(a.params.Transform) {
		return fmt.Errorf("%w: %s does not end in %s", transform.ErrInvalidTransformFile, a.params.Transform, transform.Extension)
	}

	a.logger.Info("Step 1: loading and inverting transform", "path", a.params.Transform)
	t, err := transform.Load(a.params.Transform)
	if err != nil {
		return fmt.Errorf("failed to load transform: %w", err)
	}
	inv, err := transform.Invert(t)
	if err != nil {
		return fmt.Errorf("failed to invert transform: %w", err)
	}
	a.logger.Debug("inverse transform", "transform", inv.String())

	a.logger.Info("Step 2: loading volumes", "fixed", a.params.Fixed, "moving", a.params.Moving)
	var fixed, moving *models.Volume
	err = a.stage("load", func() error {
		var err error
		if fixed, err = imageio.Read(a.params.Fixed, models.Grayscale); err != nil {
			return err
		}
		if moving, err = imageio.Read(a.params.Moving, a.params.Kind); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load volumes: %w", err)
	}

	if a.params.FrameReference != "" {
		ref, err := imageio.Read(a.params.FrameReference, models.Grayscale)
		if err != nil {
			return fmt.Errorf("failed to load frame reference: %w", err)
		}
		if !models.GridCompatible(ref.Grid, moving.Grid) {
			return fmt.Errorf("%w: %s does not share the grid of %s", models.ErrGridMismatch, a.params.Moving, a.params.FrameReference)
		}
	} else {
		a.logger.Debug("no frame reference given, assuming the moving volume is in the registered frame")
	}

	a.logger.Info("Step 3: resampling moving volume onto the fixed grid")
	var out *models.Volume
	err = a.stage("resample", func() error {
		var err error
		out, err = resample.Resample(ctx, fixed.Grid, moving, inv, a.params.Resample)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to resample: %w", err)
	}

	outPath := a.OutputPath()
	a.logger.Info("Step 4: writing result", "path", outPath)
	wopts := imageio.WriteOptions{Compress: a.params.Compress}
	return a.stage("write", func() error {
		return commit([]output{
			{path: outPath, write: func(p string) error { return imageio.Write(p, out, wopts) }},
		})
	})
}
