// Package pipeline wires loading, registration, resampling and writing into
// the two end-to-end flows: registering a moving scan pair to a fixed scan
// pair, and applying a stored transform to a further volume.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"volreg/internal/models"
	"volreg/internal/telemetry"
	"volreg/pkg/imageio"
	"volreg/pkg/registration"
	"volreg/pkg/resample"
	"volreg/pkg/transform"
	"volreg/pkg/visualization"
)

// ValidationMetrics compares the resampled moving grayscale volume with the
// fixed grayscale volume.
type ValidationMetrics struct {
	// MeanSquares is the mean squared intensity difference over all voxels
	MeanSquares float64

	// RMSE is the square root of MeanSquares
	RMSE float64

	// Correlation is the Pearson correlation of the two intensity sets
	Correlation float64

	// FixedMean, FixedStdDev describe the fixed volume
	FixedMean, FixedStdDev float64

	// MovingMean, MovingStdDev describe the resampled moving volume
	MovingMean, MovingStdDev float64
}

// Params holds the paths and settings of a registration run.
type Params struct {
	// FixedGray and FixedSeg define the reference frame. The segmentation
	// output is resampled onto the grid of FixedSeg.
	FixedGray string
	FixedSeg  string

	// MovingGray is registered to FixedGray; MovingSeg follows with the
	// same transform.
	MovingGray string
	MovingSeg  string

	// OutputGray and OutputSeg receive the resampled moving volumes. The
	// transform is written next to OutputGray (see TransformPath).
	OutputGray string
	OutputSeg  string

	// Registration configures the engine
	Registration registration.Params

	// GrayResample and SegResample configure the two resampling passes
	GrayResample resample.Options
	SegResample  resample.Options

	// Compress zlib-compresses written volumes
	Compress bool

	// SlicesDir, when set, receives PNG slices of the resampled grayscale
	SlicesDir string

	// SliceWindow, when it holds [low, high], fixes the slice intensity window
	SliceWindow []float64
}

// Option configures a Registrar or an Applier.
type Option func(*runner)

// WithLogger sets the logger that receives step records.
func WithLogger(l *slog.Logger) Option {
	return func(r *runner) { r.logger = l }
}

// WithObserver adds an observer for registration iterations.
func WithObserver(o registration.Observer) Option {
	return func(r *runner) { r.observers = append(r.observers, o) }
}

// WithMetrics records run metrics into m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *runner) { r.metrics = m }
}

// runner holds what both flows share.
type runner struct {
	logger    *slog.Logger
	observers []registration.Observer
	metrics   *telemetry.Metrics
}

func newRunner(opts []Option) runner {
	r := runner{logger: slog.Default()}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// stage runs fn and records its duration.
func (r *runner) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.metrics.ObserveStage(name, time.Since(start))
	return err
}

// Registrar runs the registration flow:
//
//  1. load the fixed and moving grayscale and segmentation volumes
//  2. align geometric centres
//  3. refine the alignment with the registration engine
//  4. resample both moving volumes with the final transform
//  5. write the transform and both volumes, all or nothing
//  6. compare the resampled grayscale with the fixed grayscale
type Registrar struct {
	runner
	params *Params

	fixedGray, fixedSeg   *models.Volume
	movingGray, movingSeg *models.Volume

	result     *registration.Result
	validation ValidationMetrics
}

// NewRegistrar creates a registrar for the given run.
func NewRegistrar(params *Params, opts ...Option) *Registrar {
	return &Registrar{runner: newRunner(opts), params: params}
}

// Process runs the complete registration pipeline
func (r *Registrar) Process(ctx context.Context) (err error) {
	defer func() { r.metrics.Finish("register", err) }()

	for _, p := range []string{r.params.OutputGray, r.params.OutputSeg} {
		if !imageio.IsVolumePath(p) {
			return fmt.Errorf("%w: output %s", imageio.ErrFormat, p)
		}
	}

	r.logger.Info("Step 1: loading volumes")
	if err := r.stage("load", func() error { return r.loadVolumes(ctx) }); err != nil {
		return fmt.Errorf("failed to load volumes: %w", err)
	}

	r.logger.Info("Step 2: aligning geometric centres")
	seed := registration.CenteredGeometry(r.fixedGray.Grid, r.movingGray.Grid)
	r.logger.Debug("initial transform", "transform", seed.String())

	r.logger.Info("Step 3: registering moving grayscale to fixed grayscale",
		"sampling", r.params.Registration.SamplingPercentage,
		"levels", len(r.params.Registration.Levels))
	engineOpts := []registration.Option{registration.WithLogger(r.logger)}
	for _, o := range r.observers {
		engineOpts = append(engineOpts, registration.WithObserver(o))
	}
	if r.metrics != nil {
		engineOpts = append(engineOpts, registration.WithObserver(r.metrics))
	}
	engine := registration.NewEngine(r.params.Registration, engineOpts...)
	err = r.stage("register", func() error {
		var err error
		r.result, err = engine.Register(ctx, r.fixedGray, r.movingGray, seed)
		return err
	})
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	r.metrics.ObserveResult(r.result)
	final := r.result.Final
	r.logger.Info("registration finished",
		"iterations", r.result.Iterations,
		"initialMetric", r.result.InitialMetric,
		"finalMetric", r.result.FinalMetric,
		"improved", r.result.Improved,
		"transform", final.String())

	// both companions go through the same transform value
	r.logger.Info("Step 4: resampling moving volumes")
	var grayOut, segOut *models.Volume
	err = r.stage("resample", func() error {
		var err error
		if grayOut, err = resample.Resample(ctx, r.fixedGray.Grid, r.movingGray, final, r.params.GrayResample); err != nil {
			return fmt.Errorf("grayscale: %w", err)
		}
		if segOut, err = resample.Resample(ctx, r.fixedSeg.Grid, r.movingSeg, final, r.params.SegResample); err != nil {
			return fmt.Errorf("segmentation: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to resample: %w", err)
	}

	tfmPath := TransformPath(r.params.OutputGray)
	r.logger.Info("Step 5: writing results",
		"transform", tfmPath,
		"gray", r.params.OutputGray,
		"seg", r.params.OutputSeg)
	wopts := imageio.WriteOptions{Compress: r.params.Compress}
	err = r.stage("write", func() error {
		return commit([]output{
			{path: tfmPath, write: func(p string) error { return transform.Save(final, p) }},
			{path: r.params.OutputGray, write: func(p string) error { return imageio.Write(p, grayOut, wopts) }},
			{path: r.params.OutputSeg, write: func(p string) error { return imageio.Write(p, segOut, wopts) }},
		})
	})
	if err != nil {
		return err
	}

	r.logger.Info("Step 6: calculating validation metrics")
	r.validation = compareVolumes(r.fixedGray, grayOut)
	r.logger.Info("validation metrics",
		"rmse", r.validation.RMSE,
		"correlation", r.validation.Correlation)

	if r.params.SlicesDir != "" {
		dir := r.params.SlicesDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(r.params.OutputGray), dir)
		}
		viewer := visualization.NewViewer(grayOut)
		if w := r.params.SliceWindow; len(w) == 2 {
			viewer.SetWindow(w[0], w[1])
		}
		if err := viewer.SaveSliceSequence("z", dir); err != nil {
			r.logger.Warn("failed to save slices", "dir", dir, "err", err)
		}
	}
	return nil
}

// loadVolumes reads the four input volumes concurrently.
func (r *Registrar) loadVolumes(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	load := func(dst **models.Volume, path string, kind models.PixelKind) {
		g.Go(func() error {
			v, err := imageio.Read(path, kind)
			if err != nil {
				return err
			}
			*dst = v
			r.logger.Debug("loaded volume", "path", path, "size", v.Size, "spacing", v.Spacing, "type", v.ElementType)
			return nil
		})
	}
	load(&r.fixedGray, r.params.FixedGray, models.Grayscale)
	load(&r.fixedSeg, r.params.FixedSeg, models.Label)
	load(&r.movingGray, r.params.MovingGray, models.Grayscale)
	load(&r.movingSeg, r.params.MovingSeg, models.Label)
	return g.Wait()
}

// Result returns the registration result of the last successful run.
func (r *Registrar) Result() *registration.Result {
	return r.result
}

// GetMetrics returns the validation metrics of the last successful run.
func (r *Registrar) GetMetrics() ValidationMetrics {
	return r.validation
}

// compareVolumes computes intensity statistics of two volumes on the same grid.
func compareVolumes(fixed, moving *models.Volume) ValidationMetrics {
	var m ValidationMetrics
	if len(fixed.Data) != len(moving.Data) || len(fixed.Data) == 0 {
		return m
	}
	diff := make([]float64, len(fixed.Data))
	floats.SubTo(diff, fixed.Data, moving.Data)
	m.MeanSquares = floats.Dot(diff, diff) / float64(len(diff))
	m.RMSE = math.Sqrt(m.MeanSquares)
	m.FixedMean, m.FixedStdDev = stat.MeanStdDev(fixed.Data, nil)
	m.MovingMean, m.MovingStdDev = stat.MeanStdDev(moving.Data, nil)
	if m.FixedStdDev > 0 && m.MovingStdDev > 0 {
		m.Correlation = stat.Correlation(fixed.Data, moving.Data, nil)
	}
	return m
}
