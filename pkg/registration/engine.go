// Package registration aligns a moving volume to a fixed volume with a rigid
// transform.
//
// The engine runs a coarse-to-fine pyramid. At every level both volumes are
// smoothed and shrunk, then a Powell direction-set search adjusts a rigid
// increment to minimise the mean squared intensity difference measured on a
// random subset of fixed voxels. A fresh subset is drawn at the start of
// every optimizer iteration. The increment found at one level seeds the next.
// The result is the seed transform composed with the final increment; the
// seed itself is left untouched.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"volreg/internal/models"
	"volreg/pkg/interpolation"
	"volreg/pkg/transform"
)

var (
	// ErrOptimizationFailure wraps every condition under which the engine
	// cannot produce a meaningful transform.
	ErrOptimizationFailure = errors.New("optimization failure")

	// ErrNoOverlap is returned when the seed maps the fixed volume entirely
	// outside the moving volume.
	ErrNoOverlap = errors.New("fixed and moving volumes do not overlap")
)

// Params holds the registration configuration.
type Params struct {
	// SamplingPercentage is the fraction of fixed voxels drawn per iteration (0, 1]
	SamplingPercentage float64

	// Seed seeds the voxel sampler. 0 seeds from the wall clock.
	Seed int64

	// MaxIterations caps the optimizer iterations per level
	MaxIterations int

	// Levels are processed in order, coarsest first
	Levels []Level

	// StepLength is the initial line-search step in scaled units (about 1 mm)
	StepLength float64

	// StepTolerance ends a line search and the optimizer once steps get this small
	StepTolerance float64

	// ValueTolerance is the relative metric decrease below which an iteration counts as converged
	ValueTolerance float64

	// MaxLineIterations caps the golden-section steps of one line search
	MaxLineIterations int

	// Workers bounds the goroutines evaluating one metric value
	Workers int

	// Interpolator is used when sampling the moving volume
	Interpolator interpolation.Interpolator
}

// DefaultParams returns the default settings:
// 1% random sampling, linear interpolation, Powell with 500 iterations and
// two full-resolution levels smoothed with 1.0 and 0.0 physical units.
func DefaultParams() Params {
	return Params{
		SamplingPercentage: 0.01,
		MaxIterations:      500,
		Levels: []Level{
			{ShrinkFactor: 1, SmoothingSigma: 1.0},
			{ShrinkFactor: 1, SmoothingSigma: 0},
		},
		StepLength:        1.0,
		StepTolerance:     1e-4,
		ValueTolerance:    1e-6,
		MaxLineIterations: 100,
		Workers:           runtime.NumCPU(),
		Interpolator:      interpolation.Linear{},
	}
}

// Validate checks the parameters for values the engine cannot work with.
func (p Params) Validate() error {
	if p.SamplingPercentage <= 0 || p.SamplingPercentage > 1 {
		return fmt.Errorf("sampling percentage must be in (0, 1], got %g", p.SamplingPercentage)
	}
	if p.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be positive, got %d", p.MaxIterations)
	}
	if len(p.Levels) == 0 {
		return errors.New("at least one pyramid level is required")
	}
	for i, l := range p.Levels {
		if l.ShrinkFactor < 1 {
			return fmt.Errorf("level %d: shrink factor must be >= 1, got %d", i, l.ShrinkFactor)
		}
		if l.SmoothingSigma < 0 {
			return fmt.Errorf("level %d: smoothing sigma must be >= 0, got %g", i, l.SmoothingSigma)
		}
	}
	if p.StepLength <= 0 || p.StepTolerance <= 0 {
		return errors.New("step length and step tolerance must be positive")
	}
	return nil
}

// Result is the outcome of a registration.
type Result struct {
	// Initial is the seed transform as passed in
	Initial *transform.Rigid

	// Final is Initial composed with the optimised increment
	Final *transform.Rigid

	// Parameters is the optimised increment
	Parameters []float64

	// InitialMetric is the seed's metric at the start of the first level
	InitialMetric float64

	// FinalMetric is the metric at the end of the last level
	FinalMetric float64

	// Improved reports whether the final increment beats the seed on the
	// last level's final sample
	Improved bool

	// Iterations is the total number of optimizer iterations over all levels
	Iterations int

	// Converged reports whether the last level stopped before MaxIterations
	Converged bool

	// Trace holds every iteration record in order
	Trace []IterationRecord
}

// Engine runs registrations with a fixed configuration.
type Engine struct {
	params    Params
	observers []Observer
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver adds an observer that receives every iteration record.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithLogger sets the logger used for level summaries.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine. Missing optional parameters fall back to
// DefaultParams.
func NewEngine(params Params, opts ...Option) *Engine {
	def := DefaultParams()
	if params.Interpolator == nil {
		params.Interpolator = def.Interpolator
	}
	if params.Workers < 1 {
		params.Workers = def.Workers
	}
	if params.MaxLineIterations < 1 {
		params.MaxLineIterations = def.MaxLineIterations
	}
	e := &Engine{params: params, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register refines seed so that fixed and moving line up. Both volumes are
// only read. The context is checked once per optimizer iteration; when it is
// cancelled no transform is returned.
func (e *Engine) Register(ctx context.Context, fixed, moving *models.Volume, seed *transform.Rigid) (*Result, error) {
	if err := e.params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registration parameters: %w", err)
	}
	if err := checkInputs(fixed, moving, seed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOptimizationFailure, err)
	}

	dim := 3
	if fixed.Dimension() == 2 && moving.Dimension() == 2 {
		dim = 2
	}
	param := parameterization{seed: seed, dim: dim}
	params := make([]float64, param.count())

	rngSeed := e.params.Seed
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(rngSeed))

	res := &Result{Initial: seed}
	for li, level := range e.params.Levels {
		start := time.Now()
		fixedL := shrink(smooth(fixed, level.SmoothingSigma), level.ShrinkFactor)
		movingL := shrink(smooth(moving, level.SmoothingSigma), level.ShrinkFactor)

		metric, err := newMeanSquares(fixedL, movingL, e.params.Interpolator, e.params.SamplingPercentage, rng, e.params.Workers)
		if err != nil {
			return nil, fmt.Errorf("%w: level %d: %w", ErrOptimizationFailure, li, err)
		}

		scales := physicalShiftScales(fixedL.Grid, param, params)
		x0 := make([]float64, len(params))
		for i := range params {
			x0[i] = params[i] * scales[i]
		}
		unscale := func(x []float64) []float64 {
			out := make([]float64, len(x))
			for i := range x {
				out[i] = x[i] / scales[i]
			}
			return out
		}
		f := func(x []float64) (float64, error) {
			v, _, err := metric.Value(param.transform(unscale(x)))
			return v, err
		}

		metric.resample()
		startValue, valid, err := metric.Value(param.transform(params))
		if err != nil {
			return nil, fmt.Errorf("%w: level %d: %w", ErrOptimizationFailure, li, err)
		}
		if li == 0 {
			res.InitialMetric = startValue
		}
		e.logger.Debug("registration level started",
			"level", li,
			"shrink", level.ShrinkFactor,
			"sigma", level.SmoothingSigma,
			"size", fixedL.Size,
			"samples", valid,
			"metric", startValue,
			"scales", scales)

		opt := &powell{
			settings: powellSettings{
				MaxIterations:     e.params.MaxIterations,
				StepLength:        e.params.StepLength,
				StepTolerance:     e.params.StepTolerance,
				ValueTolerance:    e.params.ValueTolerance,
				MaxLineIterations: e.params.MaxLineIterations,
			},
			beginIteration: func(iter int) {
				if iter > 0 {
					metric.resample()
				}
			},
			endIteration: func(iter int, value float64, x []float64) {
				rec := IterationRecord{Level: li, Iteration: iter, Metric: value, Parameters: unscale(x)}
				res.Trace = append(res.Trace, rec)
				for _, o := range e.observers {
					o.Observe(rec)
				}
			},
		}
		out, err := opt.minimize(ctx, f, x0)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: level %d: %w", ErrOptimizationFailure, li, err)
		}

		params = unscale(out.X)
		res.FinalMetric = out.Value
		res.Iterations += out.Iterations
		res.Converged = out.Converged

		if li == len(e.params.Levels)-1 {
			seedValue, _, seedErr := metric.Value(seed)
			res.Improved = seedErr != nil || out.Value < seedValue
		}
		e.logger.Info("registration level finished",
			"level", li,
			"iterations", out.Iterations,
			"converged", out.Converged,
			"metric", out.Value,
			"elapsed", time.Since(start).Round(time.Millisecond))
	}

	if math.IsNaN(res.FinalMetric) || math.IsInf(res.FinalMetric, 0) {
		return nil, fmt.Errorf("%w: final metric is %v", ErrOptimizationFailure, res.FinalMetric)
	}
	if !res.Improved {
		e.logger.Warn("registration did not improve on the initial alignment", "metric", res.FinalMetric)
	}
	res.Parameters = params
	res.Final = param.transform(params)
	return res, nil
}

// checkInputs rejects inputs for which the metric would be meaningless.
func checkInputs(fixed, moving *models.Volume, seed *transform.Rigid) error {
	for _, in := range []struct {
		name string
		v    *models.Volume
	}{{"fixed", fixed}, {"moving", moving}} {
		name, v := in.name, in.v
		if v.Empty() {
			return fmt.Errorf("%s volume: %w", name, models.ErrEmptyVolume)
		}
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%s volume: %w", name, err)
		}
		if v.NumComponents() != 1 {
			return fmt.Errorf("%s volume has %d components, registration needs scalar volumes", name, v.NumComponents())
		}
	}
	if seed == nil {
		return errors.New("seed transform is nil")
	}

	mapped := make([]r3.Vec, 0, 8)
	for _, c := range fixed.ExtentCorners() {
		mapped = append(mapped, seed.Apply(c))
	}
	mLo, mHi := models.Bounds(mapped)
	tLo, tHi := moving.PhysicalBounds()
	if !models.BoxesOverlap(mLo, mHi, tLo, tHi) {
		return ErrNoOverlap
	}
	return nil
}
