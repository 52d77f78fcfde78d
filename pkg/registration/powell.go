package registration

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	goldenRatio = 1.618034
	goldenShort = 0.381966
	tiny        = 1e-25

	// maxBracketSteps bounds the outward search for a minimum bracket.
	maxBracketSteps = 50
)

// objective evaluates the metric at x (scaled coordinates).
type objective func(x []float64) (float64, error)

// powellSettings configures the direction-set search.
type powellSettings struct {
	MaxIterations     int
	StepLength        float64
	StepTolerance     float64
	ValueTolerance    float64
	MaxLineIterations int
}

// powell minimises an objective using Powell's direction-set method. Each
// iteration performs a line minimisation along every direction in the set,
// then replaces the direction of largest decrease with the net displacement
// when that is predicted to help. No derivatives are used.
type powell struct {
	settings powellSettings

	// beginIteration runs before an iteration evaluates anything. The
	// objective may change here (a new metric sample), so the start value
	// is recomputed afterwards.
	beginIteration func(iter int)

	// endIteration receives the iteration's final value and position.
	endIteration func(iter int, value float64, x []float64)
}

type powellResult struct {
	X          []float64
	Value      float64
	Iterations int
	Converged  bool
}

func (p *powell) minimize(ctx context.Context, f objective, x0 []float64) (powellResult, error) {
	n := len(x0)
	x := make([]float64, n)
	copy(x, x0)

	dirs := make([][]float64, n)
	for i := range dirs {
		dirs[i] = make([]float64, n)
		dirs[i][i] = 1
	}

	res := powellResult{X: x}
	start := make([]float64, n)
	for iter := 0; iter < p.settings.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.beginIteration != nil {
			p.beginIteration(iter)
		}
		fx, err := f(x)
		if err != nil {
			return res, err
		}
		fstart := fx
		copy(start, x)

		biggest, del := 0, 0.0
		for i, d := range dirs {
			prev := fx
			fx = p.lineMinimize(f, x, d, fx)
			if prev-fx > del {
				biggest, del = i, prev-fx
			}
		}

		converged := 2*(fstart-fx) <= p.settings.ValueTolerance*(math.Abs(fstart)+math.Abs(fx))+tiny ||
			floats.Distance(x, start, 2) < p.settings.StepTolerance

		if !converged {
			// extrapolate along the net displacement of this iteration
			dnew := make([]float64, n)
			floats.SubTo(dnew, x, start)
			xe := make([]float64, n)
			floats.AddTo(xe, x, dnew)
			fe := evaluate(f, xe)
			if fe < fstart {
				t := 2*(fstart-2*fx+fe)*sq(fstart-fx-del) - del*sq(fstart-fe)
				if t < 0 {
					fx = p.lineMinimize(f, x, dnew, fx)
					dirs[biggest] = dirs[n-1]
					dirs[n-1] = dnew
				}
			}
		}

		res.Value = fx
		res.Iterations = iter + 1
		if p.endIteration != nil {
			p.endIteration(iter, fx, x)
		}
		if converged {
			res.Converged = true
			break
		}
	}
	return res, nil
}

// lineMinimize moves x to the minimum of f along d and returns the new
// value. x is updated in place; it is never moved to a worse point.
func (p *powell) lineMinimize(f objective, x, d []float64, fx float64) float64 {
	norm := floats.Norm(d, 2)
	if norm == 0 {
		return fx
	}
	step := p.settings.StepLength / norm
	tol := p.settings.StepTolerance / norm
	trial := make([]float64, len(x))
	g := func(alpha float64) float64 {
		floats.AddScaledTo(trial, x, alpha, d)
		return evaluate(f, trial)
	}

	// bracket a minimum: f(b) lies below f(a) and f(c)
	a, b := 0.0, step
	fb := g(b)
	if fb >= fx {
		fm := g(-step)
		if fm >= fx {
			// the minimum lies within one step of the start
			return p.golden(g, x, d, -step, 0, step, fx, tol)
		}
		b, fb = -step, fm
	}
	c := b + goldenRatio*(b-a)
	fc := g(c)
	for i := 0; fc < fb && i < maxBracketSteps; i++ {
		a, b, fb = b, c, fc
		c = b + goldenRatio*(b-a)
		fc = g(c)
	}
	return p.golden(g, x, d, a, b, c, fb, tol)
}

// golden narrows the bracket (a, b, c) by golden-section search and moves x
// to the best point found.
func (p *powell) golden(g func(float64) float64, x, d []float64, a, b, c, fb, tol float64) float64 {
	if a > c {
		a, c = c, a
	}
	for i := 0; i < p.settings.MaxLineIterations && c-a > tol; i++ {
		var t float64
		if c-b > b-a {
			t = b + goldenShort*(c-b)
		} else {
			t = b - goldenShort*(b-a)
		}
		ft := g(t)
		if ft < fb {
			if t > b {
				a = b
			} else {
				c = b
			}
			b, fb = t, ft
		} else {
			if t > b {
				c = t
			} else {
				a = t
			}
		}
	}
	if b != 0 {
		floats.AddScaled(x, b, d)
	}
	return fb
}

// evaluate maps evaluation failures to +Inf so that the search steps away
// from regions without overlap.
func evaluate(f objective, x []float64) float64 {
	v, err := f(x)
	if err != nil || math.IsNaN(v) {
		return math.Inf(1)
	}
	return v
}

func sq(v float64) float64 { return v * v }
