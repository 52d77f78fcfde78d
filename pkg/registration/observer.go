package registration

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// IterationRecord is one entry of the registration trace.
type IterationRecord struct {
	// Level is the pyramid level, 0 being the coarsest
	Level int

	// Iteration counts optimizer iterations within the level
	Iteration int

	// Metric is the mean squared difference at the end of the iteration
	Metric float64

	// Parameters is the increment (rx, ry, rz, tx, ty, tz), or (rz, tx, ty) in 2D
	Parameters []float64
}

// Observer receives trace records while a registration runs. Observers must
// not retain or modify Parameters beyond the call.
type Observer interface {
	Observe(IterationRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(IterationRecord)

// Observe calls f(rec)
func (f ObserverFunc) Observe(rec IterationRecord) { f(rec) }

// ProgressPrinter writes one line per iteration in the form
//
//	  3 =    0.12345 : [0.01 -0.002 0 1.5 0.25 -0.75]
type ProgressPrinter struct {
	W io.Writer
}

// Observe implements Observer
func (p ProgressPrinter) Observe(rec IterationRecord) {
	parts := make([]string, len(rec.Parameters))
	for i, v := range rec.Parameters {
		parts[i] = strconv.FormatFloat(v, 'g', 6, 64)
	}
	fmt.Fprintf(p.W, "%3d = %10.5f : [%s]\n", rec.Iteration, rec.Metric, strings.Join(parts, " "))
}
