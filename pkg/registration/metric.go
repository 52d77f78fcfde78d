package registration

import (
	"errors"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"volreg/internal/models"
	"volreg/pkg/interpolation"
	"volreg/pkg/transform"
)

// ErrNoValidSamples is returned when no sampled fixed point maps inside the
// moving volume.
var ErrNoValidSamples = errors.New("no sampled point maps inside the moving volume")

// chunkSize is the number of samples summed by one worker task. It is fixed
// so that the summation order, and therefore the metric value, does not
// depend on the number of workers.
const chunkSize = 4096

type samplePoint struct {
	point r3.Vec
	value float64
}

// meanSquares is the mean of squared intensity differences between the
// fixed volume and the moving volume seen through a transform, taken over a
// subset of fixed voxels. Points that map outside the moving volume are left
// out of the mean.
type meanSquares struct {
	fixed   *models.Volume
	moving  *models.Volume
	mapper  *models.Mapper
	interp  interpolation.Interpolator
	workers int

	fraction float64
	rng      *rand.Rand
	samples  []samplePoint
}

func newMeanSquares(fixed, moving *models.Volume, interp interpolation.Interpolator, fraction float64, rng *rand.Rand, workers int) (*meanSquares, error) {
	mapper, err := moving.Mapper()
	if err != nil {
		return nil, err
	}
	return &meanSquares{
		fixed:    fixed,
		moving:   moving,
		mapper:   mapper,
		interp:   interp,
		workers:  max(1, workers),
		fraction: fraction,
		rng:      rng,
	}, nil
}

// numSamples returns how many fixed voxels one evaluation looks at.
func (m *meanSquares) numSamples() int {
	n := m.fixed.NumVoxels()
	if m.fraction >= 1 {
		return n
	}
	return max(1, int(math.Round(m.fraction*float64(n))))
}

// resample draws a new set of fixed voxels. A fraction of 1 or more selects
// every voxel once; smaller fractions draw uniformly with replacement.
func (m *meanSquares) resample() {
	n := m.fixed.NumVoxels()
	count := m.numSamples()
	if cap(m.samples) < count {
		m.samples = make([]samplePoint, count)
	}
	m.samples = m.samples[:count]

	w, h := m.fixed.Size[0], m.fixed.Size[1]
	for i := range m.samples {
		off := i
		if m.fraction < 1 {
			off = m.rng.Intn(n)
		}
		x, y, z := off%w, (off/w)%h, off/(w*h)
		m.samples[i] = samplePoint{
			point: m.fixed.IndexToPhysical(r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)}),
			value: m.fixed.Data[off],
		}
	}
}

// Value evaluates the metric for t over the current sample set.
func (m *meanSquares) Value(t *transform.Rigid) (float64, int, error) {
	chunks := (len(m.samples) + chunkSize - 1) / chunkSize
	sums := make([]float64, chunks)
	counts := make([]float64, chunks)

	var g errgroup.Group
	g.SetLimit(m.workers)
	for ci := 0; ci < chunks; ci++ {
		lo := ci * chunkSize
		hi := min(lo+chunkSize, len(m.samples))
		g.Go(func() error {
			var sum float64
			var count int
			for _, s := range m.samples[lo:hi] {
				mv, ok := m.interp.Evaluate(m.moving, m.mapper.PhysicalToIndex(t.Apply(s.point)), 0)
				if !ok {
					continue
				}
				d := s.value - mv
				sum += d * d
				count++
			}
			sums[ci] = sum
			counts[ci] = float64(count)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	valid := int(floats.Sum(counts))
	if valid == 0 {
		return math.Inf(1), 0, ErrNoValidSamples
	}
	return floats.Sum(sums) / float64(valid), valid, nil
}
