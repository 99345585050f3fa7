package sampler

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/iti/rngstream"
)

var (
	ErrEmptyTable       = errors.New("empty CDF table")
	ErrUnsortedTable    = errors.New("CDF table is not sorted")
	ErrProbabilityRange = errors.New("CDF probability outside [0,1]")
)

// Point is one row of a piecewise-linear CDF: P(X <= Value) = Prob.
type Point struct {
	Value float64 `yaml:"value" mapstructure:"value"`
	Prob  float64 `yaml:"p"     mapstructure:"p"`
}

// Source produces uniform variates in [0,1).
type Source interface {
	Float64() float64
}

// Empirical draws variates from a measured CDF by inverse-transform sampling.
// The table is copied at construction and never modified afterwards.
type Empirical struct {
	points []Point
	src    Source
}

// NewEmpirical validates the table and binds it to a random source.
func NewEmpirical(points []Point, src Source) (*Empirical, error) {
	if err := ValidateTable(points); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("nil random source")
	}
	cp := make([]Point, len(points))
	copy(cp, points)
	return &Empirical{points: cp, src: src}, nil
}

// ValidateTable checks that a CDF table is usable for sampling.
func ValidateTable(points []Point) error {
	if len(points) == 0 {
		return ErrEmptyTable
	}
	for i, p := range points {
		if math.IsNaN(p.Prob) || p.Prob < 0 || p.Prob > 1 {
			return fmt.Errorf("%w: row %d has p=%v", ErrProbabilityRange, i, p.Prob)
		}
		// NaN compares false against everything, so it would pass the
		// ordering check below.
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return fmt.Errorf("%w: row %d has non-finite value %v", ErrUnsortedTable, i, p.Value)
		}
		if i == 0 {
			continue
		}
		prev := points[i-1]
		if p.Value < prev.Value || p.Prob < prev.Prob {
			return fmt.Errorf("%w: row %d (%v, %v) precedes row %d (%v, %v)",
				ErrUnsortedTable, i-1, prev.Value, prev.Prob, i, p.Value, p.Prob)
		}
	}
	return nil
}

// Sample draws one variate.
func (e *Empirical) Sample() float64 {
	return e.Inverse(e.src.Float64())
}

// Inverse maps a uniform u to the table's value: the first row whose
// cumulative probability is >= u, interpolated linearly from the row before it.
// A u above the last probability yields the last value.
func (e *Empirical) Inverse(u float64) float64 {
	pts := e.points
	if u <= pts[0].Prob {
		return pts[0].Value
	}
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Prob >= u })
	if i == len(pts) {
		return pts[len(pts)-1].Value
	}
	lo, hi := pts[i-1], pts[i]
	return lo.Value + (u-lo.Prob)/(hi.Prob-lo.Prob)*(hi.Value-lo.Value)
}

// Points returns a copy of the table.
func (e *Empirical) Points() []Point {
	cp := make([]Point, len(e.points))
	copy(cp, e.points)
	return cp
}

// NewRandSource returns a math/rand source with a fixed seed.
func NewRandSource(seed int64) Source {
	return rand.New(rand.NewSource(seed))
}

// StreamSource adapts an independent rngstream to Source.
type StreamSource struct {
	stream *rngstream.RngStream
}

// NewStreamSource creates the next stream of the package-wide sequence.
// Streams are handed out in creation order, so a run that creates its sessions
// in the same order sees the same variates.
func NewStreamSource(name string) *StreamSource {
	return &StreamSource{stream: rngstream.New(name)}
}

func (s *StreamSource) Float64() float64 {
	return s.stream.RandU01()
}
