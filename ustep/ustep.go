/*Package ustep generates the non-uniform position series for a Bonse-Hart
ultra-small-angle scattering step scan.

Point spacing follows step(x) = k*|x-reference|^exponent + minStep, so
density is highest at the reference angle (the rocking-curve peak) and
falls off toward the extremes.  The multiplying factor k is solved at
construction so that the series spans start..finish; the solve is a
bracket expansion followed by bisection/secant refinement.

See https://www.jemian.org/SAS/ustep.pdf for the method.
*/
package ustep

import (
	"errors"
	"fmt"
	"math"
)

const (
	// solver iteration caps for the bracket and refinement phases
	maxBracketIters = 100
	maxRefineIters  = 100

	// clampAbscissa bounds |x-reference| in the step law to avoid
	// overflowing the power
	clampAbscissa = 1e100
)

// ErrTooFewPoints is generated when a series is requested with fewer than
// two points.
var ErrTooFewPoints = errors.New("ustep: a series needs at least two points")

// ErrNoBracket is generated when the bracket expansion phase cannot find
// a sign change; the requested series is numerically unreachable and the
// scan parameters must be revisited.
var ErrNoBracket = errors.New("ustep: factor search found no sign change, scan parameters are inconsistent")

// Series holds the parameters of a step series and the solved factor.
// Construct with New; the zero value is not useful.
type Series struct {
	Start     float64
	Reference float64
	Finish    float64
	NumPoints int
	Exponent  float64
	MinStep   float64

	// Factor is k in the step law, solved by New.  Finite and
	// non-negative; direction is carried by sign.
	Factor float64

	sign float64
}

// New solves for the multiplying factor and returns a Series.  numPoints
// must be at least 2.
func New(start, reference, finish float64, numPoints int, exponent, minStep float64) (*Series, error) {
	if numPoints < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewPoints, numPoints)
	}
	s := &Series{
		Start:     start,
		Reference: reference,
		Finish:    finish,
		NumPoints: numPoints,
		Exponent:  exponent,
		MinStep:   minStep,
	}
	if start < finish {
		s.sign = 1
	} else {
		s.sign = -1
	}
	k, err := s.findFactor()
	if err != nil {
		return nil, err
	}
	s.Factor = k
	return s, nil
}

// Generate is a convenience that builds a Series and materializes it.
func Generate(start, reference, finish float64, numPoints int, exponent, minStep float64) ([]float64, error) {
	s, err := New(start, reference, finish, numPoints, exponent, minStep)
	if err != nil {
		return nil, err
	}
	return s.Points(), nil
}

// step evaluates the step law at x with the given factor.
func (s *Series) step(x, factor float64) float64 {
	d := math.Abs(x - s.Reference)
	if d > clampAbscissa {
		return clampAbscissa
	}
	return factor*math.Pow(d, s.Exponent) + s.MinStep
}

// span walks the series with the given factor and returns the distance
// covered by its numPoints-1 steps.
func (s *Series) span(factor float64) float64 {
	x := s.Start
	for i := 1; i < s.NumPoints; i++ {
		x += s.sign * s.step(x, factor)
	}
	return math.Abs(x - s.Start)
}

// findFactor solves span(k) == |finish-start| to within 0.2*|minStep|.
//
// Phase one seeds k at the uniform step size and doubles or halves it
// until two trials bracket a sign change of span(k)-target.  Phase two
// bisects while the bracket is wide relative to the target and switches
// to secant interpolation once close.  If the refinement cap runs out
// the last trial is returned; a valid bracket exists by then and the
// forced endpoint in Points bounds the consequence.
func (s *Series) findFactor() (float64, error) {
	target := math.Abs(s.Finish - s.Start)
	precision := math.Abs(s.MinStep) * 0.2
	diffOf := func(k float64) float64 { return s.span(k) - target }

	factor := target / float64(s.NumPoints-1)
	diff := diffOf(factor)
	f := [2]float64{factor, factor}
	d := [2]float64{diff, diff}

	bracketed := false
	for i := 0; i < maxBracketIters; i++ {
		if d[0]*d[1] < 0 {
			bracketed = true
			break
		}
		if diff < 0 {
			factor *= 2
		} else {
			factor *= 0.5
		}
		diff = diffOf(factor)
		key := 0
		if diff > d[1] {
			key = 1
		}
		f[key] = factor
		d[key] = diff
	}
	if !bracketed && d[0]*d[1] >= 0 {
		return 0, ErrNoBracket
	}

	// d[0] < 0 < d[1]; squeeze the bracket
	for i := 0; i < maxRefineIters; i++ {
		if d[1]-d[0] > target {
			factor = (f[0] + f[1]) / 2
		} else {
			factor = f[0] - d[0]*(f[1]-f[0])/(d[1]-d[0])
		}
		diff = diffOf(factor)
		if math.Abs(diff) <= precision {
			break
		}
		key := 1
		if diff < 0 {
			key = 0
		}
		f[key] = factor
		d[key] = diff
	}
	return factor, nil
}

// Points materializes the series.  The first point is exactly Start and
// the last is forced to exactly Finish, overriding the numerically
// approximated value.
func (s *Series) Points() []float64 {
	out := make([]float64, 0, s.NumPoints)
	st := s.Stepper()
	for {
		x, ok := st.Next()
		if !ok {
			break
		}
		out = append(out, x)
	}
	return out
}

// Stepper returns a restartable iterator over the series.
func (s *Series) Stepper() *Stepper {
	return &Stepper{s: s, x: s.Start}
}

// Stepper walks a Series one position at a time.  Create with
// Series.Stepper; a fresh Stepper restarts from the first point.
type Stepper struct {
	s *Series
	i int
	x float64
}

// Next returns the next position and true, or 0 and false after the
// series is exhausted.
func (st *Stepper) Next() (float64, bool) {
	s := st.s
	if st.i >= s.NumPoints {
		return 0, false
	}
	switch st.i {
	case 0:
		st.x = s.Start
	case s.NumPoints - 1:
		st.x = s.Finish
	default:
		st.x += s.sign * s.step(st.x, s.Factor)
	}
	st.i++
	return st.x, true
}
