package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// InterpolationMethod selects how positions are filled between samples.
type InterpolationMethod int

const (
	InterpLinear InterpolationMethod = iota
	InterpCubic
)

// ParseInterpolationMethod maps a configuration string onto the enum.
func ParseInterpolationMethod(s string) (InterpolationMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linear":
		return InterpLinear, nil
	case "cubic":
		return InterpCubic, nil
	default:
		return InterpLinear, fmt.Errorf("unknown interpolation method %q", s)
	}
}

// cubicMinSamples is the minimum sample count for a cubic spline; with fewer
// the interpolator silently degrades to linear.
const cubicMinSamples = 4

// Interpolate fills position values onto the target timebase. Values at the
// original sample instants are reproduced exactly; values between samples use
// the chosen method; values outside the sampled range hold the nearest edge
// value rather than extrapolating. With fewer than four samples the cubic
// method falls back to linear.
func Interpolate(samples []PositionSample, timebase []time.Time, method InterpolationMethod, logger zerolog.Logger) []float64 {
	if len(timebase) == 0 {
		return nil
	}
	if len(samples) == 0 {
		return make([]float64, len(timebase))
	}

	xs, ys := sampleAxes(samples)

	if method == InterpCubic && len(xs) < cubicMinSamples {
		logger.Warn().
			Int("samples", len(xs)).
			Msg("fewer than 4 samples; falling back to linear interpolation")
		method = InterpLinear
	}

	switch method {
	case InterpCubic:
		return cubicInterp(xs, ys, timebase)
	default:
		return linearInterp(xs, ys, timebase)
	}
}

// sampleAxes converts samples to numeric axes, dropping duplicate instants.
// Duplicates are not expected from upstream but must not break the pipeline.
func sampleAxes(samples []PositionSample) ([]float64, []float64) {
	sorted := SortSamples(samples)
	xs := make([]float64, 0, len(sorted))
	ys := make([]float64, 0, len(sorted))
	var lastNano int64
	for i, s := range sorted {
		nano := s.Time.UTC().UnixNano()
		if i > 0 && nano == lastNano {
			continue
		}
		xs = append(xs, float64(nano)/1e9)
		ys = append(ys, s.ValueUSD)
		lastNano = nano
	}
	return xs, ys
}

func linearInterp(xs, ys []float64, timebase []time.Time) []float64 {
	out := make([]float64, len(timebase))
	for i, ts := range timebase {
		out[i] = linearAt(xs, ys, float64(ts.UTC().UnixNano())/1e9)
	}
	return out
}

func linearAt(xs, ys []float64, x float64) float64 {
	n := len(xs)
	if x <= xs[0] {
		return ys[0]
	}
	if x >= xs[n-1] {
		return ys[n-1]
	}
	// First knot strictly greater than x.
	j := sort.SearchFloat64s(xs, x)
	if j < n && xs[j] == x {
		return ys[j]
	}
	x0, x1 := xs[j-1], xs[j]
	y0, y1 := ys[j-1], ys[j]
	return y0 + (y1-y0)*(x-x0)/(x1-x0)
}

// cubicInterp evaluates a natural cubic spline through the samples, holding
// the edge values outside the sampled range.
func cubicInterp(xs, ys []float64, timebase []time.Time) []float64 {
	m := splineSecondDerivatives(xs, ys)
	n := len(xs)
	out := make([]float64, len(timebase))
	for i, ts := range timebase {
		x := float64(ts.UTC().UnixNano()) / 1e9
		switch {
		case x <= xs[0]:
			out[i] = ys[0]
		case x >= xs[n-1]:
			out[i] = ys[n-1]
		default:
			j := sort.SearchFloat64s(xs, x)
			if j < n && xs[j] == x {
				out[i] = ys[j]
				continue
			}
			lo, hi := j-1, j
			h := xs[hi] - xs[lo]
			a := (xs[hi] - x) / h
			b := (x - xs[lo]) / h
			out[i] = a*ys[lo] + b*ys[hi] +
				((a*a*a-a)*m[lo]+(b*b*b-b)*m[hi])*(h*h)/6.0
		}
	}
	return out
}

// splineSecondDerivatives solves the natural-spline tridiagonal system
// (zero curvature at both edges) with the Thomas algorithm.
func splineSecondDerivatives(xs, ys []float64) []float64 {
	n := len(xs)
	m := make([]float64, n)
	if n < 3 {
		return m
	}

	sub := make([]float64, n)
	diag := make([]float64, n)
	sup := make([]float64, n)
	rhs := make([]float64, n)

	diag[0], diag[n-1] = 1, 1
	for i := 1; i < n-1; i++ {
		h0 := xs[i] - xs[i-1]
		h1 := xs[i+1] - xs[i]
		sub[i] = h0
		diag[i] = 2 * (h0 + h1)
		sup[i] = h1
		rhs[i] = 6 * ((ys[i+1]-ys[i])/h1 - (ys[i]-ys[i-1])/h0)
	}

	for i := 1; i < n; i++ {
		w := sub[i] / diag[i-1]
		diag[i] -= w * sup[i-1]
		rhs[i] -= w * rhs[i-1]
	}
	m[n-1] = rhs[n-1] / diag[n-1]
	for i := n - 2; i >= 0; i-- {
		m[i] = (rhs[i] - sup[i]*m[i+1]) / diag[i]
	}
	return m
}
