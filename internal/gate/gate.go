// Package gate implements the residual decision gate: it fits a baseline
// trend to a basis series and triggers only when the newest deviation from
// that trend is anomalous.
package gate

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Method selects the baseline fitted to the basis series.
type Method int

const (
	// MethodPolynomial fits a least-squares polynomial against elapsed
	// hours since the first sample.
	MethodPolynomial Method = iota
	// MethodMedian uses a flat line at the series median.
	MethodMedian
)

// ParseMethod maps a configuration string onto the enum.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "polynomial_fit":
		return MethodPolynomial, nil
	case "median":
		return MethodMedian, nil
	default:
		return MethodPolynomial, fmt.Errorf("unknown gate method %q", s)
	}
}

// ThresholdMode selects how the newest residual is judged.
type ThresholdMode int

const (
	// ThresholdStdDev triggers when the last residual exceeds k*sigma.
	ThresholdStdDev ThresholdMode = iota
	// ThresholdPercentile triggers when the last residual exceeds the upper
	// bound of a central interval of the residual distribution.
	ThresholdPercentile
)

// ParseThresholdMode maps a configuration string onto the enum.
func ParseThresholdMode(s string) (ThresholdMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stddev":
		return ThresholdStdDev, nil
	case "percentile":
		return ThresholdPercentile, nil
	default:
		return ThresholdStdDev, fmt.Errorf("unknown threshold mode %q", s)
	}
}

// Basis selects the series the gate fits against.
type Basis int

const (
	// BasisCorrectedGain gates on the transaction-corrected position series.
	BasisCorrectedGain Basis = iota
	// BasisRateSeries gates on a raw USD price/rate series instead.
	BasisRateSeries
)

// ParseBasis maps a configuration string onto the enum.
func ParseBasis(s string) (Basis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "corrected_gain":
		return BasisCorrectedGain, nil
	case "rate_series":
		return BasisRateSeries, nil
	default:
		return BasisCorrectedGain, fmt.Errorf("unknown gate basis %q", s)
	}
}

// Config carries the gate parameters, validated at load time.
type Config struct {
	Enabled             bool
	Basis               Basis
	Method              Method
	PolynomialOrder     int
	KSigma              float64
	MinPoints           int
	ThresholdMode       ThresholdMode
	CentralConfidence   float64
	LookbackHours       float64 // 0 disables the window
	SigmaEpsilon        float64
	ExcludeLastForSigma bool
}

// Skip reasons reported when the gate declines to decide.
const (
	SkipInsufficientPoints = "insufficient_points"
	SkipDegenerateSigma    = "degenerate_sigma"
)

// Result is the per-evaluation gate state: fitted baseline, residuals,
// spread, thresholds, and the trigger flag. Not persisted.
type Result struct {
	Applied    bool
	Triggered  bool
	SkipReason string // one of the Skip* constants when Applied is false

	Residual       float64
	Sigma          float64
	KSigma         float64
	ThresholdLow   float64
	ThresholdHigh  float64
	UsedPercentile bool

	// Series context, kept for diagnostics rendering.
	Times     []time.Time
	Values    []float64
	Fitted    []float64
	Residuals []float64
}

// requiredPoints returns the minimum sample count for a meaningful fit.
func (c Config) requiredPoints() int {
	required := c.MinPoints
	if c.Method == MethodPolynomial && c.PolynomialOrder+1 > required {
		required = c.PolynomialOrder + 1
	}
	return required
}

// Evaluate fits the configured baseline to the basis series and tests the
// newest residual against the threshold. When there are too few points the
// result is returned unapplied and the caller substitutes its baseline
// non-negativity decision; a degenerate spread under stddev thresholding is
// reported as not triggered.
func Evaluate(times []time.Time, values []float64, cfg Config, logger zerolog.Logger) Result {
	times, values = applyLookback(times, values, cfg)

	res := Result{KSigma: cfg.KSigma, Times: times, Values: values}
	if len(values) < cfg.requiredPoints() {
		res.SkipReason = SkipInsufficientPoints
		logger.Warn().
			Int("points", len(values)).
			Int("required", cfg.requiredPoints()).
			Msg("residual gate skipped: insufficient points")
		return res
	}

	res.Fitted = fitBaseline(times, values, cfg)
	res.Residuals = make([]float64, len(values))
	for i := range values {
		res.Residuals[i] = values[i] - res.Fitted[i]
	}

	est := res.Residuals
	if cfg.ExcludeLastForSigma && len(est) > 1 {
		// The newest point is the one under test; keep it out of its own
		// threshold estimate.
		est = est[:len(est)-1]
	}
	res.Sigma = populationStdDev(est)
	res.Residual = res.Residuals[len(res.Residuals)-1]

	if cfg.ThresholdMode == ThresholdStdDev && res.Sigma < cfg.SigmaEpsilon {
		res.SkipReason = SkipDegenerateSigma
		logger.Warn().
			Float64("sigma", res.Sigma).
			Float64("epsilon", cfg.SigmaEpsilon).
			Msg("residual gate skipped: degenerate sigma")
		return res
	}

	res.Applied = true
	res.Triggered = threshold(res.Residual, res.Sigma, est, cfg, &res)

	logger.Info().
		Float64("residual", res.Residual).
		Float64("sigma", res.Sigma).
		Float64("k_sigma", cfg.KSigma).
		Bool("triggered", res.Triggered).
		Msg("residual gate evaluated")
	return res
}

// applyLookback restricts the series to the trailing window, but only when
// enough points survive for the configured fit.
func applyLookback(times []time.Time, values []float64, cfg Config) ([]time.Time, []float64) {
	if cfg.LookbackHours <= 0 || len(times) == 0 {
		return times, values
	}
	cut := times[len(times)-1].Add(-time.Duration(cfg.LookbackHours * float64(time.Hour)))
	start := 0
	for start < len(times) && times[start].Before(cut) {
		start++
	}
	if len(times)-start < cfg.requiredPoints() {
		return times, values
	}
	return times[start:], values[start:]
}

func fitBaseline(times []time.Time, values []float64, cfg Config) []float64 {
	fitted := make([]float64, len(values))
	if cfg.Method == MethodMedian {
		med := median(values)
		for i := range fitted {
			fitted[i] = med
		}
		return fitted
	}

	xs := make([]float64, len(times))
	for i, ts := range times {
		xs[i] = ts.Sub(times[0]).Hours()
	}
	coeffs := polyfit(xs, values, cfg.PolynomialOrder)
	for i, x := range xs {
		fitted[i] = polyval(coeffs, x)
	}
	return fitted
}

// threshold decides the trigger. Percentile mode computes a two-sided
// central interval of width CentralConfidence over the estimation residuals
// and triggers above the upper bound; with too few distinct residuals it
// falls back to the stddev rule.
func threshold(rNow, sigma float64, est []float64, cfg Config, res *Result) bool {
	if cfg.ThresholdMode == ThresholdPercentile && len(est) > 1 {
		pLow := (1 - cfg.CentralConfidence) / 2
		res.ThresholdLow = quantile(est, pLow)
		res.ThresholdHigh = quantile(est, 1-pLow)
		res.UsedPercentile = true
		return rNow > res.ThresholdHigh
	}
	res.ThresholdHigh = cfg.KSigma * sigma
	res.ThresholdLow = -res.ThresholdHigh
	return sigma > 0 && rNow > cfg.KSigma*sigma
}
