package gate

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func hourly(values []float64) []time.Time {
	times := make([]time.Time, len(values))
	for i := range values {
		times[i] = baseTime.Add(time.Duration(i) * time.Hour)
	}
	return times
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func stdConfig() Config {
	return Config{
		Enabled:             true,
		Method:              MethodPolynomial,
		PolynomialOrder:     1,
		KSigma:              2.0,
		MinPoints:           8,
		ThresholdMode:       ThresholdStdDev,
		SigmaEpsilon:        1e-6,
		ExcludeLastForSigma: true,
	}
}

func TestEvaluateDegenerateSigmaSkips(t *testing.T) {
	// A perfectly linear climb fits exactly, so the residual spread collapses
	// and the gate must decline rather than divide by noise.
	values := make([]float64, 25)
	for i := range values {
		values[i] = 1000 + 100*float64(i)/24
	}

	res := Evaluate(hourly(values), values, stdConfig(), noopLogger())

	require.False(t, res.Applied)
	require.False(t, res.Triggered)
	require.Equal(t, SkipDegenerateSigma, res.SkipReason)
	require.Less(t, res.Sigma, 1e-6)
}

func TestEvaluateInsufficientPoints(t *testing.T) {
	values := []float64{1, 2, 3}

	res := Evaluate(hourly(values), values, stdConfig(), noopLogger())

	require.False(t, res.Applied)
	require.False(t, res.Triggered)
	require.Equal(t, SkipInsufficientPoints, res.SkipReason)
}

func TestEvaluatePolynomialTriggerMonotoneInK(t *testing.T) {
	// A clean unit-slope line with one large terminal jump. The outlier
	// tilts the fit but its residual stays far above the estimation spread.
	values := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 19}
	times := hourly(values)

	tight := stdConfig()
	tight.KSigma = 2.0
	res := Evaluate(times, values, tight, noopLogger())
	require.True(t, res.Applied)
	require.True(t, res.Triggered)
	require.Greater(t, res.Residual, 0.0)

	loose := stdConfig()
	loose.KSigma = 5.0
	res = Evaluate(times, values, loose, noopLogger())
	require.True(t, res.Applied)
	require.False(t, res.Triggered, "a wider band must be strictly harder to trigger")
}

func TestEvaluateMedianMethod(t *testing.T) {
	values := []float64{1, 2, 1, 2, 1, 2, 1, 2, 1, 50}
	cfg := stdConfig()
	cfg.Method = MethodMedian
	cfg.MinPoints = 5

	res := Evaluate(hourly(values), values, cfg, noopLogger())

	require.True(t, res.Applied)
	require.True(t, res.Triggered)
	require.InDelta(t, 48.5, res.Residual, 1e-9)
}

func TestEvaluatePercentileMode(t *testing.T) {
	values := []float64{1, 2, 1, 2, 1, 2, 1, 2, 1, 50}
	cfg := stdConfig()
	cfg.Method = MethodMedian
	cfg.MinPoints = 5
	cfg.ThresholdMode = ThresholdPercentile
	cfg.CentralConfidence = 0.9

	res := Evaluate(hourly(values), values, cfg, noopLogger())

	require.True(t, res.Applied)
	require.True(t, res.UsedPercentile)
	require.True(t, res.Triggered)
	require.Greater(t, res.Residual, res.ThresholdHigh)
}

func TestEvaluatePercentileFallsBackToStdDev(t *testing.T) {
	// With a single estimation residual the central interval is meaningless;
	// the k-sigma rule takes over.
	values := []float64{0, 10}
	cfg := stdConfig()
	cfg.Method = MethodMedian
	cfg.MinPoints = 2
	cfg.ThresholdMode = ThresholdPercentile
	cfg.CentralConfidence = 0.9

	res := Evaluate(hourly(values), values, cfg, noopLogger())

	require.True(t, res.Applied)
	require.False(t, res.UsedPercentile)
	require.False(t, res.Triggered)
}

func TestEvaluateLookbackWindow(t *testing.T) {
	values := make([]float64, 48)
	for i := range values {
		values[i] = float64(i % 5)
	}
	cfg := stdConfig()
	cfg.MinPoints = 5
	cfg.LookbackHours = 10

	res := Evaluate(hourly(values), values, cfg, noopLogger())
	require.Len(t, res.Times, 11, "only the trailing window participates")
}

func TestEvaluateLookbackKeepsFullSeriesWhenWindowTooThin(t *testing.T) {
	values := make([]float64, 48)
	for i := range values {
		values[i] = float64(i % 5)
	}
	cfg := stdConfig()
	cfg.MinPoints = 20
	cfg.LookbackHours = 10

	res := Evaluate(hourly(values), values, cfg, noopLogger())
	require.Len(t, res.Times, 48, "a window thinner than the fit minimum is ignored")
}

func TestPolyfitRecoversLine(t *testing.T) {
	xs := []float64{0, 1, 2, 3, 4}
	ys := []float64{3, 5, 7, 9, 11} // y = 3 + 2x

	coeffs := polyfit(xs, ys, 1)
	require.Len(t, coeffs, 2)
	require.InDelta(t, 3, coeffs[0], 1e-9)
	require.InDelta(t, 2, coeffs[1], 1e-9)
}

func TestQuantileInterpolates(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	require.InDelta(t, 1, quantile(values, 0), 1e-9)
	require.InDelta(t, 5, quantile(values, 1), 1e-9)
	require.InDelta(t, 3, quantile(values, 0.5), 1e-9)
	require.InDelta(t, 4.8, quantile(values, 0.95), 1e-9)
}
