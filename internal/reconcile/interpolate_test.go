package reconcile

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestInterpolateExactAtSamples(t *testing.T) {
	samples := []PositionSample{
		{Time: at(0), ValueUSD: 100},
		{Time: at(1), ValueUSD: 180},
		{Time: at(2), ValueUSD: 160},
		{Time: at(3), ValueUSD: 220},
	}
	timebase := BuildTimebase([]time.Time{at(0), at(1), at(2), at(3)}, []time.Time{at(0.5), at(2.25)})

	for _, method := range []InterpolationMethod{InterpLinear, InterpCubic} {
		values := Interpolate(samples, timebase, method, noopLogger())
		require.Len(t, values, len(timebase))
		for _, s := range samples {
			idx := indexOf(t, timebase, s.Time)
			require.InDelta(t, s.ValueUSD, values[idx], 1e-9, "sample values must be reproduced exactly")
		}
	}
}

func TestInterpolateLinearBetweenSamples(t *testing.T) {
	samples := []PositionSample{
		{Time: at(0), ValueUSD: 100},
		{Time: at(2), ValueUSD: 200},
	}
	timebase := []time.Time{at(0), at(1), at(2)}

	values := Interpolate(samples, timebase, InterpLinear, noopLogger())
	require.InDelta(t, 150, values[1], 1e-9)
}

func TestInterpolateEdgeHold(t *testing.T) {
	samples := []PositionSample{
		{Time: at(1), ValueUSD: 100},
		{Time: at(2), ValueUSD: 200},
	}
	timebase := []time.Time{at(0), at(1), at(2), at(5)}

	for _, method := range []InterpolationMethod{InterpLinear, InterpCubic} {
		values := Interpolate(samples, timebase, method, noopLogger())
		require.InDelta(t, 100, values[0], 1e-9, "before first sample the edge value holds")
		require.InDelta(t, 200, values[3], 1e-9, "after last sample the edge value holds")
	}
}

func TestInterpolateCubicFallsBackToLinear(t *testing.T) {
	samples := []PositionSample{
		{Time: at(0), ValueUSD: 100},
		{Time: at(1), ValueUSD: 110},
		{Time: at(2), ValueUSD: 90},
	}
	timebase := []time.Time{at(0), at(0.5), at(1), at(1.5), at(2)}

	cubic := Interpolate(samples, timebase, InterpCubic, noopLogger())
	linear := Interpolate(samples, timebase, InterpLinear, noopLogger())
	require.Equal(t, linear, cubic, "under 4 samples cubic degrades to linear")
}

func TestInterpolateDuplicateInstants(t *testing.T) {
	samples := []PositionSample{
		{Time: at(0), ValueUSD: 100},
		{Time: at(0), ValueUSD: 105},
		{Time: at(1), ValueUSD: 200},
	}
	timebase := []time.Time{at(0), at(1)}

	values := Interpolate(samples, timebase, InterpLinear, noopLogger())
	require.Len(t, values, 2)
	require.InDelta(t, 100, values[0], 1e-9)
}

func TestInterpolateEmptyTimebase(t *testing.T) {
	require.Nil(t, Interpolate([]PositionSample{{Time: at(0), ValueUSD: 1}}, nil, InterpLinear, noopLogger()))
}

func indexOf(t *testing.T, timebase []time.Time, ts time.Time) int {
	t.Helper()
	for i, v := range timebase {
		if v.Equal(ts) {
			return i
		}
	}
	t.Fatalf("instant %s not on timebase", ts)
	return -1
}
