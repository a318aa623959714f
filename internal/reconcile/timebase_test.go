package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(hours float64) time.Time {
	return baseTime.Add(time.Duration(hours * float64(time.Hour)))
}

func TestBuildTimebaseUnionSortedDeduped(t *testing.T) {
	positions := []time.Time{at(2), at(0), at(1)}
	transactions := []time.Time{at(1), at(0.5), at(3)}

	tb := BuildTimebase(positions, transactions)

	require.Equal(t, []time.Time{at(0), at(0.5), at(1), at(2), at(3)}, tb)
}

func TestBuildTimebaseNormalizesZones(t *testing.T) {
	zone := time.FixedZone("UTC+8", 8*3600)
	local := at(1).In(zone)

	tb := BuildTimebase([]time.Time{at(1)}, []time.Time{local})

	require.Len(t, tb, 1)
	require.Equal(t, time.UTC, tb[0].Location())
}

func TestBuildTimebaseEmpty(t *testing.T) {
	require.Empty(t, BuildTimebase(nil, nil))
}

func TestSortSamplesDoesNotMutateInput(t *testing.T) {
	samples := []PositionSample{
		{Time: at(2), ValueUSD: 2},
		{Time: at(0), ValueUSD: 0},
	}
	sorted := SortSamples(samples)

	require.Equal(t, at(0), sorted[0].Time)
	require.Equal(t, at(2), samples[0].Time)
}
