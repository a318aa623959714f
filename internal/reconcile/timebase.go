package reconcile

import (
	"sort"
	"time"
)

// PositionSample is a single USD valuation of a position at an instant.
type PositionSample struct {
	Time     time.Time
	ValueUSD float64
}

// SortSamples orders samples by time ascending. Upstream readers usually
// return ordered rows already; this keeps the pipeline safe when they don't.
func SortSamples(samples []PositionSample) []PositionSample {
	out := make([]PositionSample, len(samples))
	copy(out, samples)
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// BuildTimebase unions position-sample instants and transaction instants into
// one strictly increasing, deduplicated sequence normalised to UTC. An empty
// input yields an empty timebase, which every downstream stage treats as a
// no-op.
func BuildTimebase(positionTimes, transactionTimes []time.Time) []time.Time {
	seen := make(map[int64]time.Time, len(positionTimes)+len(transactionTimes))
	for _, ts := range positionTimes {
		u := ts.UTC()
		seen[u.UnixNano()] = u
	}
	for _, ts := range transactionTimes {
		u := ts.UTC()
		seen[u.UnixNano()] = u
	}

	timebase := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		timebase = append(timebase, ts)
	}
	sort.Slice(timebase, func(i, j int) bool { return timebase[i].Before(timebase[j]) })
	return timebase
}

// timebaseIndex maps each instant to its position in the timebase for exact
// lookups during transaction mapping.
func timebaseIndex(timebase []time.Time) map[int64]int {
	idx := make(map[int64]int, len(timebase))
	for i, ts := range timebase {
		idx[ts.UnixNano()] = i
	}
	return idx
}
