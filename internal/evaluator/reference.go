package evaluator

import (
	"fmt"
	"math"
	"strings"
	"time"

	"withdrawguard/internal/reconcile"
)

// FallbackMode selects what happens when no tagged withdrawal exists.
type FallbackMode int

const (
	// FallbackNull leaves the reference unestablished; the evaluation reports
	// HOLD with zero gain and never reaches the gate.
	FallbackNull FallbackMode = iota
	// FallbackDataRange anchors the reference at the start of the data window.
	FallbackDataRange
)

// ParseFallbackMode maps a configuration string onto the enum.
func ParseFallbackMode(s string) (FallbackMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null":
		return FallbackNull, nil
	case "data_range":
		return FallbackDataRange, nil
	default:
		return FallbackNull, fmt.Errorf("unknown reference fallback mode %q", s)
	}
}

// ReferenceMode records how a reference was established.
type ReferenceMode int

const (
	RefNone ReferenceMode = iota
	RefKeyword
	RefDataRange
)

// String renders the mode for logs and persisted decisions.
func (m ReferenceMode) String() string {
	switch m {
	case RefKeyword:
		return "keyword"
	case RefDataRange:
		return "data_range"
	default:
		return "none"
	}
}

// ReferenceConfig drives the resolver.
type ReferenceConfig struct {
	// Keyword tags the resetting withdrawal in its ledger notes.
	Keyword  string
	Fallback FallbackMode
}

// Reference is the resolved starting point all later gain is measured
// against. Lifetime is one evaluation cycle.
type Reference struct {
	Established bool
	Mode        ReferenceMode
	T0          time.Time
	V0          float64
}

// ResolveReference selects t0 and v0. Keyword mode wins when a tagged
// withdrawal exists; otherwise the configured fallback applies.
func ResolveReference(samples []reconcile.PositionSample, events []reconcile.TransactionEvent, cfg ReferenceConfig, src reconcile.TimestampSource) Reference {
	if cfg.Keyword != "" {
		if t0, ok := latestTaggedWithdrawal(events, cfg.Keyword, src); ok {
			v0 := nearestSampleValue(samples, t0)
			return Reference{Established: true, Mode: RefKeyword, T0: t0, V0: v0}
		}
	}
	if cfg.Fallback == FallbackDataRange && len(samples) > 0 {
		sorted := reconcile.SortSamples(samples)
		return Reference{Established: true, Mode: RefDataRange, T0: sorted[0].Time.UTC(), V0: sorted[0].ValueUSD}
	}
	return Reference{}
}

// latestTaggedWithdrawal returns the alignment instant of the most recent
// withdrawal whose notes contain the keyword.
func latestTaggedWithdrawal(events []reconcile.TransactionEvent, keyword string, src reconcile.TimestampSource) (time.Time, bool) {
	var best time.Time
	found := false
	for _, ev := range events {
		if ev.Kind != reconcile.KindWithdrawal || !strings.Contains(ev.Notes, keyword) {
			continue
		}
		instant := ev.AlignmentInstant(src).UTC()
		if !found || instant.After(best) {
			best = instant
			found = true
		}
	}
	return best, found
}

// nearestSampleValue returns the position value with the smallest absolute
// time delta to the instant, 0 when no samples exist.
func nearestSampleValue(samples []reconcile.PositionSample, instant time.Time) float64 {
	best := 0.0
	bestDelta := math.Inf(1)
	for _, s := range samples {
		delta := math.Abs(s.Time.UTC().Sub(instant).Seconds())
		if delta < bestDelta {
			best = s.ValueUSD
			bestDelta = delta
		}
	}
	return best
}
