package evaluator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// EpsilonMode selects how the cross-source price delta is judged.
type EpsilonMode int

const (
	// EpsilonRelative compares (max-min)/max against the tolerance.
	EpsilonRelative EpsilonMode = iota
	// EpsilonAbsolute compares max-min against the tolerance in USD.
	EpsilonAbsolute
)

// ParseEpsilonMode maps a configuration string onto the enum.
func ParseEpsilonMode(s string) (EpsilonMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "relative":
		return EpsilonRelative, nil
	case "absolute":
		return EpsilonAbsolute, nil
	default:
		return EpsilonRelative, fmt.Errorf("unknown epsilon mode %q", s)
	}
}

// MismatchAction selects what a persistent mismatch does to the decision.
type MismatchAction int

const (
	// ActionHold vetoes the gate and forces HOLD.
	ActionHold MismatchAction = iota
	// ActionLog only records the mismatch.
	ActionLog
)

// ParseMismatchAction maps a configuration string onto the enum.
func ParseMismatchAction(s string) (MismatchAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hold":
		return ActionHold, nil
	case "log":
		return ActionLog, nil
	default:
		return ActionHold, fmt.Errorf("unknown mismatch action %q", s)
	}
}

// PriceCompareConfig drives the cross-source price check.
type PriceCompareConfig struct {
	Enabled              bool
	Mode                 EpsilonMode
	Epsilon              float64
	PersistenceThreshold int
	Action               MismatchAction
}

// MismatchState is the per-asset persistence counter. It lives for the
// process lifetime of the evaluator and is the only state shared between
// evaluation cycles; inject it so tests can reset it deterministically.
// Cycles normally run sequentially, the mutex covers the case where they do
// not.
type MismatchState struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMismatchState returns an empty counter set.
func NewMismatchState() *MismatchState {
	return &MismatchState{counts: make(map[string]int)}
}

// observe updates the counter for one asset and returns the new value.
func (s *MismatchState) observe(asset string, mismatch bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mismatch {
		s.counts[asset]++
	} else {
		s.counts[asset] = 0
	}
	return s.counts[asset]
}

// Count reports the current counter without mutating it.
func (s *MismatchState) Count(asset string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[asset]
}

// Reset clears every counter.
func (s *MismatchState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[string]int)
}

// ComparePrices checks concurrently-fetched quotes for one asset against the
// tolerance and updates the persistence counter. With fewer than two sources
// the comparison is unavailable and the counter is left untouched. ForcedHold
// reports whether the caller must veto a WITHDRAW_OK decision; the caller
// applies it, this function only decides it.
func ComparePrices(asset string, prices map[string]float64, cfg PriceCompareConfig, state *MismatchState, logger zerolog.Logger) *PriceCompareDiagnostics {
	if !cfg.Enabled {
		return nil
	}
	diag := &PriceCompareDiagnostics{PricesBySource: prices}
	if len(prices) < 2 {
		diag.Unavailable = true
		diag.MismatchCount = state.Count(asset)
		logger.Debug().Str("asset", asset).Int("sources", len(prices)).Msg("price comparison unavailable: fewer than two sources")
		return diag
	}

	first := true
	var lo, hi float64
	for _, p := range prices {
		if first {
			lo, hi = p, p
			first = false
			continue
		}
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	diag.DeltaAbs = hi - lo
	if hi > 0 {
		diag.DeltaRel = diag.DeltaAbs / hi
	}

	switch cfg.Mode {
	case EpsilonAbsolute:
		diag.Mismatch = diag.DeltaAbs > cfg.Epsilon
	default:
		diag.Mismatch = diag.DeltaRel > cfg.Epsilon
	}

	diag.MismatchCount = state.observe(asset, diag.Mismatch)
	diag.ForcedHold = diag.Mismatch &&
		diag.MismatchCount >= cfg.PersistenceThreshold &&
		cfg.Action == ActionHold

	if diag.Mismatch {
		logger.Warn().
			Str("asset", asset).
			Float64("delta_abs", diag.DeltaAbs).
			Float64("delta_rel", diag.DeltaRel).
			Int("count", diag.MismatchCount).
			Int("threshold", cfg.PersistenceThreshold).
			Bool("forced_hold", diag.ForcedHold).
			Msg("cross-source price mismatch") // 价格源偏差超限
	}
	return diag
}
