// Package evaluator assembles the withdrawal-safety decision for each asset:
// reference resolution, gain reconciliation, the residual gate, per-wallet
// caps, and the cross-source price veto.
package evaluator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"withdrawguard/internal/gate"
	"withdrawguard/internal/reconcile"
)

// Config is the fully-validated parameter set for one evaluator instance.
// Validation happens at load time; nothing here fails mid-cycle.
type Config struct {
	// SafetyFactor c scales per-wallet gain into the withdrawal cap.
	SafetyFactor float64
	Reference    ReferenceConfig
	Reconcile    reconcile.Params
	Gate         gate.Config
	PriceCompare PriceCompareConfig
}

// Inputs carries everything one asset evaluation consumes. All network and
// database fetching happens before the core runs; the pipeline itself never
// blocks on I/O.
type Inputs struct {
	Samples         []reconcile.PositionSample
	SamplesByWallet map[string][]reconcile.PositionSample
	Events          []reconcile.TransactionEvent
	// Rates is the optional raw USD rate series used as an alternate gate
	// basis.
	Rates []reconcile.PositionSample
	// Prices maps source name to the latest quote for the mismatch check.
	Prices map[string]float64
}

// InputFetcher supplies per-asset inputs from the external collaborators
// (database, price sources).
type InputFetcher interface {
	Fetch(ctx context.Context, asset string) (Inputs, error)
}

// Evaluator runs the decision pipeline over a configured asset list. The
// mismatch counter is the only state carried between cycles.
type Evaluator struct {
	cfg    Config
	fetch  InputFetcher
	state  *MismatchState
	logger zerolog.Logger
	now    func() time.Time
}

// New builds an evaluator. A nil state gets a fresh counter set.
func New(cfg Config, fetch InputFetcher, state *MismatchState, logger zerolog.Logger) *Evaluator {
	if state == nil {
		state = NewMismatchState()
	}
	return &Evaluator{
		cfg:    cfg,
		fetch:  fetch,
		state:  state,
		logger: logger.With().Str("component", "evaluator").Logger(),
		now:    time.Now,
	}
}

// EvaluateAll evaluates every asset in order. One asset's failure becomes an
// ERROR decision in the batch and never aborts the others. Cycles run
// sequentially to keep the mismatch counters consistent.
func (e *Evaluator) EvaluateAll(ctx context.Context, assets []string) []AssetDecision {
	decisions := make([]AssetDecision, 0, len(assets))
	for _, asset := range assets {
		decisions = append(decisions, e.EvaluateAsset(ctx, asset))
	}
	return decisions
}

// EvaluateAsset fetches the asset's inputs and runs the pipeline.
func (e *Evaluator) EvaluateAsset(ctx context.Context, asset string) AssetDecision {
	now := e.now().UTC()
	in, err := e.fetch.Fetch(ctx, asset)
	if err != nil {
		e.logger.Error().Err(err).Str("asset", asset).Msg("input fetch failed")
		return errorDecision(asset, now, fmt.Sprintf("fetch inputs: %v", err))
	}
	return e.evaluate(asset, in, now)
}

// EvaluateInputs runs the pipeline over already-fetched inputs, stamping the
// decision with the given instant. Backfill uses this to re-evaluate
// historical cycles.
func (e *Evaluator) EvaluateInputs(asset string, in Inputs, at time.Time) AssetDecision {
	return e.evaluate(asset, in, at.UTC())
}

// evaluate is the pure pipeline over already-fetched inputs. Deterministic
// for fixed inputs and counter state.
func (e *Evaluator) evaluate(asset string, in Inputs, now time.Time) AssetDecision {
	logger := e.logger.With().Str("asset", asset).Logger()

	if len(in.Samples) == 0 {
		logger.Error().Msg("no position data in range")
		return errorDecision(asset, now, "no position data in range")
	}

	ref := ResolveReference(in.Samples, in.Events, e.cfg.Reference, e.cfg.Reconcile.TimestampSource)
	if !ref.Established {
		// Null fallback: report HOLD with zero gain, no gate evaluation.
		logger.Info().Msg("reference not established; holding")
		dec := AssetDecision{
			Asset:       asset,
			EvaluatedAt: now,
			Decision:    Hold,
			Diag:        Diagnostics{RefMode: RefNone},
		}
		dec.Diag.PriceCompare = ComparePrices(asset, in.Prices, e.cfg.PriceCompare, e.state, logger)
		return dec
	}

	sorted := reconcile.SortSamples(in.Samples)
	if sorted[len(sorted)-1].Time.UTC().Before(ref.T0) {
		logger.Error().Time("t0", ref.T0).Msg("no position data after reference instant")
		return errorDecision(asset, now, "no position data after reference instant")
	}

	refIndex := referenceIndex(sorted, in.Events, ref.T0, e.cfg.Reconcile.TimestampSource)
	series, err := reconcile.Reconcile(sorted, in.Events, refIndex, e.cfg.Reconcile, logger)
	if err != nil {
		return errorDecision(asset, now, err.Error())
	}

	wallets := DecomposeWallets(in.SamplesByWallet, in.Events, ref.T0, e.cfg.SafetyFactor, e.cfg.Reconcile, logger)
	gain := series.FinalGain()

	decision := nonNegativityDecision(gain, wallets)
	var gdiag *GateDiagnostics
	if e.cfg.Gate.Enabled {
		times, values := e.gateBasis(series, ref, in.Rates, logger)
		res := gate.Evaluate(times, values, e.cfg.Gate, logger)
		gdiag = gateDiagnostics(res)
		switch {
		case res.Applied && res.Triggered:
			decision = WithdrawOK
		case res.Applied:
			decision = Hold
		case res.SkipReason == gate.SkipDegenerateSigma:
			// Uninformative spread: treated as not triggered.
			decision = Hold
		default:
			// Insufficient points: the non-negativity baseline stands.
		}
	}

	pdiag := ComparePrices(asset, in.Prices, e.cfg.PriceCompare, e.state, logger)
	if pdiag != nil && pdiag.ForcedHold && decision == WithdrawOK {
		logger.Warn().Int("mismatch_count", pdiag.MismatchCount).Msg("persistent price mismatch; decision forced to HOLD")
		decision = Hold
	}

	dec := AssetDecision{
		Asset:       asset,
		EvaluatedAt: now,
		Decision:    decision,
		Wallets:     wallets,
		Diag: Diagnostics{
			RefMode:      ref.Mode,
			T0:           ref.T0,
			T1:           series.Timebase[len(series.Timebase)-1],
			VRefUSD:      ref.V0,
			VT1USD:       series.Positions[len(series.Positions)-1],
			GainUSD:      gain,
			PriceT1USD:   latestRate(in.Rates),
			Gate:         gdiag,
			PriceCompare: pdiag,
		},
	}

	logger.Info().
		Str("decision", decision.String()).
		Float64("gain_usd", gain).
		Float64("wmax_total_usd", TotalWmax(wallets)).
		Str("ref_mode", ref.Mode.String()).
		Msg("asset evaluated")
	return dec
}

// nonNegativityDecision is the baseline rule used when the gate is disabled
// or lacks points: allow withdrawal only when something positive accrued.
func nonNegativityDecision(gain float64, wallets []WalletBreakdown) Outcome {
	if TotalWmax(wallets) > 0 || gain > 0 {
		return WithdrawOK
	}
	return Hold
}

// gateBasis selects the series the gate fits against. The rate basis falls
// back to the corrected series when it is too sparse for the configured fit,
// logging the downgrade.
func (e *Evaluator) gateBasis(series reconcile.Series, ref Reference, rates []reconcile.PositionSample, logger zerolog.Logger) ([]time.Time, []float64) {
	if e.cfg.Gate.Basis == gate.BasisRateSeries {
		if len(rates) >= e.cfg.Gate.MinPoints {
			sorted := reconcile.SortSamples(rates)
			times := make([]time.Time, len(sorted))
			values := make([]float64, len(sorted))
			for i, s := range sorted {
				times[i] = s.Time.UTC()
				values[i] = s.ValueUSD
			}
			return times, values
		}
		logger.Warn().
			Int("rate_points", len(rates)).
			Int("required", e.cfg.Gate.MinPoints).
			Msg("rate series too sparse for gate basis; falling back to corrected series")
	}

	// Corrected basis: v0 plus gain at the original sample instants only, so
	// interpolation targets never dilute the residual distribution.
	var times []time.Time
	var values []float64
	for i := range series.Timebase {
		if !series.SampleMask[i] {
			continue
		}
		times = append(times, series.Timebase[i])
		values = append(values, ref.V0+series.Gains[i])
	}
	return times, values
}

// referenceIndex locates t0 on the unified timebase. Keyword and data-range
// references sit on the timebase by construction; the nearest index covers
// clock-precision drift.
func referenceIndex(sorted []reconcile.PositionSample, events []reconcile.TransactionEvent, t0 time.Time, src reconcile.TimestampSource) int {
	sampleTimes := make([]time.Time, len(sorted))
	for i, s := range sorted {
		sampleTimes[i] = s.Time.UTC()
	}
	eventTimes := make([]time.Time, len(events))
	for i, ev := range events {
		eventTimes[i] = ev.AlignmentInstant(src).UTC()
	}
	timebase := reconcile.BuildTimebase(sampleTimes, eventTimes)

	t0 = t0.UTC()
	best := 0
	bestDelta := math.Inf(1)
	for i, ts := range timebase {
		if ts.Equal(t0) {
			return i
		}
		delta := math.Abs(ts.Sub(t0).Seconds())
		if delta < bestDelta {
			best = i
			bestDelta = delta
		}
	}
	return best
}

func latestRate(rates []reconcile.PositionSample) float64 {
	if len(rates) == 0 {
		return 0
	}
	sorted := reconcile.SortSamples(rates)
	return sorted[len(sorted)-1].ValueUSD
}
