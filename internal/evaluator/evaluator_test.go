package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"withdrawguard/internal/gate"
	"withdrawguard/internal/reconcile"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(hours float64) time.Time {
	return baseTime.Add(time.Duration(hours * float64(time.Hour)))
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type fakeFetcher struct {
	inputs map[string]Inputs
	errs   map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, asset string) (Inputs, error) {
	if err := f.errs[asset]; err != nil {
		return Inputs{}, err
	}
	return f.inputs[asset], nil
}

var _ InputFetcher = (*fakeFetcher)(nil)

func baseConfig() Config {
	return Config{
		SafetyFactor: 0.5,
		Reference:    ReferenceConfig{Keyword: "reset", Fallback: FallbackNull},
		Reconcile: reconcile.Params{
			Interpolation:   reconcile.InterpLinear,
			Alignment:       reconcile.AlignExact,
			TimestampSource: reconcile.SourceTimestamp,
			Spike:           reconcile.DefaultSpikeDetectParams(),
		},
	}
}

func hourlySamples(values ...float64) []reconcile.PositionSample {
	samples := make([]reconcile.PositionSample, len(values))
	for i, v := range values {
		samples[i] = reconcile.PositionSample{Time: at(float64(i)), ValueUSD: v}
	}
	return samples
}

func taggedWithdrawal(t *testing.T, hours, amount float64, notes string) reconcile.TransactionEvent {
	t.Helper()
	ev, err := reconcile.NewTransactionEvent(at(hours), time.Time{}, "0xabc", -amount, reconcile.KindWithdrawal, notes)
	require.NoError(t, err)
	return ev
}

func newEvaluator(cfg Config, inputs map[string]Inputs) *Evaluator {
	return New(cfg, &fakeFetcher{inputs: inputs}, nil, noopLogger())
}

func TestEvaluateNoPositionData(t *testing.T) {
	eval := newEvaluator(baseConfig(), map[string]Inputs{"susde": {}})

	dec := eval.EvaluateAsset(context.Background(), "susde")

	require.Equal(t, Errored, dec.Decision)
	require.Equal(t, "no position data in range", dec.Err)
	require.Equal(t, "ERROR", dec.Decision.String())
}

func TestEvaluateNullFallbackHolds(t *testing.T) {
	// No tagged withdrawal exists and the fallback is null: the cycle must
	// report HOLD with zero gain and never reach the gate.
	cfg := baseConfig()
	cfg.Gate = gate.Config{Enabled: true, KSigma: 2, MinPoints: 8, SigmaEpsilon: 1e-9, ExcludeLastForSigma: true}
	eval := newEvaluator(cfg, map[string]Inputs{
		"susde": {Samples: hourlySamples(100, 110, 120)},
	})

	dec := eval.EvaluateAsset(context.Background(), "susde")

	require.Equal(t, Hold, dec.Decision)
	require.Empty(t, dec.Err)
	require.Empty(t, dec.Wallets)
	require.Zero(t, dec.Diag.GainUSD)
	require.Equal(t, RefNone, dec.Diag.RefMode)
	require.Nil(t, dec.Diag.Gate)
}

func TestEvaluateDataRangeFallback(t *testing.T) {
	cfg := baseConfig()
	cfg.Reference.Fallback = FallbackDataRange
	eval := newEvaluator(cfg, map[string]Inputs{
		"susde": {Samples: hourlySamples(100, 104, 110)},
	})

	dec := eval.EvaluateAsset(context.Background(), "susde")

	require.Equal(t, WithdrawOK, dec.Decision)
	require.Equal(t, RefDataRange, dec.Diag.RefMode)
	require.Equal(t, at(0), dec.Diag.T0)
	require.InDelta(t, 100, dec.Diag.VRefUSD, 1e-9)
	require.InDelta(t, 10, dec.Diag.GainUSD, 1e-9)
}

func TestEvaluateKeywordReference(t *testing.T) {
	// The tagged withdrawal at 2h resets the baseline: only yield accrued
	// after it counts, and the withdrawal itself is principal, not loss.
	samples := hourlySamples(100, 110, 80, 85, 90)
	events := []reconcile.TransactionEvent{taggedWithdrawal(t, 2, 30, "scheduled reset withdrawal")}

	eval := newEvaluator(baseConfig(), map[string]Inputs{
		"susde": {Samples: samples, Events: events},
	})
	dec := eval.EvaluateAsset(context.Background(), "susde")

	require.Equal(t, WithdrawOK, dec.Decision)
	require.Equal(t, RefKeyword, dec.Diag.RefMode)
	require.Equal(t, at(2), dec.Diag.T0)
	require.InDelta(t, 80, dec.Diag.VRefUSD, 1e-9)
	require.InDelta(t, 10, dec.Diag.GainUSD, 1e-9)
}

func TestEvaluateLatestTaggedWithdrawalWins(t *testing.T) {
	events := []reconcile.TransactionEvent{
		taggedWithdrawal(t, 1, 10, "reset one"),
		taggedWithdrawal(t, 3, 10, "reset two"),
		taggedWithdrawal(t, 2, 10, "untagged payout"),
	}

	ref := ResolveReference(hourlySamples(100, 90, 80, 70, 60), events, ReferenceConfig{Keyword: "reset"}, reconcile.SourceTimestamp)

	require.True(t, ref.Established)
	require.Equal(t, RefKeyword, ref.Mode)
	require.Equal(t, at(3), ref.T0)
	require.InDelta(t, 70, ref.V0, 1e-9)
}

func TestResolveReferenceNearestSampleValue(t *testing.T) {
	samples := []reconcile.PositionSample{
		{Time: at(0), ValueUSD: 100},
		{Time: at(4), ValueUSD: 200},
	}
	events := []reconcile.TransactionEvent{taggedWithdrawal(t, 2.9, 10, "reset")}

	ref := ResolveReference(samples, events, ReferenceConfig{Keyword: "reset"}, reconcile.SourceTimestamp)

	require.True(t, ref.Established)
	require.InDelta(t, 200, ref.V0, 1e-9, "v0 anchors to the closest sample by time distance")
}

func TestEvaluateNoDataAfterReference(t *testing.T) {
	samples := hourlySamples(100, 110, 120)
	events := []reconcile.TransactionEvent{taggedWithdrawal(t, 5, 10, "reset")}

	eval := newEvaluator(baseConfig(), map[string]Inputs{
		"susde": {Samples: samples, Events: events},
	})
	dec := eval.EvaluateAsset(context.Background(), "susde")

	require.Equal(t, Errored, dec.Decision)
	require.Equal(t, "no position data after reference instant", dec.Err)
}

func TestEvaluateAllIsolatesFailures(t *testing.T) {
	cfg := baseConfig()
	cfg.Reference.Fallback = FallbackDataRange
	fetch := &fakeFetcher{
		inputs: map[string]Inputs{"good": {Samples: hourlySamples(100, 110)}},
		errs:   map[string]error{"bad": errors.New("connection refused")},
	}
	eval := New(cfg, fetch, nil, noopLogger())

	decisions := eval.EvaluateAll(context.Background(), []string{"bad", "good"})

	require.Len(t, decisions, 2)
	require.Equal(t, Errored, decisions[0].Decision)
	require.Contains(t, decisions[0].Err, "fetch inputs")
	require.Equal(t, WithdrawOK, decisions[1].Decision)
}

func TestEvaluateGateDegenerateSigmaHolds(t *testing.T) {
	// A perfectly linear climb gives the gate nothing to judge against; the
	// uninformative spread is treated as not triggered.
	values := make([]float64, 25)
	for i := range values {
		values[i] = 1000 + 100*float64(i)/24
	}
	cfg := baseConfig()
	cfg.Reference.Fallback = FallbackDataRange
	cfg.Gate = gate.Config{
		Enabled:             true,
		Method:              gate.MethodPolynomial,
		PolynomialOrder:     1,
		KSigma:              2,
		MinPoints:           8,
		SigmaEpsilon:        1e-6,
		ExcludeLastForSigma: true,
	}

	eval := newEvaluator(cfg, map[string]Inputs{"susde": {Samples: hourlySamples(values...)}})
	dec := eval.EvaluateAsset(context.Background(), "susde")

	require.Equal(t, Hold, dec.Decision)
	require.NotNil(t, dec.Diag.Gate)
	require.False(t, dec.Diag.Gate.Applied)
	require.Equal(t, gate.SkipDegenerateSigma, dec.Diag.Gate.SkipReason)
}

func TestEvaluateGateTriggerAllowsWithdrawal(t *testing.T) {
	values := []float64{100, 101, 102, 103, 104, 105, 106, 107, 108, 119}
	cfg := baseConfig()
	cfg.Reference.Fallback = FallbackDataRange
	cfg.Gate = gate.Config{
		Enabled:             true,
		Method:              gate.MethodPolynomial,
		PolynomialOrder:     1,
		KSigma:              2,
		MinPoints:           8,
		SigmaEpsilon:        1e-6,
		ExcludeLastForSigma: true,
	}

	eval := newEvaluator(cfg, map[string]Inputs{"susde": {Samples: hourlySamples(values...)}})
	dec := eval.EvaluateAsset(context.Background(), "susde")

	require.Equal(t, WithdrawOK, dec.Decision)
	require.True(t, dec.Diag.Gate.Applied)
	require.True(t, dec.Diag.Gate.Triggered)
}

func TestEvaluateGateQuietOverridesBaseline(t *testing.T) {
	// Positive accrued gain, but the newest residual is unremarkable: the
	// applied-but-untriggered gate wins over the non-negativity baseline.
	values := []float64{1, 2, 1, 2, 1, 2, 1, 2, 1, 2}
	cfg := baseConfig()
	cfg.Reference.Fallback = FallbackDataRange
	cfg.Gate = gate.Config{
		Enabled:             true,
		Method:              gate.MethodMedian,
		KSigma:              2,
		MinPoints:           5,
		SigmaEpsilon:        1e-9,
		ExcludeLastForSigma: true,
	}

	eval := newEvaluator(cfg, map[string]Inputs{"susde": {Samples: hourlySamples(values...)}})
	dec := eval.EvaluateAsset(context.Background(), "susde")

	require.Greater(t, dec.Diag.GainUSD, 0.0)
	require.Equal(t, Hold, dec.Decision)
	require.True(t, dec.Diag.Gate.Applied)
	require.False(t, dec.Diag.Gate.Triggered)
}

func TestEvaluatePriceMismatchPersistenceVeto(t *testing.T) {
	cfg := baseConfig()
	cfg.Reference.Fallback = FallbackDataRange
	cfg.PriceCompare = PriceCompareConfig{
		Enabled:              true,
		Mode:                 EpsilonRelative,
		Epsilon:              0.01,
		PersistenceThreshold: 2,
		Action:               ActionHold,
	}
	inputs := Inputs{
		Samples: hourlySamples(100, 110),
		Prices:  map[string]float64{"aggregator": 1.00, "vault": 1.05},
	}
	eval := newEvaluator(cfg, map[string]Inputs{"susde": inputs})

	first := eval.EvaluateAsset(context.Background(), "susde")
	require.Equal(t, WithdrawOK, first.Decision, "one mismatched cycle is below the persistence threshold")
	require.True(t, first.Diag.PriceCompare.Mismatch)
	require.Equal(t, 1, first.Diag.PriceCompare.MismatchCount)
	require.False(t, first.Diag.PriceCompare.ForcedHold)

	second := eval.EvaluateAsset(context.Background(), "susde")
	require.Equal(t, Hold, second.Decision, "the second consecutive mismatch crosses the threshold")
	require.Equal(t, 2, second.Diag.PriceCompare.MismatchCount)
	require.True(t, second.Diag.PriceCompare.ForcedHold)
}

func TestEvaluatePriceAgreementResetsCounter(t *testing.T) {
	state := NewMismatchState()
	cfg := PriceCompareConfig{Enabled: true, Mode: EpsilonRelative, Epsilon: 0.01, PersistenceThreshold: 2, Action: ActionHold}

	ComparePrices("susde", map[string]float64{"a": 1.00, "b": 1.05}, cfg, state, noopLogger())
	require.Equal(t, 1, state.Count("susde"))

	diag := ComparePrices("susde", map[string]float64{"a": 1.00, "b": 1.001}, cfg, state, noopLogger())
	require.False(t, diag.Mismatch)
	require.Zero(t, state.Count("susde"))
}

func TestComparePricesUnavailableLeavesCounter(t *testing.T) {
	state := NewMismatchState()
	cfg := PriceCompareConfig{Enabled: true, Mode: EpsilonRelative, Epsilon: 0.01, PersistenceThreshold: 2, Action: ActionHold}

	ComparePrices("susde", map[string]float64{"a": 1.00, "b": 1.05}, cfg, state, noopLogger())
	require.Equal(t, 1, state.Count("susde"))

	diag := ComparePrices("susde", map[string]float64{"a": 1.00}, cfg, state, noopLogger())
	require.True(t, diag.Unavailable)
	require.Equal(t, 1, state.Count("susde"), "an unavailable comparison neither counts nor clears")
}

func TestComparePricesDisabled(t *testing.T) {
	require.Nil(t, ComparePrices("susde", map[string]float64{"a": 1, "b": 2}, PriceCompareConfig{}, NewMismatchState(), noopLogger()))
}

func TestComparePricesAbsoluteMode(t *testing.T) {
	state := NewMismatchState()
	cfg := PriceCompareConfig{Enabled: true, Mode: EpsilonAbsolute, Epsilon: 0.10, PersistenceThreshold: 1, Action: ActionHold}

	diag := ComparePrices("susde", map[string]float64{"a": 1.00, "b": 1.05}, cfg, state, noopLogger())
	require.False(t, diag.Mismatch)
	require.InDelta(t, 0.05, diag.DeltaAbs, 1e-9)
}

func TestDecomposeWalletsBreakdown(t *testing.T) {
	byWallet := map[string][]reconcile.PositionSample{
		"0xbbb": {
			{Time: at(0), ValueUSD: 50},
			{Time: at(1), ValueUSD: 50},
			{Time: at(2), ValueUSD: 150},
			{Time: at(3), ValueUSD: 150},
		},
		"0xaaa": {
			{Time: at(0), ValueUSD: 100},
			{Time: at(1), ValueUSD: 101},
			{Time: at(2), ValueUSD: 102},
			{Time: at(3), ValueUSD: 103},
		},
	}
	deposit, err := reconcile.NewTransactionEvent(at(2), time.Time{}, "0xBBB", 100, reconcile.KindDeposit, "")
	require.NoError(t, err)

	params := baseConfig().Reconcile
	wallets := DecomposeWallets(byWallet, []reconcile.TransactionEvent{deposit}, at(0), 0.5, params, noopLogger())

	require.Len(t, wallets, 2)
	require.Equal(t, "0xaaa", wallets[0].WalletAddress, "breakdown is ordered by address")
	require.InDelta(t, 1.5, wallets[0].WmaxUSD, 1e-9) // 0.5 * 3 accrued
	require.InDelta(t, 103, wallets[0].VT1USD, 1e-9)
	require.Equal(t, "0xbbb", wallets[1].WalletAddress)
	require.InDelta(t, 0, wallets[1].WmaxUSD, 1e-9, "a pure deposit accrues nothing")
	require.InDelta(t, 1.5, TotalWmax(wallets), 1e-9)
}

func TestDecomposeWalletsNegativeGainClampsToZero(t *testing.T) {
	byWallet := map[string][]reconcile.PositionSample{
		"0xaaa": {
			{Time: at(0), ValueUSD: 100},
			{Time: at(1), ValueUSD: 90},
		},
	}
	wallets := DecomposeWallets(byWallet, nil, at(0), 0.5, baseConfig().Reconcile, noopLogger())

	require.Len(t, wallets, 1)
	require.Zero(t, wallets[0].WmaxUSD)
	require.InDelta(t, 90, wallets[0].VT1USD, 1e-9)
}

func TestEvaluateInputsStampsInstant(t *testing.T) {
	cfg := baseConfig()
	cfg.Reference.Fallback = FallbackDataRange
	eval := newEvaluator(cfg, nil)

	when := at(7)
	dec := eval.EvaluateInputs("susde", Inputs{Samples: hourlySamples(100, 110)}, when)

	require.Equal(t, when, dec.EvaluatedAt)
	require.Equal(t, WithdrawOK, dec.Decision)
}

func TestEvaluateIdempotentAfterStateReset(t *testing.T) {
	state := NewMismatchState()
	cfg := baseConfig()
	cfg.Reference.Fallback = FallbackDataRange
	cfg.PriceCompare = PriceCompareConfig{Enabled: true, Mode: EpsilonRelative, Epsilon: 0.01, PersistenceThreshold: 1, Action: ActionHold}
	inputs := Inputs{
		Samples: hourlySamples(100, 110),
		Prices:  map[string]float64{"a": 1.00, "b": 1.05},
	}
	eval := New(cfg, &fakeFetcher{inputs: map[string]Inputs{"susde": inputs}}, state, noopLogger())

	first := eval.EvaluateAsset(context.Background(), "susde")
	state.Reset()
	second := eval.EvaluateAsset(context.Background(), "susde")

	require.Equal(t, first.Decision, second.Decision)
	require.Equal(t, first.Diag.PriceCompare.MismatchCount, second.Diag.PriceCompare.MismatchCount)
}

func TestParseFallbackMode(t *testing.T) {
	mode, err := ParseFallbackMode("data_range")
	require.NoError(t, err)
	require.Equal(t, FallbackDataRange, mode)

	mode, err = ParseFallbackMode("")
	require.NoError(t, err)
	require.Equal(t, FallbackNull, mode)

	_, err = ParseFallbackMode("bogus")
	require.Error(t, err)
}
