package evaluator

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"withdrawguard/internal/reconcile"
)

// DecomposeWallets reruns the gain reconciliation per wallet and converts
// each wallet's gain into a withdrawal cap wmax = max(0, c*gain). The
// reference instant is shared across wallets but anchored to each wallet's
// own nearest position sample. Wallets without data are omitted, not
// zero-filled; the result is ordered by wallet address for determinism.
//
// The figures are informational breakdown only. The trigger decision always
// comes from one combined-series gate evaluation, never from summing
// per-wallet verdicts.
func DecomposeWallets(
	byWallet map[string][]reconcile.PositionSample,
	events []reconcile.TransactionEvent,
	t0 time.Time,
	safetyFactor float64,
	params reconcile.Params,
	logger zerolog.Logger,
) []WalletBreakdown {
	addrs := make([]string, 0, len(byWallet))
	for addr := range byWallet {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	out := make([]WalletBreakdown, 0, len(addrs))
	for _, addr := range addrs {
		samples := byWallet[addr]
		if len(samples) == 0 {
			continue
		}
		walletEvents := filterEventsByWallet(events, addr)

		sorted := reconcile.SortSamples(samples)
		refIndex := walletRefIndex(sorted, walletEvents, t0, params.TimestampSource)

		series, err := reconcile.Reconcile(sorted, walletEvents, refIndex, params, logger)
		if err != nil {
			logger.Warn().Err(err).Str("wallet", addr).Msg("wallet reconciliation failed; wallet omitted from breakdown")
			continue
		}
		if series.Empty() {
			continue
		}

		gain := series.FinalGain()
		vt1 := series.Positions[len(series.Positions)-1]
		out = append(out, WalletBreakdown{
			WalletAddress: addr,
			WmaxUSD:       math.Max(0, safetyFactor*gain),
			VT1USD:        math.Max(0, vt1),
		})
	}
	return out
}

func filterEventsByWallet(events []reconcile.TransactionEvent, addr string) []reconcile.TransactionEvent {
	var out []reconcile.TransactionEvent
	for _, ev := range events {
		if strings.EqualFold(ev.WalletAddress, addr) {
			out = append(out, ev)
		}
	}
	return out
}

// walletRefIndex maps the shared reference instant onto the wallet's own
// timebase: the index of the wallet's sample nearest to t0.
func walletRefIndex(sorted []reconcile.PositionSample, events []reconcile.TransactionEvent, t0 time.Time, src reconcile.TimestampSource) int {
	sampleTimes := make([]time.Time, len(sorted))
	for i, s := range sorted {
		sampleTimes[i] = s.Time.UTC()
	}
	eventTimes := make([]time.Time, len(events))
	for i, ev := range events {
		eventTimes[i] = ev.AlignmentInstant(src).UTC()
	}
	timebase := reconcile.BuildTimebase(sampleTimes, eventTimes)

	nearest := sampleTimes[0]
	bestDelta := math.Inf(1)
	for _, ts := range sampleTimes {
		delta := math.Abs(ts.Sub(t0).Seconds())
		if delta < bestDelta {
			nearest = ts
			bestDelta = delta
		}
	}
	for i, ts := range timebase {
		if ts.Equal(nearest) {
			return i
		}
	}
	return 0
}
