package reconcile

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// AlignmentPolicy selects how a transaction instant is mapped onto a
// timebase index.
type AlignmentPolicy int

const (
	// AlignExact uses the timebase index matching the event instant.
	AlignExact AlignmentPolicy = iota
	// AlignRightOpen shifts one step right of the exact index, modelling an
	// effect that becomes visible at the next sample.
	AlignRightOpen
	// AlignSnapNext re-targets onto the next original position sample.
	AlignSnapNext
	// AlignSnapPrev re-targets onto the previous original position sample.
	AlignSnapPrev
	// AlignSnapNearest re-targets onto the closest original position sample
	// by time distance; ties break toward the later index.
	AlignSnapNearest
	// AlignSpikeDetect searches the interpolated position first-differences
	// around the exact index for a step matching the event's sign and
	// magnitude. Ledger timestamps are sometimes offset from the moment the
	// position actually jumps.
	AlignSpikeDetect
)

// ParseAlignmentPolicy maps a configuration string onto the closed enum.
func ParseAlignmentPolicy(s string) (AlignmentPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exact":
		return AlignExact, nil
	case "right_open":
		return AlignRightOpen, nil
	case "snap_next":
		return AlignSnapNext, nil
	case "snap_prev":
		return AlignSnapPrev, nil
	case "snap_nearest":
		return AlignSnapNearest, nil
	case "spike_detect":
		return AlignSpikeDetect, nil
	default:
		return AlignExact, fmt.Errorf("unknown alignment policy %q", s)
	}
}

// String renders the policy as its configuration name.
func (p AlignmentPolicy) String() string {
	switch p {
	case AlignRightOpen:
		return "right_open"
	case AlignSnapNext:
		return "snap_next"
	case AlignSnapPrev:
		return "snap_prev"
	case AlignSnapNearest:
		return "snap_nearest"
	case AlignSpikeDetect:
		return "spike_detect"
	default:
		return "exact"
	}
}

// SpikeDetectParams tune the spike-detect alignment search. The defaults are
// empirically chosen; treat them as configuration, not constants.
type SpikeDetectParams struct {
	// WindowBins is the symmetric half-width (in timebase steps) of the
	// primary search window around the exact index.
	WindowBins int
	// ZThreshold is the minimum robust (median/MAD) z-score of a step.
	ZThreshold float64
	// MagnitudeLow/MagnitudeHigh bound the |step|/|amount| ratio.
	MagnitudeLow  float64
	MagnitudeHigh float64
}

// DefaultSpikeDetectParams returns the observed production defaults.
func DefaultSpikeDetectParams() SpikeDetectParams {
	return SpikeDetectParams{WindowBins: 8, ZThreshold: 3.0, MagnitudeLow: 0.3, MagnitudeHigh: 1.5}
}

const flatStepEpsilon = 1e-9

// MapTransactions places each event's signed effect into a deposit vector or
// a withdrawal vector indexed by timebase position, under the given policy.
// Withdrawals are stored as positive magnitudes. Multiple events resolving to
// the same index accumulate. Events whose instant is not on the timebase are
// logged and dropped; that is a recoverable data-quality condition.
func MapTransactions(
	events []TransactionEvent,
	timebase []time.Time,
	positions []float64,
	sampleTimes []time.Time,
	policy AlignmentPolicy,
	src TimestampSource,
	spike SpikeDetectParams,
	logger zerolog.Logger,
) (deposits, withdrawals []float64) {
	deposits = make([]float64, len(timebase))
	withdrawals = make([]float64, len(timebase))
	if len(timebase) == 0 {
		return deposits, withdrawals
	}

	index := timebaseIndex(timebase)
	sampleMask := buildSampleMask(timebase, sampleTimes)

	for _, ev := range events {
		instant := ev.AlignmentInstant(src).UTC()
		base, ok := index[instant.UnixNano()]
		if !ok {
			logger.Warn().
				Time("instant", instant).
				Str("kind", ev.Kind.String()).
				Float64("amount", ev.Amount).
				Msg("transaction instant not on unified timebase; event dropped")
			continue
		}

		idx := resolveIndex(base, ev, instant, timebase, positions, sampleMask, policy, spike)
		if ev.Kind == KindDeposit {
			deposits[idx] += ev.Amount
		} else {
			withdrawals[idx] += math.Abs(ev.Amount)
		}
		if idx != base {
			logger.Debug().
				Int("base_index", base).
				Int("mapped_index", idx).
				Str("policy", policy.String()).
				Msg("transaction re-aligned")
		}
	}
	return deposits, withdrawals
}

// resolveIndex is the single dispatch point for the alignment policy family.
func resolveIndex(
	base int,
	ev TransactionEvent,
	instant time.Time,
	timebase []time.Time,
	positions []float64,
	sampleMask []bool,
	policy AlignmentPolicy,
	spike SpikeDetectParams,
) int {
	switch policy {
	case AlignRightOpen:
		return min(base+1, len(timebase)-1)
	case AlignSnapNext:
		return snapNext(base, sampleMask)
	case AlignSnapPrev:
		return snapPrev(base, sampleMask)
	case AlignSnapNearest:
		return snapNearest(base, instant, timebase, sampleMask)
	case AlignSpikeDetect:
		return spikeDetect(base, ev, positions, timebase, spike)
	default:
		return base
	}
}

func buildSampleMask(timebase, sampleTimes []time.Time) []bool {
	set := make(map[int64]struct{}, len(sampleTimes))
	for _, ts := range sampleTimes {
		set[ts.UTC().UnixNano()] = struct{}{}
	}
	mask := make([]bool, len(timebase))
	for i, ts := range timebase {
		_, mask[i] = set[ts.UnixNano()]
	}
	return mask
}

func snapNext(base int, mask []bool) int {
	for i := base; i < len(mask); i++ {
		if mask[i] {
			return i
		}
	}
	// Past the last sample: fall back to the last available sample index.
	for i := len(mask) - 1; i >= 0; i-- {
		if mask[i] {
			return i
		}
	}
	return base
}

func snapPrev(base int, mask []bool) int {
	for i := base; i >= 0; i-- {
		if mask[i] {
			return i
		}
	}
	for i := 0; i < len(mask); i++ {
		if mask[i] {
			return i
		}
	}
	return base
}

func snapNearest(base int, instant time.Time, timebase []time.Time, mask []bool) int {
	best := -1
	bestDelta := math.Inf(1)
	for i, isSample := range mask {
		if !isSample {
			continue
		}
		delta := math.Abs(timebase[i].Sub(instant).Seconds())
		// Ties break toward the later index.
		if delta < bestDelta || delta == bestDelta {
			best = i
			bestDelta = delta
		}
	}
	if best < 0 {
		return base
	}
	return best
}

// spikeDetect scans the first-differences of the interpolated positions for a
// step that matches the event: correct sign, robust z-score above threshold,
// and magnitude within the configured band of the event amount. If the band
// filters everything out it retries ignoring the band (units may differ), and
// finally falls forward looking for the first same-signed non-flat step.
func spikeDetect(base int, ev TransactionEvent, positions []float64, timebase []time.Time, spike SpikeDetectParams) int {
	n := len(timebase)
	if len(positions) != n || base <= 0 || base >= n || n < 2 {
		return base
	}

	diffs := firstDifferences(positions)
	sign := 1.0
	if ev.Kind == KindWithdrawal {
		sign = -1.0
	}
	mag := math.Abs(ev.Amount)

	window := spike.WindowBins
	if window <= 0 {
		window = DefaultSpikeDetectParams().WindowBins
	}
	// diffs[j] is the step j -> j+1; its right edge is index j+1.
	start := max(1, base-window)
	end := min(n-2, base+window)

	if start <= end {
		local := diffs[start : end+1]
		z := robustZScores(local)

		if j := scanSpikes(local, z, start, base, sign, mag, spike, false); j >= 0 {
			return min(j+1, n-1)
		}
		if j := scanSpikes(local, z, start, base, sign, mag, spike, true); j >= 0 {
			return min(j+1, n-1)
		}
	}

	// Forward fallback: first same-signed non-flat step within a larger
	// window, for ledger rows recorded well before the position jump.
	maxForward := max(8, window*3)
	fStart := base
	fEnd := min(n-2, base+maxForward)
	for j := fStart; j <= fEnd; j++ {
		if math.Abs(diffs[j]) > flatStepEpsilon && sign*diffs[j] > 0 {
			return min(j+1, n-1)
		}
	}
	return base
}

// scanSpikes returns the diffs-space index of the best candidate step, or -1.
// Candidates need the expected sign and a robust z-score above threshold;
// unless ignoreMagnitude is set they must also fall inside the magnitude
// band. Preference is smallest distance to the base index, then largest |z|.
func scanSpikes(local, z []float64, offset, base int, sign, mag float64, spike SpikeDetectParams, ignoreMagnitude bool) int {
	best := -1
	bestDist := math.MaxInt32
	bestZ := 0.0
	for j := range local {
		val := local[j]
		if sign*val <= 0 || math.Abs(z[j]) < spike.ZThreshold {
			continue
		}
		if !ignoreMagnitude && mag > 0 {
			ratio := math.Abs(val) / mag
			if ratio < spike.MagnitudeLow || ratio > spike.MagnitudeHigh {
				continue
			}
		}
		dist := abs(offset + j - base)
		if dist < bestDist || (dist == bestDist && math.Abs(z[j]) > bestZ) {
			best = offset + j
			bestDist = dist
			bestZ = math.Abs(z[j])
		}
	}
	return best
}

func firstDifferences(values []float64) []float64 {
	diffs := make([]float64, len(values)-1)
	for i := range diffs {
		diffs[i] = values[i+1] - values[i]
	}
	return diffs
}

// robustZScores standardises values against their median, scaled by MAD
// (falling back to the standard deviation when MAD degenerates).
func robustZScores(values []float64) []float64 {
	med := median(values)
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - med)
	}
	scale := 1.4826 * median(dev)
	if scale <= 0 {
		scale = stddev(values)
	}
	if scale <= 0 {
		scale = 1.0
	}
	z := make([]float64, len(values))
	for i, v := range values {
		z[i] = (v - med) / scale
	}
	return z
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func stddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
