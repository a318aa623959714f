package reconcile

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Params bundle the pipeline knobs that are global to one evaluation.
type Params struct {
	Interpolation   InterpolationMethod
	Alignment       AlignmentPolicy
	TimestampSource TimestampSource
	Spike           SpikeDetectParams
}

// Series is the full reconciled output for one asset (or one wallet): the
// unified timebase with interpolated positions, cumulative flows, and the
// transaction-corrected gain relative to the reference index. Immutable once
// built for a given evaluation.
type Series struct {
	Timebase      []time.Time
	Positions     []float64
	DepositCDF    []float64
	WithdrawalCDF []float64
	Gains         []float64
	RefIndex      int
	// SampleMask marks the timebase points that are original position
	// samples rather than interpolation targets.
	SampleMask []bool
}

// Empty reports whether the pipeline had nothing to reconcile.
func (s Series) Empty() bool { return len(s.Timebase) == 0 }

// FinalGain returns the gain at the newest timebase point, 0 when empty.
func (s Series) FinalGain() float64 {
	if len(s.Gains) == 0 {
		return 0
	}
	return s.Gains[len(s.Gains)-1]
}

// CumulativeFlows turns placed event vectors into running-sum deposit and
// withdrawal functions over timebase order. Both outputs are non-decreasing.
func CumulativeFlows(deposits, withdrawals []float64) (depositCDF, withdrawalCDF []float64) {
	depositCDF = make([]float64, len(deposits))
	withdrawalCDF = make([]float64, len(withdrawals))
	var d, w float64
	for i := range deposits {
		d += deposits[i]
		depositCDF[i] = d
	}
	for i := range withdrawals {
		w += withdrawals[i]
		withdrawalCDF[i] = w
	}
	return depositCDF, withdrawalCDF
}

// GainSeries applies the correction formula
//
//	gain[i] = P[i] - P[t0] - (D[i]-D[t0]) + (W[i]-W[t0])
//
// which subtracts net principal movement since the reference index, leaving
// growth attributable to yield alone. gain[refIndex] is 0 by construction.
func GainSeries(positions, depositCDF, withdrawalCDF []float64, refIndex int) ([]float64, error) {
	if refIndex < 0 || refIndex >= len(positions) {
		return nil, fmt.Errorf("reference index %d out of bounds (n=%d)", refIndex, len(positions))
	}
	p0 := positions[refIndex]
	d0 := depositCDF[refIndex]
	w0 := withdrawalCDF[refIndex]

	gains := make([]float64, len(positions))
	for i := range positions {
		gains[i] = positions[i] - p0 - (depositCDF[i] - d0) + (withdrawalCDF[i] - w0)
	}
	return gains, nil
}

// Reconcile runs the whole gain reconciliation pipeline for one position
// series and its ledger slice: unified timebase, interpolation, transaction
// mapping, cumulative flows, and the corrected gain relative to refIndex.
// Empty inputs yield an empty Series rather than an error.
func Reconcile(samples []PositionSample, events []TransactionEvent, refIndex int, params Params, logger zerolog.Logger) (Series, error) {
	if len(samples) == 0 {
		return Series{}, nil
	}

	sorted := SortSamples(samples)
	sampleTimes := make([]time.Time, len(sorted))
	for i, s := range sorted {
		sampleTimes[i] = s.Time.UTC()
	}
	eventTimes := make([]time.Time, len(events))
	for i, ev := range events {
		eventTimes[i] = ev.AlignmentInstant(params.TimestampSource).UTC()
	}

	timebase := BuildTimebase(sampleTimes, eventTimes)
	positions := Interpolate(sorted, timebase, params.Interpolation, logger)
	deposits, withdrawals := MapTransactions(events, timebase, positions, sampleTimes, params.Alignment, params.TimestampSource, params.Spike, logger)
	depositCDF, withdrawalCDF := CumulativeFlows(deposits, withdrawals)

	gains, err := GainSeries(positions, depositCDF, withdrawalCDF, refIndex)
	if err != nil {
		return Series{}, err
	}

	logger.Debug().
		Int("samples", len(sorted)).
		Int("events", len(events)).
		Int("timebase", len(timebase)).
		Float64("final_gain", gains[len(gains)-1]).
		Msg("gain series reconciled")

	return Series{
		Timebase:      timebase,
		Positions:     positions,
		DepositCDF:    depositCDF,
		WithdrawalCDF: withdrawalCDF,
		Gains:         gains,
		RefIndex:      refIndex,
		SampleMask:    buildSampleMask(timebase, sampleTimes),
	}, nil
}
