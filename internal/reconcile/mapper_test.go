package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func depositAt(t *testing.T, hours, amount float64) TransactionEvent {
	t.Helper()
	ev, err := NewTransactionEvent(at(hours), time.Time{}, "0xabc", amount, KindDeposit, "")
	require.NoError(t, err)
	return ev
}

func withdrawalAt(t *testing.T, hours, amount float64) TransactionEvent {
	t.Helper()
	ev, err := NewTransactionEvent(at(hours), time.Time{}, "0xabc", -amount, KindWithdrawal, "")
	require.NoError(t, err)
	return ev
}

// mapWith runs the mapper over samples at whole hours 0..2 plus whatever
// event instants extend the timebase.
func mapWith(t *testing.T, events []TransactionEvent, policy AlignmentPolicy) (deposits, withdrawals []float64, timebase []time.Time) {
	t.Helper()
	sampleTimes := []time.Time{at(0), at(1), at(2)}
	eventTimes := make([]time.Time, len(events))
	for i, ev := range events {
		eventTimes[i] = ev.AlignmentInstant(SourceTimestamp)
	}
	timebase = BuildTimebase(sampleTimes, eventTimes)
	positions := make([]float64, len(timebase))
	deposits, withdrawals = MapTransactions(events, timebase, positions, sampleTimes, policy, SourceTimestamp, DefaultSpikeDetectParams(), noopLogger())
	return deposits, withdrawals, timebase
}

func TestMapTransactionsAlignmentFamily(t *testing.T) {
	// Event at 1.4h sits between the 1h and 2h samples on the timebase
	// [0h, 1h, 1.4h, 2h].
	cases := []struct {
		policy AlignmentPolicy
		index  int
	}{
		{AlignExact, 2},
		{AlignRightOpen, 3},
		{AlignSnapNext, 3},
		{AlignSnapPrev, 1},
		{AlignSnapNearest, 1},
	}
	for _, tc := range cases {
		t.Run(tc.policy.String(), func(t *testing.T) {
			deposits, _, timebase := mapWith(t, []TransactionEvent{depositAt(t, 1.4, 50)}, tc.policy)
			require.Len(t, timebase, 4)
			require.InDelta(t, 50, deposits[tc.index], 1e-9)
			for i := range deposits {
				if i != tc.index {
					require.Zero(t, deposits[i])
				}
			}
		})
	}
}

func TestMapTransactionsSnapNearestTieBreaksLater(t *testing.T) {
	// 1.5h is equidistant from the 1h and 2h samples.
	deposits, _, timebase := mapWith(t, []TransactionEvent{depositAt(t, 1.5, 10)}, AlignSnapNearest)
	require.Len(t, timebase, 4)
	require.InDelta(t, 10, deposits[3], 1e-9)
}

func TestMapTransactionsRightOpenClampsAtEnd(t *testing.T) {
	deposits, _, timebase := mapWith(t, []TransactionEvent{depositAt(t, 2, 10)}, AlignRightOpen)
	require.InDelta(t, 10, deposits[len(timebase)-1], 1e-9)
}

func TestMapTransactionsAccumulatesSameIndex(t *testing.T) {
	events := []TransactionEvent{depositAt(t, 1, 10), depositAt(t, 1, 15)}
	deposits, _, _ := mapWith(t, events, AlignExact)
	require.InDelta(t, 25, deposits[1], 1e-9)
}

func TestMapTransactionsWithdrawalStoredPositive(t *testing.T) {
	_, withdrawals, _ := mapWith(t, []TransactionEvent{withdrawalAt(t, 1, 30)}, AlignExact)
	require.InDelta(t, 30, withdrawals[1], 1e-9)
}

func TestMapTransactionsDropsOffTimebaseEvent(t *testing.T) {
	timebase := []time.Time{at(0), at(1), at(2)}
	positions := []float64{0, 0, 0}
	events := []TransactionEvent{depositAt(t, 0.7, 10)}

	deposits, withdrawals := MapTransactions(events, timebase, positions, timebase, AlignExact, SourceTimestamp, DefaultSpikeDetectParams(), noopLogger())
	for i := range timebase {
		require.Zero(t, deposits[i])
		require.Zero(t, withdrawals[i])
	}
}

func TestMapTransactionsCreatedAtSource(t *testing.T) {
	ev, err := NewTransactionEvent(at(0.7), at(1), "0xabc", 10, KindDeposit, "")
	require.NoError(t, err)

	timebase := []time.Time{at(0), at(1), at(2)}
	positions := []float64{0, 0, 0}
	deposits, _ := MapTransactions([]TransactionEvent{ev}, timebase, positions, timebase, AlignExact, SourceCreatedAt, DefaultSpikeDetectParams(), noopLogger())
	require.InDelta(t, 10, deposits[1], 1e-9)
}

func TestMapTransactionsSpikeDetectFindsLaggedStep(t *testing.T) {
	// Positions are flat at 1000 until hour 10, where a 100 deposit lands.
	// The ledger records the row at hour 8; the detector should place the
	// event on the step's right edge at index 10.
	n := 21
	timebase := make([]time.Time, n)
	positions := make([]float64, n)
	for i := 0; i < n; i++ {
		timebase[i] = at(float64(i))
		positions[i] = 1000
		if i >= 10 {
			positions[i] = 1100
		}
	}

	events := []TransactionEvent{depositAt(t, 8, 100)}
	deposits, _ := MapTransactions(events, timebase, positions, timebase, AlignSpikeDetect, SourceTimestamp, DefaultSpikeDetectParams(), noopLogger())

	require.InDelta(t, 100, deposits[10], 1e-9)
	require.Zero(t, deposits[8])
}

func TestMapTransactionsSpikeDetectFlatSeriesStaysPut(t *testing.T) {
	n := 21
	timebase := make([]time.Time, n)
	positions := make([]float64, n)
	for i := 0; i < n; i++ {
		timebase[i] = at(float64(i))
		positions[i] = 1000
	}

	events := []TransactionEvent{depositAt(t, 8, 100)}
	deposits, _ := MapTransactions(events, timebase, positions, timebase, AlignSpikeDetect, SourceTimestamp, DefaultSpikeDetectParams(), noopLogger())
	require.InDelta(t, 100, deposits[8], 1e-9)
}
