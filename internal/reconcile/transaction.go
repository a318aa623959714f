package reconcile

import (
	"fmt"
	"strings"
	"time"
)

// TransactionKind distinguishes principal moved in from principal moved out.
type TransactionKind int

const (
	KindDeposit TransactionKind = iota
	KindWithdrawal
)

// String renders the kind the way the ledger stores it.
func (k TransactionKind) String() string {
	if k == KindWithdrawal {
		return "withdrawal"
	}
	return "deposit"
}

// ParseTransactionKind maps a ledger kind column onto the closed enum.
func ParseTransactionKind(s string) (TransactionKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deposit":
		return KindDeposit, nil
	case "withdrawal":
		return KindWithdrawal, nil
	default:
		return KindDeposit, fmt.Errorf("unknown transaction kind %q", s)
	}
}

// TimestampSource selects which instant of an event the mapper aligns on.
// Some upstream ledgers record the moment the row was written (created_at)
// closer to the actual position jump than the nominal event timestamp.
type TimestampSource int

const (
	SourceTimestamp TimestampSource = iota
	SourceCreatedAt
)

// ParseTimestampSource maps a configuration string onto the enum.
func ParseTimestampSource(s string) (TimestampSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "timestamp":
		return SourceTimestamp, nil
	case "created_at":
		return SourceCreatedAt, nil
	default:
		return SourceTimestamp, fmt.Errorf("unknown tx timestamp source %q", s)
	}
}

// TransactionEvent is a discrete deposit or withdrawal from the ledger.
// Amount is signed: positive for deposits, negative for withdrawals.
type TransactionEvent struct {
	Timestamp     time.Time
	CreatedAt     time.Time
	WalletAddress string
	Amount        float64
	Kind          TransactionKind
	Notes         string
}

// NewTransactionEvent validates the sign/kind invariant at construction:
// deposits must carry a positive amount, withdrawals a negative one.
func NewTransactionEvent(ts, createdAt time.Time, wallet string, amount float64, kind TransactionKind, notes string) (TransactionEvent, error) {
	if kind == KindDeposit && amount <= 0 {
		return TransactionEvent{}, fmt.Errorf("deposit amount must be positive, got %f", amount)
	}
	if kind == KindWithdrawal && amount >= 0 {
		return TransactionEvent{}, fmt.Errorf("withdrawal amount must be negative, got %f", amount)
	}
	if createdAt.IsZero() {
		createdAt = ts
	}
	return TransactionEvent{
		Timestamp:     ts.UTC(),
		CreatedAt:     createdAt.UTC(),
		WalletAddress: wallet,
		Amount:        amount,
		Kind:          kind,
		Notes:         notes,
	}, nil
}

// AlignmentInstant returns the instant the mapper should place this event at.
func (e TransactionEvent) AlignmentInstant(src TimestampSource) time.Time {
	if src == SourceCreatedAt {
		return e.CreatedAt
	}
	return e.Timestamp
}
