package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DecisionRecord is the persisted snapshot of one asset evaluation.
type DecisionRecord struct {
	ID           int64
	Asset        string
	EvaluatedAt  time.Time
	Decision     int
	GainUSD      decimal.Decimal
	WmaxTotalUSD decimal.Decimal
	RefMode      string
	T0           *time.Time
	Error        *string
	// Wallets holds the per-wallet breakdown as JSON for auditing.
	Wallets   json.RawMessage
	CreatedAt time.Time
}

// PositionRow is one raw position snapshot as stored.
type PositionRow struct {
	Asset         string
	WalletAddress string
	SnapshotTS    time.Time
	ValueUSD      decimal.Decimal
}

// LedgerRow is one raw deposit/withdrawal entry as stored.
type LedgerRow struct {
	Asset         string
	WalletAddress string
	EntryTS       time.Time
	CreatedAt     time.Time
	AmountUSD     decimal.Decimal
	Kind          string
	Notes         string
}

// RateRow is one raw USD rate observation as stored.
type RateRow struct {
	Asset    string
	BucketTS time.Time
	RateUSD  decimal.Decimal
}
