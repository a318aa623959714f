package evaluator

import (
	"time"

	"withdrawguard/internal/gate"
)

// Outcome is the per-asset verdict of one evaluation cycle.
type Outcome int

const (
	Hold       Outcome = 0
	WithdrawOK Outcome = 1
	Errored    Outcome = -1
)

// String renders the outcome for logs and console output.
func (o Outcome) String() string {
	switch o {
	case WithdrawOK:
		return "WITHDRAW_OK"
	case Errored:
		return "ERROR"
	default:
		return "HOLD"
	}
}

// WalletBreakdown is the informational per-wallet decomposition of the gain
// into withdrawal caps. wmax and v_t1 are never negative.
type WalletBreakdown struct {
	WalletAddress string
	WmaxUSD       float64
	VT1USD        float64
}

// TotalWmax sums the per-wallet caps.
func TotalWmax(wallets []WalletBreakdown) float64 {
	var total float64
	for _, w := range wallets {
		total += w.WmaxUSD
	}
	return total
}

// GateDiagnostics is the optional residual-gate telemetry attached to a
// decision when the gate ran.
type GateDiagnostics struct {
	Applied       bool
	Triggered     bool
	SkipReason    string
	ResidualUSD   float64
	SigmaUSD      float64
	KSigma        float64
	ThresholdLow  float64
	ThresholdHigh float64

	// Fit context for the diagnostics plot.
	Times     []time.Time
	Values    []float64
	Fitted    []float64
	Residuals []float64
}

func gateDiagnostics(r gate.Result) *GateDiagnostics {
	return &GateDiagnostics{
		Applied:       r.Applied,
		Triggered:     r.Triggered,
		SkipReason:    r.SkipReason,
		ResidualUSD:   r.Residual,
		SigmaUSD:      r.Sigma,
		KSigma:        r.KSigma,
		ThresholdLow:  r.ThresholdLow,
		ThresholdHigh: r.ThresholdHigh,
		Times:         r.Times,
		Values:        r.Values,
		Fitted:        r.Fitted,
		Residuals:     r.Residuals,
	}
}

// PriceCompareDiagnostics is the optional cross-source price telemetry.
type PriceCompareDiagnostics struct {
	PricesBySource map[string]float64
	DeltaAbs       float64
	DeltaRel       float64
	Mismatch       bool
	Unavailable    bool
	MismatchCount  int
	ForcedHold     bool
}

// Diagnostics groups the independently-optional telemetry of a decision,
// keeping AssetDecision itself down to its required core.
type Diagnostics struct {
	RefMode    ReferenceMode
	T0         time.Time
	T1         time.Time
	VRefUSD    float64
	VT1USD     float64
	GainUSD    float64
	PriceT1USD float64

	Gate         *GateDiagnostics
	PriceCompare *PriceCompareDiagnostics
}

// AssetDecision is the immutable outcome snapshot handed to callers. It is
// created fresh each evaluation cycle and never mutated afterwards.
type AssetDecision struct {
	Asset       string
	EvaluatedAt time.Time
	Decision    Outcome
	Wallets     []WalletBreakdown
	Err         string
	Diag        Diagnostics
}

func errorDecision(asset string, now time.Time, msg string) AssetDecision {
	return AssetDecision{Asset: asset, EvaluatedAt: now, Decision: Errored, Err: msg}
}
