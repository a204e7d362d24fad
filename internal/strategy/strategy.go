// Package strategy defines the narrow Strategy port the coordinator
// depends on. Strategy algorithm internals are out of scope — this
// package only carries the seam and a deterministic reference
// implementation used by tests and the simulation exec mode.
package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tradectl/control-plane/pkg/types"
)

// Strategy turns a candle batch into at most one proposed Signal. A
// nil, nil return means "no signal this cycle" — not every candle
// batch produces a trade idea.
type Strategy interface {
	Name() string
	Analyze(ctx context.Context, userID, symbol string, candles []types.OHLCV) (*types.Signal, error)
}

// Reference is a minimal, deterministic Strategy used where the
// coordinator needs a concrete implementation to exercise against —
// tests, the simulation exec mode's default wiring. It is not a
// trading strategy in any serious sense: it emits a long signal when
// the most recent candle closed above the one before it, sized by a
// fixed risk_pct, and never emits when it lacks the two candles it
// needs.
type Reference struct {
	strategyName string
	riskPct      float64
}

// NewReference constructs a Reference strategy.
func NewReference(strategyName string, riskPct float64) *Reference {
	return &Reference{strategyName: strategyName, riskPct: riskPct}
}

func (r *Reference) Name() string { return r.strategyName }

func (r *Reference) Analyze(ctx context.Context, userID, symbol string, candles []types.OHLCV) (*types.Signal, error) {
	if len(candles) < 2 {
		return nil, nil
	}
	last := candles[len(candles)-1]
	prev := candles[len(candles)-2]
	if !last.Close.GreaterThan(prev.Close) {
		return nil, nil
	}

	stopDist := last.Close.Sub(prev.Low).Abs()
	if stopDist.IsZero() {
		return nil, nil
	}

	sig := &types.Signal{
		StrategyName: r.strategyName,
		UserID:       userID,
		Symbol:       symbol,
		Side:         types.SignalSideLong,
		Entry:        last.Close,
		StopLoss:     prev.Low,
		TakeProfit:   last.Close.Add(stopDist.Mul(decimal.NewFromInt(2))), // entry + 2R
		RiskPct:      decimal.NewFromFloat(r.riskPct),
		Confidence:   decimal.NewFromFloat(0.5),
		SignalTime:   last.Timestamp,
		Status:       types.SignalStatusPending,
	}
	return sig, nil
}
