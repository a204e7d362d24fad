// Package journal implements the Journal & Performance Analyzer (C7):
// an append-only record of closed trades and a read-only analyzer over
// it that the Feedback Loop consults.
package journal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/pkg/types"
	"github.com/tradectl/control-plane/pkg/utils"
)

// underperformanceSampleThreshold is the minimum trade count before the
// analyzer will flag underperformance — below this, there simply isn't
// enough signal either way.
const underperformanceSampleThreshold = 10

const (
	underperformanceWinRateCeiling      = 0.40
	underperformanceProfitFactorFloor   = 1.0
	underperformanceConsecLossCeiling   = 5
)

// Journal is the Journal & Performance Analyzer (C7).
type Journal struct {
	db     store.Store
	logger *zap.Logger
}

// New constructs a Journal.
func New(db store.Store, logger *zap.Logger) *Journal {
	return &Journal{db: db, logger: logger.Named("journal")}
}

// RecordClose appends one immutable JournalEntry for a closed trade.
// Called on position close — from a broker fill confirmation or an
// SL/TP tick resolution — never on order fill directly (§4.6.2: the
// entry is written at close, not at fill).
func (j *Journal) RecordClose(ctx context.Context, entry types.JournalEntry) (types.JournalEntry, error) {
	if entry.ClosedAt.IsZero() {
		entry.ClosedAt = time.Now().UTC()
	}
	entry.Duration = entry.ClosedAt.Sub(entry.OpenedAt)
	return j.db.AppendJournalEntry(ctx, entry)
}

// PerformanceWindow bounds an Analyze call to trades closed within it.
type PerformanceWindow struct {
	Since time.Time
}

// Analyze computes the performance summary the Feedback Loop and the
// Risk Monitor's auto-disable path both consult.
func (j *Journal) Analyze(ctx context.Context, strategyName, symbol string, window PerformanceWindow) (types.PerformanceResult, error) {
	entries, err := j.db.ListJournalEntries(ctx, strategyName, symbol, window.Since)
	if err != nil {
		return types.PerformanceResult{}, err
	}

	result := types.PerformanceResult{StrategyName: strategyName, Symbol: symbol, SampleSize: len(entries)}
	if len(entries) == 0 {
		return result, nil
	}

	var consecLoss, maxConsecLoss int
	var grossProfit, grossLoss decimal.Decimal
	pnls := make([]decimal.Decimal, len(entries))
	for i, e := range entries {
		pnls[i] = e.PnL
		if e.IsLoss() {
			consecLoss++
			grossLoss = grossLoss.Add(e.PnL.Abs())
			if consecLoss > maxConsecLoss {
				maxConsecLoss = consecLoss
			}
		} else {
			consecLoss = 0
			grossProfit = grossProfit.Add(e.PnL)
		}
	}

	result.WinRate = utils.CalculateWinRate(pnls)
	switch {
	case grossLoss.IsZero() && grossProfit.IsZero():
		result.ProfitFactor = decimal.Zero
	case grossLoss.IsZero():
		result.ProfitFactor = decimal.NewFromInt(1 << 20) // effectively infinite: no losses recorded
	default:
		result.ProfitFactor = utils.CalculateProfitFactor(pnls)
	}
	result.Expectancy = grossProfit.Sub(grossLoss).Div(decimal.NewFromInt(int64(len(entries))))
	result.MaxConsecLoss = maxConsecLoss

	return result, nil
}

// DetectUnderperformance reports whether a PerformanceResult crosses
// any of the four underperformance conditions, gated on having enough
// samples to trust the signal (§4.7).
func DetectUnderperformance(r types.PerformanceResult) bool {
	if r.SampleSize < underperformanceSampleThreshold {
		return false
	}
	winRate, _ := r.WinRate.Float64()
	profitFactor, _ := r.ProfitFactor.Float64()
	return winRate < underperformanceWinRateCeiling ||
		profitFactor < underperformanceProfitFactorFloor ||
		r.MaxConsecLoss >= underperformanceConsecLossCeiling
}

// ListForUser returns a user's most recent journal entries, most recent
// first — the read path behind the control plane's trade-history API.
func (j *Journal) ListForUser(ctx context.Context, userID string, limit int) ([]types.JournalEntry, error) {
	return j.db.ListJournalEntriesByUser(ctx, userID, limit)
}
