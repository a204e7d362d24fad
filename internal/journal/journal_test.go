package journal

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/pkg/types"
)

func closedTrade(pnl float64, closedAt time.Time) types.JournalEntry {
	return types.JournalEntry{
		StrategyName: "trend-follow", Symbol: "EURUSD", UserID: "u1",
		Source: types.JournalSourceSimulation, Side: types.SignalSideLong,
		Entry: decimal.NewFromFloat(1.1), Exit: decimal.NewFromFloat(1.1).Add(decimal.NewFromFloat(pnl)),
		PnL: decimal.NewFromFloat(pnl), OpenedAt: closedAt.Add(-time.Hour), ClosedAt: closedAt,
	}
}

func TestRecordCloseComputesDuration(t *testing.T) {
	db := store.NewMemStore(zap.NewNop())
	j := New(db, zap.NewNop())

	entry, err := j.RecordClose(context.Background(), closedTrade(10, time.Now()))
	if err != nil {
		t.Fatalf("RecordClose: %v", err)
	}
	if entry.Duration != time.Hour {
		t.Fatalf("expected 1h duration, got %s", entry.Duration)
	}
	if entry.ID == "" || entry.EntryUID == "" {
		t.Fatal("expected generated ID and EntryUID")
	}
}

func TestAnalyzeBelowThresholdNeverFlagsUnderperformance(t *testing.T) {
	db := store.NewMemStore(zap.NewNop())
	j := New(db, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := j.RecordClose(ctx, closedTrade(-10, time.Now())); err != nil {
			t.Fatalf("RecordClose: %v", err)
		}
	}

	result, err := j.Analyze(ctx, "trend-follow", "EURUSD", PerformanceWindow{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.SampleSize != 5 {
		t.Fatalf("expected sample size 5, got %d", result.SampleSize)
	}
	if DetectUnderperformance(result) {
		t.Fatal("expected no underperformance flag below the sample threshold, even with all losses")
	}
}

func TestAnalyzeFlagsUnderperformanceOnLowWinRate(t *testing.T) {
	db := store.NewMemStore(zap.NewNop())
	j := New(db, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		j.RecordClose(ctx, closedTrade(-10, time.Now()))
	}
	for i := 0; i < 2; i++ {
		j.RecordClose(ctx, closedTrade(5, time.Now()))
	}

	result, err := j.Analyze(ctx, "trend-follow", "EURUSD", PerformanceWindow{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.SampleSize != 10 {
		t.Fatalf("expected sample size 10, got %d", result.SampleSize)
	}
	if !DetectUnderperformance(result) {
		t.Fatal("expected underperformance flag: 20% win rate at threshold sample size")
	}
}

func TestAnalyzeFiltersByStrategyAndSymbol(t *testing.T) {
	db := store.NewMemStore(zap.NewNop())
	j := New(db, zap.NewNop())
	ctx := context.Background()

	j.RecordClose(ctx, closedTrade(10, time.Now()))
	other := closedTrade(10, time.Now())
	other.Symbol = "GBPUSD"
	j.RecordClose(ctx, other)

	result, err := j.Analyze(ctx, "trend-follow", "EURUSD", PerformanceWindow{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.SampleSize != 1 {
		t.Fatalf("expected only the EURUSD entry, got sample size %d", result.SampleSize)
	}
}
