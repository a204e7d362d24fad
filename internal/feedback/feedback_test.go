package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/events"
	"github.com/tradectl/control-plane/internal/journal"
	"github.com/tradectl/control-plane/internal/risk"
	"github.com/tradectl/control-plane/internal/settings"
	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/pkg/types"
)

func newTestLoop(t *testing.T) (*Loop, *journal.Journal, store.Store) {
	t.Helper()
	db := store.NewMemStore(zap.NewNop())
	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())
	t.Cleanup(bus.Stop)
	st := settings.New(db, zap.NewNop(), bus)
	mon := risk.NewMonitor(db, st, zap.NewNop())
	j := journal.New(db, zap.NewNop())
	l := New(db, j, mon, st, bus, zap.NewNop(), 0)
	return l, j, db
}

func closedTrade(pnl float64) types.JournalEntry {
	now := time.Now()
	return types.JournalEntry{
		StrategyName: "trend-follow", Symbol: "EURUSD", UserID: "u1",
		Source: types.JournalSourceSimulation, Side: types.SignalSideLong,
		Entry: decimal.NewFromFloat(1.1), Exit: decimal.NewFromFloat(1.1),
		PnL: decimal.NewFromFloat(pnl), OpenedAt: now.Add(-time.Hour), ClosedAt: now,
	}
}

func TestRunCycleMonitorsBelowSampleThreshold(t *testing.T) {
	l, j, _ := newTestLoop(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		j.RecordClose(ctx, closedTrade(-10))
	}

	decision, err := l.RunCycle(ctx, "u1", "trend-follow", "EURUSD")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if decision.Action != types.FeedbackActionMonitor {
		t.Fatalf("expected monitor action, got %s", decision.Action)
	}
	if decision.Reason != "not_enough_samples" {
		t.Fatalf("expected not_enough_samples reason, got %s", decision.Reason)
	}
}

func TestRunCycleTriggersOptimizationOnLowWinRate(t *testing.T) {
	l, j, _ := newTestLoop(t)
	ctx := context.Background()
	// 8 losses and 2 wins, never more than 4 losses in a row, so the
	// consecutive-loss branch does not fire ahead of this one.
	for round := 0; round < 2; round++ {
		for i := 0; i < 4; i++ {
			j.RecordClose(ctx, closedTrade(-10))
		}
		j.RecordClose(ctx, closedTrade(5))
	}

	decision, err := l.RunCycle(ctx, "u1", "trend-follow", "EURUSD")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if decision.Action != types.FeedbackActionTriggerOptimization {
		t.Fatalf("expected trigger_optimization action, got %s", decision.Action)
	}
}

func TestRunCycleDisablesStrategyOnConsecutiveLosses(t *testing.T) {
	l, j, _ := newTestLoop(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		j.RecordClose(ctx, closedTrade(-10))
	}

	decision, err := l.RunCycle(ctx, "u1", "trend-follow", "EURUSD")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if decision.Action != types.FeedbackActionDisableStrategy {
		t.Fatalf("expected disable_strategy action, got %s", decision.Action)
	}
}

func TestRunCycleNeverMutatesSettings(t *testing.T) {
	l, j, db := newTestLoop(t)
	ctx := context.Background()
	before, _ := db.GetSettings(ctx)

	for i := 0; i < 10; i++ {
		j.RecordClose(ctx, closedTrade(-10))
	}
	if _, err := l.RunCycle(ctx, "u1", "trend-follow", "EURUSD"); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	after, _ := db.GetSettings(ctx)
	if after.Version != before.Version {
		t.Fatalf("expected settings version unchanged, before=%d after=%d", before.Version, after.Version)
	}
}
