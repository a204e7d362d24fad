package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tradectl/control-plane/pkg/types"
)

func TestUpdateAccountStateRecomputesDrawdown(t *testing.T) {
	_, m, db, _ := newTestHarness(t)
	ctx := context.Background()

	if _, err := m.UpdateAccountState(ctx, "u1", decimal.NewFromInt(-1000), 0); err != nil {
		t.Fatalf("UpdateAccountState: %v", err)
	}

	state, err := db.GetAccountRiskState(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAccountRiskState: %v", err)
	}
	if !state.Equity.Equal(decimal.NewFromInt(9000)) {
		t.Fatalf("expected equity 9000 after -1000 pnl on 10000 balance, got %s", state.Equity.String())
	}
	if state.TradesToday != 1 {
		t.Fatalf("expected TradesToday=1, got %d", state.TradesToday)
	}
}

func TestUpdateAccountStateLatchesEmergencyOnBigLoss(t *testing.T) {
	_, m, db, _ := newTestHarness(t)
	ctx := context.Background()

	if _, err := m.UpdateAccountState(ctx, "u1", decimal.NewFromInt(-2000), 0); err != nil {
		t.Fatalf("UpdateAccountState: %v", err)
	}

	state, err := db.GetAccountRiskState(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAccountRiskState: %v", err)
	}
	if !state.EmergencyShutdown {
		t.Fatalf("expected emergency_shutdown latched after a 20%% drawdown, got state=%+v", state)
	}
}

func TestResetEmergencyClearsFlagAndAudits(t *testing.T) {
	_, m, db, _ := newTestHarness(t)
	ctx := context.Background()

	if _, err := m.UpdateAccountState(ctx, "u1", decimal.NewFromInt(-2000), 0); err != nil {
		t.Fatalf("seed drawdown: %v", err)
	}
	state, _ := db.GetAccountRiskState(ctx, "u1")
	if !state.EmergencyShutdown {
		t.Fatal("expected emergency_shutdown set before reset")
	}

	after, err := m.ResetEmergency(ctx, "u1", "admin")
	if err != nil {
		t.Fatalf("ResetEmergency: %v", err)
	}
	if after.EmergencyShutdown {
		t.Fatal("expected emergency_shutdown cleared after ResetEmergency")
	}

	decisions, err := db.ListRiskDecisions(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListRiskDecisions: %v", err)
	}
	found := false
	for _, d := range decisions {
		if d.ReasonCode == "emergency_reset" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an emergency_reset RiskDecision audit row")
	}
}

func TestResetDailyClearsCounters(t *testing.T) {
	_, m, db, _ := newTestHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.UpdateAccountState(ctx, "u1", decimal.NewFromInt(10), 0); err != nil {
			t.Fatalf("UpdateAccountState: %v", err)
		}
	}
	before, _ := db.GetAccountRiskState(ctx, "u1")
	if before.TradesToday != 3 {
		t.Fatalf("expected TradesToday=3 before reset, got %d", before.TradesToday)
	}

	after, err := m.ResetDaily(ctx, "u1", "cron")
	if err != nil {
		t.Fatalf("ResetDaily: %v", err)
	}
	if after.TradesToday != 0 || !after.DailyPnL.IsZero() {
		t.Fatalf("expected counters cleared after ResetDaily, got %+v", after)
	}
}

func TestUpdateStrategyBudgetResetsConsecutiveLossesOnWin(t *testing.T) {
	_, m, _, _ := newTestHarness(t)
	ctx := context.Background()

	trade := types.ClosedTrade{UserID: "u1", StrategyName: "NBB", Symbol: "EURUSD", PnL: decimal.NewFromInt(-50)}
	if _, err := m.UpdateStrategyBudget(ctx, trade); err != nil {
		t.Fatalf("UpdateStrategyBudget (loss): %v", err)
	}
	trade.PnL = decimal.NewFromInt(100)
	budget, err := m.UpdateStrategyBudget(ctx, trade)
	if err != nil {
		t.Fatalf("UpdateStrategyBudget (win): %v", err)
	}
	if budget.ConsecutiveLosses != 0 {
		t.Fatalf("expected ConsecutiveLosses reset to 0 after a win, got %d", budget.ConsecutiveLosses)
	}
	if budget.WinningTrades != 1 || budget.TotalTrades != 2 {
		t.Fatalf("unexpected budget counters: %+v", budget)
	}
}
