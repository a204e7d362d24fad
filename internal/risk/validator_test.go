package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/events"
	"github.com/tradectl/control-plane/internal/settings"
	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/pkg/types"
)

func newTestHarness(t *testing.T) (*Validator, *Monitor, store.Store, *settings.Store) {
	t.Helper()
	db := store.NewMemStore(zap.NewNop())
	sstore := settings.New(db, zap.NewNop(), nil)
	v := New(db, sstore, zap.NewNop(), nil)
	m := NewMonitor(db, sstore, zap.NewNop())
	return v, m, db, sstore
}

func happySignal(userID string) types.Signal {
	return types.Signal{
		ID:           "sig-1",
		UserID:       userID,
		StrategyName: "NBB",
		Symbol:       "EURUSD",
		Side:         types.SignalSideLong,
		Entry:        decimal.NewFromFloat(1.1000),
		StopLoss:     decimal.NewFromFloat(1.0950),
		TakeProfit:   decimal.NewFromFloat(1.1150),
		RiskPct:      decimal.NewFromFloat(1.0),
		Status:       types.SignalStatusPending,
	}
}

func TestValidateApprovesHappyPath(t *testing.T) {
	v, _, _, _ := newTestHarness(t)
	ctx := context.Background()

	decision, err := v.Validate(ctx, happySignal("u1"), decimal.NewFromFloat(0.1))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if decision.Kind != types.RiskDecisionApproval {
		t.Fatalf("expected approval, got %s (reason=%s)", decision.Kind, decision.ReasonCode)
	}
	if len(decision.ChecksPassed) != len(allChecks) {
		t.Fatalf("expected all %d checks to pass, got %d", len(allChecks), len(decision.ChecksPassed))
	}
}

func TestValidateRejectsOnEmergencyShutdown(t *testing.T) {
	v, _, db, _ := newTestHarness(t)
	ctx := context.Background()

	_, err := db.MutateAccountRiskState(ctx, "u1", func(s types.AccountRiskState) (types.AccountRiskState, error) {
		s.EmergencyShutdown = true
		s.Balance = decimal.NewFromInt(10000)
		s.Equity = decimal.NewFromInt(10000)
		s.PeakEquity = decimal.NewFromInt(10000)
		return s, nil
	})
	if err != nil {
		t.Fatalf("seed state: %v", err)
	}

	decision, err := v.Validate(ctx, happySignal("u1"), decimal.NewFromFloat(0.1))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if decision.Kind != types.RiskDecisionRejection || decision.ReasonCode != CheckEmergencyShutdown {
		t.Fatalf("expected emergency_shutdown rejection, got kind=%s reason=%s", decision.Kind, decision.ReasonCode)
	}
	if len(decision.ChecksPassed) != 0 {
		t.Fatalf("expected the first check to short-circuit with no passed checks, got %v", decision.ChecksPassed)
	}
}

func TestValidateDrawdownBoundaryIsInclusive(t *testing.T) {
	v, _, db, _ := newTestHarness(t)
	ctx := context.Background()

	_, err := db.MutateAccountRiskState(ctx, "u1", func(s types.AccountRiskState) (types.AccountRiskState, error) {
		s.PeakEquity = decimal.NewFromInt(10000)
		s.Equity = decimal.NewFromInt(8500) // exactly 15% drawdown
		s.Balance = s.Equity
		return s, nil
	})
	if err != nil {
		t.Fatalf("seed state: %v", err)
	}

	decision, err := v.Validate(ctx, happySignal("u1"), decimal.NewFromFloat(0.1))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if decision.Kind != types.RiskDecisionShutdown || decision.ReasonCode != CheckAccountDrawdown {
		t.Fatalf("expected shutdown at exactly the drawdown threshold, got kind=%s reason=%s", decision.Kind, decision.ReasonCode)
	}

	state, err := db.GetAccountRiskState(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAccountRiskState: %v", err)
	}
	if !state.EmergencyShutdown {
		t.Fatal("expected emergency_shutdown latched true after boundary drawdown")
	}
}

func TestValidateRiskRewardBoundaryIsInclusive(t *testing.T) {
	v, _, _, _ := newTestHarness(t)
	ctx := context.Background()

	sig := happySignal("u1")
	// entry 1.1000, sl 1.0950 (50 pip risk) -> tp for rr=1.5 exactly: 1.1000 + 75 pips = 1.1075
	sig.TakeProfit = decimal.NewFromFloat(1.1075)

	decision, err := v.Validate(ctx, sig, decimal.NewFromFloat(0.1))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if decision.Kind != types.RiskDecisionApproval {
		t.Fatalf("expected rr==min threshold to pass, got %s/%s", decision.Kind, decision.ReasonCode)
	}
}

func TestValidateRejectsOnMaxOpenPositions(t *testing.T) {
	v, _, db, _ := newTestHarness(t)
	ctx := context.Background()

	_, err := db.MutateAccountRiskState(ctx, "u1", func(s types.AccountRiskState) (types.AccountRiskState, error) {
		s.Balance = decimal.NewFromInt(10000)
		s.Equity = decimal.NewFromInt(10000)
		s.PeakEquity = decimal.NewFromInt(10000)
		s.OpenPositionsCount = 10
		return s, nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	decision, err := v.Validate(ctx, happySignal("u1"), decimal.NewFromFloat(0.1))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if decision.ReasonCode != CheckMaxOpenPositions {
		t.Fatalf("expected max_open_positions rejection, got %s", decision.ReasonCode)
	}
}

func TestValidateRejectsOnStrategyBudgetDisabled(t *testing.T) {
	v, m, db, sstore := newTestHarness(t)
	ctx := context.Background()

	_, err := db.MutateAccountRiskState(ctx, "u1", func(s types.AccountRiskState) (types.AccountRiskState, error) {
		s.Balance = decimal.NewFromInt(10000)
		s.Equity = decimal.NewFromInt(10000)
		s.PeakEquity = decimal.NewFromInt(10000)
		return s, nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg, _ := sstore.Get(ctx)
	if !cfg.AutoDisableStrategies {
		t.Fatal("expected AutoDisableStrategies true by default")
	}

	for i := 0; i < 5; i++ {
		_, err := m.UpdateStrategyBudget(ctx, types.ClosedTrade{
			UserID: "u1", StrategyName: "NBB", Symbol: "EURUSD",
			PnL: decimal.NewFromInt(-100), ClosedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("UpdateStrategyBudget: %v", err)
		}
	}

	decision, err := v.Validate(ctx, happySignal("u1"), decimal.NewFromFloat(0.1))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if decision.ReasonCode != CheckStrategyBudget {
		t.Fatalf("expected strategy_budget rejection after 5 consecutive losses, got %s", decision.ReasonCode)
	}

	if _, err := m.EnableStrategy(ctx, "u1", "NBB", "EURUSD", "admin"); err != nil {
		t.Fatalf("EnableStrategy: %v", err)
	}
	decision, err = v.Validate(ctx, happySignal("u1"), decimal.NewFromFloat(0.1))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if decision.Kind != types.RiskDecisionApproval {
		t.Fatalf("expected approval after EnableStrategy restores the budget, got %s/%s", decision.Kind, decision.ReasonCode)
	}
}

func TestValidateAlwaysAppendsExactlyOneDecision(t *testing.T) {
	v, _, db, _ := newTestHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := v.Validate(ctx, happySignal("u1"), decimal.NewFromFloat(0.1)); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	}

	decisions, err := db.ListRiskDecisions(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListRiskDecisions: %v", err)
	}
	if len(decisions) != 3 {
		t.Fatalf("expected exactly 3 risk_decisions rows for 3 calls, got %d", len(decisions))
	}
}
