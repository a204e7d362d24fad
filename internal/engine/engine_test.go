package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/broker"
	"github.com/tradectl/control-plane/internal/settings"
	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, store.Store, *broker.PaperAdapter) {
	t.Helper()
	db := store.NewMemStore(zap.NewNop())
	st := settings.New(db, zap.NewNop(), nil)
	paper := broker.NewPaperAdapter(zap.NewNop(), decimal.NewFromInt(10000), decimal.NewFromFloat(0.0001))
	sim := broker.NewSimulationAdapter(zap.NewNop(), db, time.Hour, nil)
	e := New(db, st, zap.NewNop(), map[string]broker.Port{"paper": paper, "simulation": sim}, time.Second, nil)
	return e, db, paper
}

func testSignal() types.Signal {
	return types.Signal{
		ID: "sig-1", StrategyName: "trend-follow", UserID: "u1", Symbol: "EURUSD",
		Side: types.SignalSideLong, Entry: decimal.NewFromFloat(1.1000),
		StopLoss: decimal.NewFromFloat(1.0950), TakeProfit: decimal.NewFromFloat(1.1150),
		Status: types.SignalStatusApproved, SignalTime: time.Now(),
	}
}

func TestExecuteRejectsNonExecutableSignal(t *testing.T) {
	e, _, _ := newTestEngine(t)
	sig := testSignal()
	sig.Status = types.SignalStatusExecuted

	_, err := e.Execute(context.Background(), sig, decimal.NewFromFloat(0.1), "paper", ExecuteOptions{})
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestExecuteRoutesSimulationExecModeRegardlessOfBrokerTypeArg(t *testing.T) {
	e, _, _ := newTestEngine(t)
	sig := testSignal()

	// default Settings.ExecMode is simulation; passing brokerType "paper"
	// must not matter — simulation always wins this route.
	order, err := e.Execute(context.Background(), sig, decimal.NewFromFloat(0.1), "paper", ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if order.BrokerType != "simulation" {
		t.Fatalf("expected simulation adapter, got %s", order.BrokerType)
	}
	if order.Status != types.OrderStatusSubmitted {
		t.Fatalf("expected submitted (simulation fills on tick), got %s", order.Status)
	}
}

func TestExecuteIsIdempotentOnRepeatedNonce(t *testing.T) {
	e, _, _ := newTestEngine(t)
	sig := testSignal()
	opts := ExecuteOptions{Nonce: "fixed"}

	first, err := e.Execute(context.Background(), sig, decimal.NewFromFloat(0.1), "paper", opts)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	second, err := e.Execute(context.Background(), sig, decimal.NewFromFloat(0.1), "paper", opts)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same order on repeated client_order_id, got %s vs %s", first.ID, second.ID)
	}
}

func TestExecuteBlocksLiveWithoutAutonomousOrOverride(t *testing.T) {
	e, db, _ := newTestEngine(t)
	ctx := context.Background()

	cur, _ := db.GetSettings(ctx)
	cur.ExecMode = types.ExecModeLive
	cur.Mode = types.ModeGuide
	_, err := db.CompareAndSwapSettings(ctx, cur.Version, cur, types.SettingsAudit{Version: cur.Version + 1})
	if err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	sig := testSignal()
	_, err = e.Execute(ctx, sig, decimal.NewFromFloat(0.1), "paper", ExecuteOptions{})
	if _, ok := err.(*ModeBlockedError); !ok {
		t.Fatalf("expected ModeBlockedError, got %v", err)
	}
}

func TestCancelAllNonTerminalForUserCancelsOpenOrders(t *testing.T) {
	e, db, _ := newTestEngine(t)
	ctx := context.Background()
	sig := testSignal()

	_, err := e.Execute(ctx, sig, decimal.NewFromFloat(0.1), "paper", ExecuteOptions{Nonce: "a"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := e.CancelAllNonTerminalForUser(ctx, "u1"); err != nil {
		t.Fatalf("CancelAllNonTerminalForUser: %v", err)
	}

	orders, err := db.ListOrders(ctx, store.OrderFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	for _, o := range orders {
		if o.Status != types.OrderStatusCancelled && o.Status != types.OrderStatusFilled {
			t.Fatalf("expected order %s to be cancelled or already-terminal, got %s", o.ID, o.Status)
		}
	}
}
