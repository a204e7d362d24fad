package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/pkg/types"
)

func TestPaperAdapterFillsInstantlyWithSlippage(t *testing.T) {
	p := NewPaperAdapter(zap.NewNop(), decimal.NewFromInt(10000), decimal.NewFromFloat(0.0002))
	ctx := context.Background()

	if err := p.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !p.IsConnected() {
		t.Fatal("expected connected")
	}

	result, err := p.Submit(ctx, types.SubmitRequest{
		Symbol: "EURUSD", Side: types.OrderSideBuy, Qty: decimal.NewFromFloat(0.1), Price: decimal.NewFromFloat(1.1000),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != types.OrderStatusFilled {
		t.Fatalf("expected instant fill, got %s", result.Status)
	}
	if !result.AvgPrice.Equal(decimal.NewFromFloat(1.1002)) {
		t.Fatalf("expected slippage-adjusted fill price 1.1002, got %s", result.AvgPrice.String())
	}
}

func TestPaperAdapterRejectsWhenNotConnected(t *testing.T) {
	p := NewPaperAdapter(zap.NewNop(), decimal.NewFromInt(10000), decimal.NewFromFloat(0.0002))
	ctx := context.Background()

	_, err := p.Submit(ctx, types.SubmitRequest{Symbol: "EURUSD", Side: types.OrderSideBuy, Qty: decimal.NewFromFloat(0.1), Price: decimal.NewFromFloat(1.1)})
	if err == nil {
		t.Fatal("expected not_connected error")
	}
	be, ok := err.(*types.BrokerError)
	if !ok || be.Kind != types.BrokerErrorNotConnected {
		t.Fatalf("expected BrokerErrorNotConnected, got %v", err)
	}
}

func TestSimulationAdapterResolvesTakeProfitOnTick(t *testing.T) {
	db := store.NewMemStore(zap.NewNop())
	ctx := context.Background()

	resolved := make(chan types.StatusResult, 1)
	adapter := NewSimulationAdapter(zap.NewNop(), db, 10*time.Millisecond, func(id string, result types.StatusResult) {
		resolved <- result
	})

	if err := adapter.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer adapter.Disconnect(ctx)

	result, err := adapter.Submit(ctx, types.SubmitRequest{
		UserID: "u1", Symbol: "EURUSD", Side: types.OrderSideBuy,
		Qty: decimal.NewFromFloat(0.1), Price: decimal.NewFromFloat(1.1000),
		StopLoss: decimal.NewFromFloat(1.0800), TakeProfit: decimal.NewFromFloat(1.0900), // already past TP, immune to tick wobble
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != types.OrderStatusSubmitted {
		t.Fatalf("expected submitted status pending tick resolution, got %s", result.Status)
	}

	select {
	case got := <-resolved:
		if got.Status != types.OrderStatusFilled {
			t.Fatalf("expected fill on tick resolution, got %s", got.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick resolution")
	}
}

func TestSimulationAdapterChargesCommission(t *testing.T) {
	db := store.NewMemStore(zap.NewNop())
	ctx := context.Background()

	before, _ := db.GetSimulationAccount(ctx, "u1")

	adapter := NewSimulationAdapter(zap.NewNop(), db, time.Hour, nil)
	if err := adapter.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer adapter.Disconnect(ctx)

	_, err := adapter.Submit(ctx, types.SubmitRequest{
		UserID: "u1", Symbol: "EURUSD", Side: types.OrderSideBuy,
		Qty: decimal.NewFromFloat(1.0), Price: decimal.NewFromFloat(1.1000),
		StopLoss: decimal.NewFromFloat(1.0900), TakeProfit: decimal.NewFromFloat(1.2000),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	after, err := db.GetSimulationAccount(ctx, "u1")
	if err != nil {
		t.Fatalf("GetSimulationAccount: %v", err)
	}
	if !after.Balance.LessThan(before.Balance) {
		t.Fatalf("expected balance to decrease by commission, before=%s after=%s", before.Balance, after.Balance)
	}
}
