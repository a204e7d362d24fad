package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/candlefeed"
	"github.com/tradectl/control-plane/internal/broker"
	"github.com/tradectl/control-plane/internal/engine"
	"github.com/tradectl/control-plane/internal/risk"
	"github.com/tradectl/control-plane/internal/settings"
	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/internal/strategy"
	"github.com/tradectl/control-plane/pkg/types"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *candlefeed.MemoryFeed) {
	t.Helper()
	db := store.NewMemStore(zap.NewNop())
	st := settings.New(db, zap.NewNop(), nil)
	validator := risk.New(db, st, zap.NewNop(), nil)
	monitor := risk.NewMonitor(db, st, zap.NewNop())
	sim := broker.NewSimulationAdapter(zap.NewNop(), db, time.Hour, nil)
	eng := engine.New(db, st, zap.NewNop(), map[string]broker.Port{"simulation": sim}, time.Second, nil)

	c := New(db, nil, validator, monitor, st, eng, nil, zap.NewNop())
	feed := candlefeed.NewMemoryFeed()
	c.feed = feed
	c.RegisterStrategy(strategy.NewReference("trend-follow", 1.0))
	return c, feed
}

func seedUptrend(feed *candlefeed.MemoryFeed, symbol string) {
	base := time.Now().Add(-2 * time.Hour)
	feed.Append(symbol, types.OHLCV{
		Timestamp: base, Open: decimal.NewFromFloat(1.0950), High: decimal.NewFromFloat(1.0960),
		Low: decimal.NewFromFloat(1.0940), Close: decimal.NewFromFloat(1.0950),
	})
	feed.Append(symbol, types.OHLCV{
		Timestamp: base.Add(time.Hour), Open: decimal.NewFromFloat(1.0950), High: decimal.NewFromFloat(1.1010),
		Low: decimal.NewFromFloat(1.0950), Close: decimal.NewFromFloat(1.1000),
	})
}

func TestRunCycleHappyPathProducesApprovedSubmittedOrder(t *testing.T) {
	c, feed := newTestCoordinator(t)
	seedUptrend(feed, "EURUSD")

	result, err := c.RunCycle(context.Background(), "u1", "EURUSD", "trend-follow", decimal.NewFromFloat(0.1), engine.ExecuteOptions{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.Signal == nil {
		t.Fatal("expected a signal from the uptrend candles")
	}
	if result.RiskDecision == nil || result.RiskDecision.Kind != types.RiskDecisionApproval {
		t.Fatalf("expected approved risk decision, got %+v", result.RiskDecision)
	}
	if result.Order == nil {
		t.Fatal("expected an order to be submitted")
	}
}

func TestRunCycleNoSignalWhenNoTrend(t *testing.T) {
	c, feed := newTestCoordinator(t)
	base := time.Now().Add(-time.Hour)
	feed.Append("EURUSD", types.OHLCV{Timestamp: base, Close: decimal.NewFromFloat(1.1000), Low: decimal.NewFromFloat(1.0990)})
	feed.Append("EURUSD", types.OHLCV{Timestamp: base.Add(time.Hour), Close: decimal.NewFromFloat(1.0990), Low: decimal.NewFromFloat(1.0980)})

	result, err := c.RunCycle(context.Background(), "u1", "EURUSD", "trend-follow", decimal.NewFromFloat(0.1), engine.ExecuteOptions{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.Signal != nil {
		t.Fatal("expected no signal on a down candle")
	}
}

func TestRunCycleRefusesWhenHalted(t *testing.T) {
	c, feed := newTestCoordinator(t)
	seedUptrend(feed, "EURUSD")
	c.Halt("test halt")

	_, err := c.RunCycle(context.Background(), "u1", "EURUSD", "trend-follow", decimal.NewFromFloat(0.1), engine.ExecuteOptions{})
	if _, ok := err.(*HaltedError); !ok {
		t.Fatalf("expected HaltedError, got %v", err)
	}
}

func TestRunCycleUnknownStrategyErrors(t *testing.T) {
	c, feed := newTestCoordinator(t)
	seedUptrend(feed, "EURUSD")

	_, err := c.RunCycle(context.Background(), "u1", "EURUSD", "does-not-exist", decimal.NewFromFloat(0.1), engine.ExecuteOptions{})
	if err == nil {
		t.Fatal("expected an error for an unregistered strategy")
	}
}

func TestCheckAdvisorHealthRejectsStaleHeartbeat(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.heartbeats["broker"] = &Heartbeat{OK: true, LastSeen: time.Now().Add(-2 * time.Minute)}

	if err := c.checkAdvisorHealth("broker"); err == nil {
		t.Fatal("expected a stale-heartbeat error")
	}
}

func TestCheckAdvisorHealthRejectsHighErrorRate(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.heartbeats["broker"] = &Heartbeat{Total: 10, Errors: 6, LastSeen: time.Now()}

	if err := c.checkAdvisorHealth("broker"); err == nil {
		t.Fatal("expected a high-error-rate error")
	}
}
