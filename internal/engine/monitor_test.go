package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/broker"
	"github.com/tradectl/control-plane/internal/settings"
	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/pkg/types"
)

// flakyBroker fails its first N Submit calls with a retriable transport
// error, then succeeds. It satisfies broker.Port.
type flakyBroker struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyBroker) Connect(ctx context.Context) error { return nil }
func (f *flakyBroker) Disconnect(ctx context.Context)    {}
func (f *flakyBroker) IsConnected() bool                 { return true }

func (f *flakyBroker) Submit(ctx context.Context, req types.SubmitRequest) (types.SubmitResult, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return types.SubmitResult{}, &types.BrokerError{Kind: types.BrokerErrorTransport, Message: "simulated transport failure"}
	}
	return types.SubmitResult{BrokerOrderID: "flaky-1", Status: types.OrderStatusSubmitted}, nil
}

func (f *flakyBroker) Cancel(ctx context.Context, brokerOrderID string) (bool, error) { return true, nil }
func (f *flakyBroker) Modify(ctx context.Context, brokerOrderID string, stopLoss, takeProfit decimal.Decimal) (bool, error) {
	return true, nil
}
func (f *flakyBroker) Status(ctx context.Context, brokerOrderID string) (types.StatusResult, error) {
	return types.StatusResult{Status: types.OrderStatusSubmitted}, nil
}
func (f *flakyBroker) Positions(ctx context.Context) ([]types.PositionInfo, error) { return nil, nil }
func (f *flakyBroker) Balance(ctx context.Context) (decimal.Decimal, error)        { return decimal.Zero, nil }
func (f *flakyBroker) Name() string                                               { return "flaky" }

func newFlakyTestEngine(t *testing.T, failures int32) (*Engine, store.Store, *flakyBroker) {
	t.Helper()
	db := store.NewMemStore(zap.NewNop())
	st := settings.New(db, zap.NewNop(), nil)
	flaky := &flakyBroker{failures: failures}
	cur, err := db.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	cur.ExecMode = types.ExecModeSimulation
	if _, err := db.CompareAndSwapSettings(context.Background(), cur.Version, cur, types.SettingsAudit{Version: cur.Version + 1}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	e := New(db, st, zap.NewNop(), map[string]broker.Port{"simulation": flaky}, time.Second, nil)
	return e, db, flaky
}

func TestMonitorRetriesPendingOrderUntilBrokerAcks(t *testing.T) {
	e, db, _ := newFlakyTestEngine(t, 2)
	ctx := context.Background()
	sig := testSignal()

	order, err := e.Execute(ctx, sig, decimal.NewFromFloat(0.1), "simulation", ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if order.Status != types.OrderStatusPending || order.BrokerOrderID != "" {
		t.Fatalf("expected a pending order awaiting broker ack, got status=%s brokerOrderId=%q", order.Status, order.BrokerOrderID)
	}

	e.pollOnce(ctx)
	first, err := db.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if first.RetryCount != 2 || first.Status != types.OrderStatusPending {
		t.Fatalf("expected retryCount=2 still pending after first poll, got retryCount=%d status=%s", first.RetryCount, first.Status)
	}

	e.pollOnce(ctx)
	second, err := db.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if second.Status != types.OrderStatusSubmitted || second.BrokerOrderID == "" {
		t.Fatalf("expected the order to resolve to submitted with a broker ack, got status=%s brokerOrderId=%q", second.Status, second.BrokerOrderID)
	}
}

func TestMonitorFailsPendingOrderAfterMaxRetries(t *testing.T) {
	e, db, _ := newFlakyTestEngine(t, int32(MaxRetries)+5)
	ctx := context.Background()
	sig := testSignal()

	order, err := e.Execute(ctx, sig, decimal.NewFromFloat(0.1), "simulation", ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for i := 0; i <= MaxRetries; i++ {
		e.pollOnce(ctx)
		cur, err := db.GetOrder(ctx, order.ID)
		if err != nil {
			t.Fatalf("GetOrder: %v", err)
		}
		if cur.Status == types.OrderStatusFailed {
			return
		}
	}

	final, err := db.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	t.Fatalf("expected order to be marked failed once RetryCount exceeds MaxRetries, got status=%s retryCount=%d", final.Status, final.RetryCount)
}
