package broker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/pkg/types"
)

// PaperAdapter fills market orders instantly at the signal's entry
// price adjusted by a configured slippage, with no persisted account
// state beyond an in-memory order/position book — used for
// exec_mode=paper, where fills should feel realistic but nothing needs
// the full Bernoulli/latency machinery of the simulation adapter.
type PaperAdapter struct {
	logger       *zap.Logger
	slippagePips decimal.Decimal

	connected atomic.Bool

	mu        sync.Mutex
	orders    map[string]types.StatusResult
	positions []types.PositionInfo
	balance   decimal.Decimal
}

// NewPaperAdapter constructs a PaperAdapter with the given starting
// balance and fixed slippage (expressed in price units, not pips, to
// stay currency-pair-agnostic).
func NewPaperAdapter(logger *zap.Logger, startingBalance, slippage decimal.Decimal) *PaperAdapter {
	return &PaperAdapter{
		logger:       logger.Named("broker.paper"),
		slippagePips: slippage,
		orders:       make(map[string]types.StatusResult),
		balance:      startingBalance,
	}
}

func (p *PaperAdapter) Name() string { return "paper" }

func (p *PaperAdapter) Connect(ctx context.Context) error {
	p.connected.Store(true)
	return nil
}

func (p *PaperAdapter) Disconnect(ctx context.Context) {
	p.connected.Store(false)
}

func (p *PaperAdapter) IsConnected() bool { return p.connected.Load() }

func (p *PaperAdapter) Submit(ctx context.Context, req types.SubmitRequest) (types.SubmitResult, error) {
	if !p.IsConnected() {
		return types.SubmitResult{}, &types.BrokerError{Kind: types.BrokerErrorNotConnected, Message: "paper adapter not connected"}
	}

	fillPrice := req.Price
	if req.Side == types.OrderSideBuy {
		fillPrice = fillPrice.Add(p.slippagePips)
	} else {
		fillPrice = fillPrice.Sub(p.slippagePips)
	}

	brokerOrderID := "paper-" + uuid.NewString()
	result := types.SubmitResult{
		BrokerOrderID: brokerOrderID,
		Status:        types.OrderStatusFilled,
		FilledQty:     req.Qty,
		AvgPrice:      fillPrice,
	}

	p.mu.Lock()
	p.orders[brokerOrderID] = types.StatusResult{Status: result.Status, FilledQty: result.FilledQty, AvgPrice: result.AvgPrice}
	p.positions = append(p.positions, types.PositionInfo{Symbol: req.Symbol, Side: req.Side, Qty: req.Qty, AvgPrice: fillPrice})
	p.mu.Unlock()

	return result, nil
}

func (p *PaperAdapter) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.orders[brokerOrderID]
	if !ok {
		return false, &types.BrokerError{Kind: types.BrokerErrorUnknownOrder, Message: brokerOrderID}
	}
	if st.Status.IsTerminal() {
		return false, nil
	}
	st.Status = types.OrderStatusCancelled
	p.orders[brokerOrderID] = st
	return true, nil
}

func (p *PaperAdapter) Modify(ctx context.Context, brokerOrderID string, stopLoss, takeProfit decimal.Decimal) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[brokerOrderID]; !ok {
		return false, &types.BrokerError{Kind: types.BrokerErrorUnknownOrder, Message: brokerOrderID}
	}
	return true, nil
}

func (p *PaperAdapter) Status(ctx context.Context, brokerOrderID string) (types.StatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.orders[brokerOrderID]
	if !ok {
		return types.StatusResult{}, &types.BrokerError{Kind: types.BrokerErrorUnknownOrder, Message: brokerOrderID}
	}
	return st, nil
}

func (p *PaperAdapter) Positions(ctx context.Context) ([]types.PositionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.PositionInfo, len(p.positions))
	copy(out, p.positions)
	return out, nil
}

func (p *PaperAdapter) Balance(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}
