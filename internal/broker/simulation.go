package broker

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/pkg/types"
)

// simulatedOrder is the SimulationAdapter's internal bookkeeping for an
// order awaiting SL/TP resolution from the background price ticker.
type simulatedOrder struct {
	userID     string
	symbol     string
	side       types.OrderSide
	qty        decimal.Decimal
	entryPrice decimal.Decimal
	stopLoss   decimal.Decimal
	takeProfit decimal.Decimal
	status     types.OrderStatus
	filledQty  decimal.Decimal
	avgPrice   decimal.Decimal
}

// TickHandler is notified when the background price updater resolves
// a simulated order via SL/TP. The server wiring passes nil; the
// engine's monitor loop learns of resolutions by polling Status.
type TickHandler func(brokerOrderID string, result types.StatusResult)

// SimulationAdapter persists a per-user account to the store,
// applies slippage, commission, latency and a Bernoulli
// fill_probability reject, and resolves SL/TP on every synthetic
// price tick from its background updater — the only adapter that
// ever runs unconditionally regardless of configured broker_type
// (exec_mode=simulation always routes here).
type SimulationAdapter struct {
	logger *zap.Logger
	db     store.Store

	connected atomic.Bool

	mu     sync.Mutex
	orders map[string]*simulatedOrder
	prices map[string]decimal.Decimal

	onTick TickHandler

	tickInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewSimulationAdapter constructs a SimulationAdapter. onTick may be
// nil if the caller only polls Status explicitly.
func NewSimulationAdapter(logger *zap.Logger, db store.Store, tickInterval time.Duration, onTick TickHandler) *SimulationAdapter {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	return &SimulationAdapter{
		logger:       logger.Named("broker.simulation"),
		db:           db,
		orders:       make(map[string]*simulatedOrder),
		prices:       make(map[string]decimal.Decimal),
		onTick:       onTick,
		tickInterval: tickInterval,
		stopCh:       make(chan struct{}),
	}
}

func (s *SimulationAdapter) Name() string { return "simulation" }

func (s *SimulationAdapter) Connect(ctx context.Context) error {
	if s.connected.CompareAndSwap(false, true) {
		s.wg.Add(1)
		go s.priceTickLoop()
	}
	return nil
}

func (s *SimulationAdapter) Disconnect(ctx context.Context) {
	if s.connected.CompareAndSwap(true, false) {
		close(s.stopCh)
		s.wg.Wait()
	}
}

func (s *SimulationAdapter) IsConnected() bool { return s.connected.Load() }

// priceTickLoop is the background price updater: a simple random walk
// per symbol, bounded entirely in-process (no external
// market-data dependency — this adapter never calls a real feed).
func (s *SimulationAdapter) priceTickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.advancePrices()
			s.resolvePendingOrders()
		}
	}
}

func (s *SimulationAdapter) advancePrices() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sym, price := range s.prices {
		wobble := decimal.NewFromFloat((rand.Float64() - 0.5) * 0.0004)
		s.prices[sym] = price.Add(price.Mul(wobble))
	}
}

func (s *SimulationAdapter) resolvePendingOrders() {
	s.mu.Lock()
	resolved := make([]struct {
		id     string
		result types.StatusResult
	}, 0)

	for id, o := range s.orders {
		if o.status.IsTerminal() {
			continue
		}
		price, ok := s.prices[o.symbol]
		if !ok {
			continue
		}
		hitSL := (o.side == types.OrderSideBuy && price.LessThanOrEqual(o.stopLoss)) ||
			(o.side == types.OrderSideSell && price.GreaterThanOrEqual(o.stopLoss))
		hitTP := (o.side == types.OrderSideBuy && price.GreaterThanOrEqual(o.takeProfit)) ||
			(o.side == types.OrderSideSell && price.LessThanOrEqual(o.takeProfit))
		if hitSL || hitTP {
			o.status = types.OrderStatusFilled
			o.filledQty = o.qty
			o.avgPrice = price
			resolved = append(resolved, struct {
				id     string
				result types.StatusResult
			}{id, types.StatusResult{Status: o.status, FilledQty: o.filledQty, AvgPrice: o.avgPrice}})
		}
	}
	s.mu.Unlock()

	if s.onTick != nil {
		for _, r := range resolved {
			s.onTick(r.id, r.result)
		}
	}
}

func (s *SimulationAdapter) Submit(ctx context.Context, req types.SubmitRequest) (types.SubmitResult, error) {
	if !s.IsConnected() {
		return types.SubmitResult{}, &types.BrokerError{Kind: types.BrokerErrorNotConnected, Message: "simulation adapter not connected"}
	}

	acc, err := s.db.GetSimulationAccount(ctx, req.UserID)
	if err != nil {
		return types.SubmitResult{}, err
	}

	select {
	case <-time.After(time.Duration(acc.LatencyMs) * time.Millisecond):
	case <-ctx.Done():
		return types.SubmitResult{}, &types.BrokerError{Kind: types.BrokerErrorTimeout, Message: ctx.Err().Error()}
	}

	fillProb, _ := acc.FillProbability.Float64()
	if rand.Float64() > fillProb {
		return types.SubmitResult{}, &types.BrokerError{Kind: types.BrokerErrorRejected, Message: "simulated fill_probability reject"}
	}

	slippage := acc.SlippagePips
	fillPrice := req.Price
	if req.Side == types.OrderSideBuy {
		fillPrice = fillPrice.Add(slippage)
	} else {
		fillPrice = fillPrice.Sub(slippage)
	}

	commission := acc.CommissionPerLot.Mul(req.Qty)

	brokerOrderID := "sim-" + uuid.NewString()

	s.mu.Lock()
	if _, ok := s.prices[req.Symbol]; !ok {
		s.prices[req.Symbol] = req.Price
	}
	s.orders[brokerOrderID] = &simulatedOrder{
		userID: req.UserID, symbol: req.Symbol, side: req.Side, qty: req.Qty,
		entryPrice: fillPrice, stopLoss: req.StopLoss, takeProfit: req.TakeProfit,
		status: types.OrderStatusSubmitted,
	}
	s.mu.Unlock()

	_, err = s.db.MutateSimulationAccount(ctx, req.UserID, func(a types.SimulationAccount) (types.SimulationAccount, error) {
		a.Balance = a.Balance.Sub(commission)
		a.Equity = a.Balance
		a.TotalTrades++
		return a, nil
	})
	if err != nil {
		return types.SubmitResult{}, err
	}

	return types.SubmitResult{BrokerOrderID: brokerOrderID, Status: types.OrderStatusSubmitted}, nil
}

func (s *SimulationAdapter) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[brokerOrderID]
	if !ok {
		return false, &types.BrokerError{Kind: types.BrokerErrorUnknownOrder, Message: brokerOrderID}
	}
	if o.status.IsTerminal() {
		return false, nil
	}
	o.status = types.OrderStatusCancelled
	return true, nil
}

func (s *SimulationAdapter) Modify(ctx context.Context, brokerOrderID string, stopLoss, takeProfit decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[brokerOrderID]
	if !ok {
		return false, &types.BrokerError{Kind: types.BrokerErrorUnknownOrder, Message: brokerOrderID}
	}
	if !stopLoss.IsZero() {
		o.stopLoss = stopLoss
	}
	if !takeProfit.IsZero() {
		o.takeProfit = takeProfit
	}
	return true, nil
}

func (s *SimulationAdapter) Status(ctx context.Context, brokerOrderID string) (types.StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[brokerOrderID]
	if !ok {
		return types.StatusResult{}, &types.BrokerError{Kind: types.BrokerErrorUnknownOrder, Message: brokerOrderID}
	}
	return types.StatusResult{Status: o.status, FilledQty: o.filledQty, AvgPrice: o.avgPrice}, nil
}

func (s *SimulationAdapter) Positions(ctx context.Context) ([]types.PositionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PositionInfo, 0, len(s.orders))
	for _, o := range s.orders {
		if o.status.IsTerminal() {
			continue
		}
		out = append(out, types.PositionInfo{Symbol: o.symbol, Side: o.side, Qty: o.qty, AvgPrice: o.entryPrice})
	}
	return out, nil
}

func (s *SimulationAdapter) Balance(ctx context.Context) (decimal.Decimal, error) {
	acc, err := s.db.GetSimulationAccount(ctx, "")
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}
