// Package engine implements the Execution Engine (C6): the sole path
// to a broker. It gates on signal status and execution mode, computes
// an idempotent client_order_id, drives the order lifecycle state
// machine, and runs the background monitor loop that polls broker
// status for non-terminal orders.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/broker"
	"github.com/tradectl/control-plane/internal/events"
	"github.com/tradectl/control-plane/internal/settings"
	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/pkg/types"
)

// ValidationError is the engine's "validation" error kind (§7):
// surfaced to the caller, never retried.
type ValidationError struct {
	Code   string
	Detail string
}

func (e *ValidationError) Error() string { return e.Code + ": " + e.Detail }

// ModeBlockedError is the engine's "mode_blocked" error kind (§7).
type ModeBlockedError struct {
	Code   string
	Detail string
}

func (e *ModeBlockedError) Error() string { return "mode_blocked: " + e.Code + ": " + e.Detail }

// ExecuteOptions carries the per-call fields Execute needs beyond the
// signal and size: the explicit live-trading override (set only by the
// guide-mode user-approval endpoint) and an idempotency nonce.
type ExecuteOptions struct {
	ManualOverride bool
	Nonce          string
}

// MaxRetries bounds how many times the monitor loop retries a
// transient broker_transient submission before marking an order
// terminally failed.
const MaxRetries = 3

// Engine is the Execution Engine (C6).
type Engine struct {
	db       store.Store
	settings *settings.Store
	bus      *events.Bus
	logger   *zap.Logger

	brokers map[string]broker.Port

	killSwitch atomic.Bool

	monitorInterval time.Duration
	stopCh          chan struct{}
	stopped         atomic.Bool
}

// New constructs an Execution Engine over the given broker adapters,
// keyed by their broker_type name. bus may be nil, in which case order
// transitions are persisted but never published to subscribers.
func New(db store.Store, settingsStore *settings.Store, logger *zap.Logger, brokers map[string]broker.Port, monitorInterval time.Duration, bus *events.Bus) *Engine {
	if monitorInterval < time.Second {
		monitorInterval = time.Second // floor per the design notes: avoid broker rate-limit storms
	}
	return &Engine{
		db:              db,
		settings:        settingsStore,
		bus:             bus,
		logger:          logger.Named("engine"),
		brokers:         brokers,
		monitorInterval: monitorInterval,
		stopCh:          make(chan struct{}),
	}
}

// publishOrderEvent emits an OrderEvent if a bus is wired.
func (e *Engine) publishOrderEvent(o types.ExecutionOrder, oldStatus types.OrderStatus) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(&events.OrderEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypeOrder),
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		OldStatus: string(oldStatus),
		NewStatus: string(o.Status),
	})
}

// EngageKillSwitch latches the engine-wide kill switch: no Execute call
// may proceed past the pre-execution gate while it is set. Wired to
// AccountRiskState.emergency_shutdown so no Execute can slip past a
// stale settings read mid-transition.
func (e *Engine) EngageKillSwitch() { e.killSwitch.Store(true) }

// DisengageKillSwitch clears the kill switch (e.g. after ResetEmergency).
func (e *Engine) DisengageKillSwitch() { e.killSwitch.Store(false) }

// IsBrokerConnected reports whether the named broker adapter is
// currently connected, used by the mode-transition guard (§4.10) to
// supply ModeTransitionGuard.BrokerConnected without the settings
// package reaching past its own boundary.
func (e *Engine) IsBrokerConnected(brokerType string) bool {
	adapter, ok := e.brokers[brokerType]
	if !ok {
		return false
	}
	return adapter.IsConnected()
}

func clientOrderID(strategyName, symbol, signalID, userID, nonce string) string {
	h := sha256.New()
	h.Write([]byte(strategyName))
	h.Write([]byte{0})
	h.Write([]byte(symbol))
	h.Write([]byte{0})
	h.Write([]byte(signalID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Engine) resolveAdapter(execMode types.ExecMode, brokerType string) (broker.Port, error) {
	var key string
	switch execMode {
	case types.ExecModeSimulation:
		key = "simulation"
	case types.ExecModePaper:
		key = "paper"
	case types.ExecModeLive:
		key = brokerType
	default:
		return nil, fmt.Errorf("unknown exec_mode %q", execMode)
	}
	adapter, ok := e.brokers[key]
	if !ok {
		return nil, fmt.Errorf("no broker adapter registered for %q", key)
	}
	return adapter, nil
}

// Execute is the only path to a broker. The pre-execution gate and the
// idempotent order insert happen before any broker I/O.
func (e *Engine) Execute(ctx context.Context, signal types.Signal, size decimal.Decimal, brokerType string, opts ExecuteOptions) (types.ExecutionOrder, error) {
	if e.killSwitch.Load() {
		return types.ExecutionOrder{}, &ModeBlockedError{"emergency_shutdown", "engine kill switch is engaged"}
	}

	// 1. signal must be pending or approved.
	if signal.Status != types.SignalStatusPending && signal.Status != types.SignalStatusApproved {
		return types.ExecutionOrder{}, &ValidationError{"signal_not_executable", "signal status is " + string(signal.Status)}
	}

	// 2. mode gate.
	cfg, err := e.settings.Get(ctx)
	if err != nil {
		return types.ExecutionOrder{}, err
	}
	if cfg.ExecMode == types.ExecModeLive {
		if cfg.Mode != types.ModeAutonomous && !opts.ManualOverride {
			return types.ExecutionOrder{}, &ModeBlockedError{"mode_requires_autonomous", "live exec_mode requires autonomous mode or an explicit manual override"}
		}
	}

	adapter, err := e.resolveAdapter(cfg.ExecMode, brokerType)
	if err != nil {
		return types.ExecutionOrder{}, err
	}

	// 3. lazy connect.
	if !adapter.IsConnected() {
		if err := adapter.Connect(ctx); err != nil {
			return types.ExecutionOrder{}, err
		}
	}

	// 4. idempotent order insert.
	nonce := opts.Nonce
	if nonce == "" {
		nonce = "0"
	}
	coid := clientOrderID(signal.StrategyName, signal.Symbol, signal.ID, signal.UserID, nonce)

	order := types.ExecutionOrder{
		ClientOrderID: coid,
		BrokerType:    adapter.Name(),
		Symbol:        signal.Symbol,
		OrderType:     types.OrderTypeMarket,
		Side:          signal.Side.OrderSide(),
		Qty:           size,
		Price:         signal.Entry,
		StopLoss:      signal.StopLoss,
		TakeProfit:    signal.TakeProfit,
		Status:        types.OrderStatusPending,
		SignalID:      signal.ID,
		StrategyName:  signal.StrategyName,
		UserID:        signal.UserID,
	}

	created, wasNew, err := e.db.CreateOrderIdempotent(ctx, order)
	if err != nil {
		return types.ExecutionOrder{}, err
	}
	if !wasNew {
		// Duplicate submission under retry — return the existing row,
		// no second broker call.
		return created, nil
	}

	return e.submit(ctx, adapter, created)
}

// mutateAndPublish runs fn through the persistence port's MutateOrder
// and, on success, publishes the resulting transition.
func (e *Engine) mutateAndPublish(ctx context.Context, orderID string, fn func(types.ExecutionOrder) (types.ExecutionOrder, *types.ExecutionLog, error)) (types.ExecutionOrder, error) {
	var oldStatus types.OrderStatus
	wrapped := func(cur types.ExecutionOrder) (types.ExecutionOrder, *types.ExecutionLog, error) {
		oldStatus = cur.Status
		return fn(cur)
	}
	updated, err := e.db.MutateOrder(ctx, orderID, wrapped)
	if err != nil {
		return updated, err
	}
	e.publishOrderEvent(updated, oldStatus)
	return updated, nil
}

// submit calls the broker and applies the resulting transition.
func (e *Engine) submit(ctx context.Context, adapter broker.Port, order types.ExecutionOrder) (types.ExecutionOrder, error) {
	now := time.Now().UTC()
	result, err := adapter.Submit(ctx, types.SubmitRequest{
		UserID: order.UserID, ClientOrderID: order.ClientOrderID, Symbol: order.Symbol,
		OrderType: order.OrderType, Side: order.Side, Qty: order.Qty, Price: order.Price,
		StopLoss: order.StopLoss, TakeProfit: order.TakeProfit,
	})

	if err != nil {
		var be *types.BrokerError
		if errors.As(err, &be) {
			if be.Retriable() {
				return e.mutateAndPublish(ctx, order.ID, func(cur types.ExecutionOrder) (types.ExecutionOrder, *types.ExecutionLog, error) {
					cur.RetryCount++
					cur.ErrorMsg = be.Error()
					next := types.OrderStatusPending
					if cur.RetryCount > MaxRetries {
						next = types.OrderStatusFailed
					}
					if err := checkTransition(cur.Status, next); err != nil {
						return cur, &types.ExecutionLog{OrderID: cur.ID, EventType: "invalid_transition", OldStatus: cur.Status, NewStatus: next}, err
					}
					old := cur.Status
					cur.Status = next
					return cur, &types.ExecutionLog{OrderID: cur.ID, EventType: "submit_err_transient", OldStatus: old, NewStatus: next, EventData: be.Error()}, nil
				})
			}
			return e.mutateAndPublish(ctx, order.ID, func(cur types.ExecutionOrder) (types.ExecutionOrder, *types.ExecutionLog, error) {
				old := cur.Status
				if err := checkTransition(old, types.OrderStatusRejected); err != nil {
					return cur, &types.ExecutionLog{OrderID: cur.ID, EventType: "invalid_transition"}, err
				}
				cur.Status = types.OrderStatusRejected
				cur.ErrorMsg = be.Error()
				return cur, &types.ExecutionLog{OrderID: cur.ID, EventType: "submit_err_rejected", OldStatus: old, NewStatus: cur.Status, EventData: be.Error()}, nil
			})
		}
		return types.ExecutionOrder{}, err
	}

	return e.mutateAndPublish(ctx, order.ID, func(cur types.ExecutionOrder) (types.ExecutionOrder, *types.ExecutionLog, error) {
		old := cur.Status
		next := result.Status
		if next != types.OrderStatusSubmitted && next != types.OrderStatusFilled {
			next = types.OrderStatusSubmitted
		}
		if err := checkTransition(old, next); err != nil {
			return cur, &types.ExecutionLog{OrderID: cur.ID, EventType: "invalid_transition"}, err
		}
		cur.Status = next
		cur.BrokerOrderID = result.BrokerOrderID
		cur.FilledQty = result.FilledQty
		cur.AvgFillPrice = result.AvgPrice
		cur.SubmittedAt = &now
		if next == types.OrderStatusFilled {
			cur.FilledAt = &now
		}
		return cur, &types.ExecutionLog{OrderID: cur.ID, EventType: "submit_ok", OldStatus: old, NewStatus: next}, nil
	})
}

// CancelAllNonTerminalForUser enumerates a user's non-terminal orders
// and cancels each, used by the cancel-on-mode-switch path (§4.6.3):
// the engine must finish this before the new mode becomes observable
// to new Execute calls.
func (e *Engine) CancelAllNonTerminalForUser(ctx context.Context, userID string) error {
	orders, err := e.db.ListOrders(ctx, store.OrderFilter{UserID: userID, NonTerminalOnly: true})
	if err != nil {
		return err
	}
	for _, o := range orders {
		if _, err := e.Cancel(ctx, o.ID); err != nil {
			e.logger.Warn("cancel-on-mode-switch failed for order", zap.String("orderId", o.ID), zap.Error(err))
		}
	}
	return nil
}

// Cancel transitions a single order to cancelled via its broker
// adapter. If the adapter errors or declines, the target becomes
// failed, which the state machine admits only from pending; a
// submitted or partially filled order is then left unchanged and
// Cancel returns an *ErrInvalidTransition.
func (e *Engine) Cancel(ctx context.Context, orderID string) (types.ExecutionOrder, error) {
	order, err := e.db.GetOrder(ctx, orderID)
	if err != nil {
		return types.ExecutionOrder{}, err
	}
	if order.Status.IsTerminal() {
		return order, nil
	}

	adapter, ok := e.brokers[order.BrokerType]
	if !ok {
		return types.ExecutionOrder{}, fmt.Errorf("no broker adapter registered for %q", order.BrokerType)
	}

	ok2, cancelErr := adapter.Cancel(ctx, order.BrokerOrderID)
	target := types.OrderStatusCancelled
	if cancelErr != nil || !ok2 {
		target = types.OrderStatusFailed
	}

	return e.mutateAndPublish(ctx, orderID, func(cur types.ExecutionOrder) (types.ExecutionOrder, *types.ExecutionLog, error) {
		old := cur.Status
		if err := checkTransition(old, target); err != nil {
			return cur, &types.ExecutionLog{OrderID: cur.ID, EventType: "invalid_transition"}, err
		}
		cur.Status = target
		return cur, &types.ExecutionLog{OrderID: cur.ID, EventType: "cancel", OldStatus: old, NewStatus: target}, nil
	})
}
