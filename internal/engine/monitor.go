package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/pkg/types"
)

// RunMonitorLoop polls every non-terminal order's broker for a status
// update on a fixed interval, applying the same checkTransition-guarded
// path Execute uses. It blocks until ctx is cancelled or Stop is called.
func (e *Engine) RunMonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(e.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

// Stop ends a running monitor loop. Safe to call once.
func (e *Engine) Stop() {
	if e.stopped.CompareAndSwap(false, true) {
		close(e.stopCh)
	}
}

func (e *Engine) pollOnce(ctx context.Context) {
	orders, err := e.db.ListOrders(ctx, store.OrderFilter{NonTerminalOnly: true})
	if err != nil {
		e.logger.Warn("monitor loop: list orders failed", zap.Error(err))
		return
	}

	for _, o := range orders {
		adapter, ok := e.brokers[o.BrokerType]
		if !ok {
			continue
		}

		if o.BrokerOrderID == "" {
			// A broker_transient submission left this pending with no
			// broker ack — re-submit so RetryCount advances and the
			// order eventually resolves to submitted or failed instead
			// of sitting pending forever.
			if _, err := e.submit(ctx, adapter, o); err != nil {
				e.logger.Warn("monitor loop: retry submit failed", zap.String("orderId", o.ID), zap.Error(err))
			}
			continue
		}

		result, err := adapter.Status(ctx, o.BrokerOrderID)
		if err != nil {
			e.logger.Warn("monitor loop: status poll failed", zap.String("orderId", o.ID), zap.Error(err))
			continue
		}
		if result.Status == o.Status {
			continue
		}
		if _, err := e.applyStatusUpdate(ctx, o.ID, result); err != nil {
			e.logger.Warn("monitor loop: transition rejected", zap.String("orderId", o.ID), zap.Error(err))
		}
	}
}

func (e *Engine) applyStatusUpdate(ctx context.Context, orderID string, result types.StatusResult) (types.ExecutionOrder, error) {
	now := time.Now().UTC()
	return e.mutateAndPublish(ctx, orderID, func(cur types.ExecutionOrder) (types.ExecutionOrder, *types.ExecutionLog, error) {
		old := cur.Status
		if err := checkTransition(old, result.Status); err != nil {
			return cur, &types.ExecutionLog{OrderID: cur.ID, EventType: "invalid_transition"}, err
		}
		cur.Status = result.Status
		cur.FilledQty = result.FilledQty
		cur.AvgFillPrice = result.AvgPrice
		if result.Status == types.OrderStatusFilled {
			cur.FilledAt = &now
		}
		return cur, &types.ExecutionLog{OrderID: cur.ID, EventType: "monitor_poll", OldStatus: old, NewStatus: result.Status}, nil
	})
}
