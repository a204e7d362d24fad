// Package broker defines the Broker Port (C5) — the uniform
// submit/cancel/modify/status contract every adapter implements — and
// ships two reference adapters: PaperAdapter and SimulationAdapter.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tradectl/control-plane/pkg/types"
)

// Port is the uniform broker contract. All methods may be cancelled
// via ctx; adapters must respect cancellation on any I/O wait.
type Port interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context)
	IsConnected() bool

	Submit(ctx context.Context, req types.SubmitRequest) (types.SubmitResult, error)
	Cancel(ctx context.Context, brokerOrderID string) (bool, error)
	Modify(ctx context.Context, brokerOrderID string, stopLoss, takeProfit decimal.Decimal) (bool, error)
	Status(ctx context.Context, brokerOrderID string) (types.StatusResult, error)

	Positions(ctx context.Context) ([]types.PositionInfo, error)
	Balance(ctx context.Context) (decimal.Decimal, error)

	// Name identifies the adapter's broker_type for ExecutionOrder rows.
	Name() string
}
