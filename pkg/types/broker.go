package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BrokerErrorKind classifies a broker adapter failure into the stable
// recovery-policy buckets the engine dispatches on.
type BrokerErrorKind string

const (
	BrokerErrorNotConnected BrokerErrorKind = "not_connected"
	BrokerErrorRejected     BrokerErrorKind = "rejected"
	BrokerErrorTransport    BrokerErrorKind = "transport"
	BrokerErrorTimeout      BrokerErrorKind = "timeout"
	BrokerErrorUnknownOrder BrokerErrorKind = "unknown_order"
)

// BrokerError is a typed adapter failure carrying a stable Kind so the
// engine can dispatch retry/terminal policy without string matching.
type BrokerError struct {
	Kind    BrokerErrorKind
	Message string
}

func (e *BrokerError) Error() string { return string(e.Kind) + ": " + e.Message }

// Retriable reports whether the engine's monitor loop should retry.
func (e *BrokerError) Retriable() bool {
	return e.Kind == BrokerErrorTransport || e.Kind == BrokerErrorTimeout
}

// SubmitRequest is the order submission contract every broker adapter
// accepts.
type SubmitRequest struct {
	UserID        string
	ClientOrderID string
	Symbol        string
	OrderType     OrderType
	Side          OrderSide
	Qty           decimal.Decimal
	Price         decimal.Decimal
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
}

// SubmitResult is the broker's acknowledgement of a SubmitRequest.
type SubmitResult struct {
	BrokerOrderID string
	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
}

// StatusResult is the broker's current view of a previously submitted
// order, as polled by the engine's monitor loop.
type StatusResult struct {
	Status    OrderStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
}

// PositionInfo is a broker-reported open position, independent of the
// control plane's own Position bookkeeping.
type PositionInfo struct {
	Symbol   string          `json:"symbol"`
	Side     OrderSide       `json:"side"`
	Qty      decimal.Decimal `json:"qty"`
	AvgPrice decimal.Decimal `json:"avgPrice"`
	OpenedAt time.Time       `json:"openedAt"`
}
