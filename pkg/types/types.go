// Package types provides shared domain type definitions for the trading
// control plane: candles, signals, positions, risk state, orders and
// their lifecycle logs, and the immutable journal.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell at the broker level.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// SignalSide represents the directional bias of a strategy signal.
type SignalSide string

const (
	SignalSideLong  SignalSide = "long"
	SignalSideShort SignalSide = "short"
)

// OrderSide returns the broker-level side implied by a signal side.
func (s SignalSide) OrderSide() OrderSide {
	if s == SignalSideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Opposite returns the closing side for a signal side.
func (s SignalSide) Opposite() OrderSide {
	if s == SignalSideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderType represents the type of order submitted to a broker.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is a node in the execution order lifecycle graph (spec §4.6).
type OrderStatus string

const (
	OrderStatusPending          OrderStatus = "pending"
	OrderStatusSubmitted        OrderStatus = "submitted"
	OrderStatusPartiallyFilled  OrderStatus = "partially_filled"
	OrderStatusFilled           OrderStatus = "filled"
	OrderStatusCancelled        OrderStatus = "cancelled"
	OrderStatusRejected         OrderStatus = "rejected"
	OrderStatusExpired          OrderStatus = "expired"
	OrderStatusFailed           OrderStatus = "failed"
)

// IsTerminal reports whether the status is a terminal state of the
// execution order state machine.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// SignalStatus is the monotonic status machine a Signal advances through.
type SignalStatus string

const (
	SignalStatusPending   SignalStatus = "pending"
	SignalStatusApproved  SignalStatus = "approved"
	SignalStatusRejected  SignalStatus = "rejected"
	SignalStatusExecuted  SignalStatus = "executed"
	SignalStatusCancelled SignalStatus = "cancelled"
	SignalStatusExpired   SignalStatus = "expired"
)

// PositionStatus represents whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Mode is the trading policy mode (spec §3, §4.10).
type Mode string

const (
	ModeGuide      Mode = "guide"
	ModeAutonomous Mode = "autonomous"
)

// ExecMode selects the broker adapter and the real-money gate.
type ExecMode string

const (
	ExecModeSimulation ExecMode = "simulation"
	ExecModePaper      ExecMode = "paper"
	ExecModeLive       ExecMode = "live"
)

// RiskDecisionKind enumerates the outcomes a RiskDecision can record.
type RiskDecisionKind string

const (
	RiskDecisionApproval       RiskDecisionKind = "approval"
	RiskDecisionRejection      RiskDecisionKind = "rejection"
	RiskDecisionShutdown       RiskDecisionKind = "shutdown"
	RiskDecisionBudgetDisable  RiskDecisionKind = "budget_disable"
)

// RiskSeverity grades a RiskDecision.
type RiskSeverity string

const (
	RiskSeverityInfo      RiskSeverity = "info"
	RiskSeverityWarn      RiskSeverity = "warn"
	RiskSeverityCritical  RiskSeverity = "critical"
	RiskSeverityEmergency RiskSeverity = "emergency"
)

// JournalSource records which execution mode produced a closed trade.
type JournalSource string

const (
	JournalSourceBacktest   JournalSource = "backtest"
	JournalSourcePaper      JournalSource = "paper"
	JournalSourceSimulation JournalSource = "simulation"
	JournalSourceLive       JournalSource = "live"
)

// OHLCV represents a single candlestick from the (out-of-scope) candle
// feed port.
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Signal is a strategy's proposed trade, an advisory input to risk
// validation. Immutable except for Status, which only advances forward
// through SignalStatus's machine.
type Signal struct {
	ID           string          `json:"id"`
	StrategyName string          `json:"strategyName"`
	UserID       string          `json:"userId"`
	Symbol       string          `json:"symbol"`
	Side         SignalSide      `json:"side"`
	Entry        decimal.Decimal `json:"entry"`
	StopLoss     decimal.Decimal `json:"stopLoss"`
	TakeProfit   decimal.Decimal `json:"takeProfit"`
	RiskPct      decimal.Decimal `json:"riskPct"`
	Confidence   decimal.Decimal `json:"confidence"`
	Status       SignalStatus    `json:"status"`
	SignalTime   time.Time       `json:"signalTime"`
}

// RiskReward computes |tp-entry| / |entry-sl|. Returns zero if the stop
// distance is zero (avoids a division by zero; the risk-reward check
// will reject such a signal).
func (s *Signal) RiskReward() decimal.Decimal {
	stopDist := s.Entry.Sub(s.StopLoss).Abs()
	if stopDist.IsZero() {
		return decimal.Zero
	}
	tpDist := s.TakeProfit.Sub(s.Entry).Abs()
	return tpDist.Div(stopDist)
}

// Position is an open or closed holding linked to the signal that opened
// it. Owns no orders; linked by id only (spec §9: no ownership cycles).
type Position struct {
	ID         string          `json:"id"`
	SignalID   string          `json:"signalId"`
	UserID     string          `json:"userId"`
	Symbol     string          `json:"symbol"`
	Side       SignalSide      `json:"side"`
	Size       decimal.Decimal `json:"size"`
	AvgEntry   decimal.Decimal `json:"avgEntry"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
	TakeProfit decimal.Decimal `json:"takeProfit"`
	OpenedAt   time.Time       `json:"openedAt"`
	ClosedAt   *time.Time      `json:"closedAt,omitempty"`
	Status     PositionStatus  `json:"status"`
}

// AccountRiskState is the per-user derived risk snapshot maintained by
// the Risk Monitor (spec §4.4).
type AccountRiskState struct {
	UserID              string          `json:"userId"`
	Balance             decimal.Decimal `json:"balance"`
	Equity              decimal.Decimal `json:"equity"`
	PeakEquity          decimal.Decimal `json:"peakEquity"`
	DailyPnL            decimal.Decimal `json:"dailyPnl"`
	DailyPnLResetAt     time.Time       `json:"dailyPnlResetAt"`
	OpenPositionsCount  int             `json:"openPositionsCount"`
	TradesToday         int             `json:"tradesToday"`
	TradesThisHour      int             `json:"tradesThisHour"`
	TradeTimestampsHour []time.Time     `json:"-"`
	EmergencyShutdown   bool            `json:"emergencyShutdown"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// CurrentDrawdownPct computes (peak-equity)/peak*100. Returns zero when
// there is no peak yet.
func (a *AccountRiskState) CurrentDrawdownPct() decimal.Decimal {
	if a.PeakEquity.IsZero() {
		return decimal.Zero
	}
	return a.PeakEquity.Sub(a.Equity).Div(a.PeakEquity).Mul(decimal.NewFromInt(100))
}

// StrategyBudgetKey identifies a per-(user, strategy, symbol) budget.
type StrategyBudgetKey struct {
	UserID       string
	StrategyName string
	Symbol       string
}

// StrategyBudget is the per-(user, strategy, symbol) bookkeeping used to
// auto-disable chronic underperformers (spec §3, §4.4).
type StrategyBudget struct {
	Key               StrategyBudgetKey `json:"key"`
	Enabled           bool              `json:"enabled"`
	ConsecutiveLosses int               `json:"consecutiveLosses"`
	TotalTrades       int               `json:"totalTrades"`
	WinningTrades     int               `json:"winningTrades"`
	GrossProfit       decimal.Decimal   `json:"grossProfit"`
	GrossLoss         decimal.Decimal   `json:"grossLoss"`
	LastTradeAt       time.Time         `json:"lastTradeAt"`
	DisabledReason    string            `json:"disabledReason,omitempty"`
}

// RiskDecision is the append-only record of a single validation attempt
// (spec §3, invariant: one row per call, approved or not).
type RiskDecision struct {
	ID            string           `json:"id"`
	SignalID      string           `json:"signalId"`
	UserID        string           `json:"userId"`
	Kind          RiskDecisionKind `json:"kind"`
	ReasonCode    string           `json:"reasonCode"`
	Severity      RiskSeverity     `json:"severity"`
	ChecksPassed  []string         `json:"checksPassed"`
	ChecksFailed  []string         `json:"checksFailed"`
	SnapshotState AccountRiskState `json:"snapshotState"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// ExecutionOrder is the persisted record of a single broker submission.
// ClientOrderID is the idempotency key (unique).
type ExecutionOrder struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId"`
	BrokerOrderID string          `json:"brokerOrderId,omitempty"`
	BrokerType    string          `json:"brokerType"`
	Symbol        string          `json:"symbol"`
	OrderType     OrderType       `json:"orderType"`
	Side          OrderSide       `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty"`
	StopLoss      decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit    decimal.Decimal `json:"takeProfit,omitempty"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice,omitempty"`
	SubmittedAt   *time.Time      `json:"submittedAt,omitempty"`
	FilledAt      *time.Time      `json:"filledAt,omitempty"`
	SignalID      string          `json:"signalId"`
	PositionID    string          `json:"positionId,omitempty"`
	StrategyName  string          `json:"strategyName"`
	ErrorMsg       string         `json:"errorMsg,omitempty"`
	RetryCount    int             `json:"retryCount"`
	UserID        string          `json:"userId"`
}

// ExecutionLog is an append-only record of an order's state transitions.
type ExecutionLog struct {
	ID        string      `json:"id"`
	OrderID   string      `json:"orderId"`
	EventType string      `json:"eventType"`
	EventData string      `json:"eventData,omitempty"`
	OldStatus OrderStatus `json:"oldStatus,omitempty"`
	NewStatus OrderStatus `json:"newStatus,omitempty"`
	EventTime time.Time   `json:"eventTime"`
}

// JournalEntry is the immutable, post-close record of a single trade.
type JournalEntry struct {
	ID           string          `json:"id"`
	EntryUID     string          `json:"entryUid"`
	StrategyName string          `json:"strategyName"`
	Symbol       string          `json:"symbol"`
	UserID       string          `json:"userId"`
	Source       JournalSource   `json:"source"`
	Side         SignalSide      `json:"side"`
	Entry        decimal.Decimal `json:"entry"`
	Exit         decimal.Decimal `json:"exit"`
	Size         decimal.Decimal `json:"size"`
	PnL          decimal.Decimal `json:"pnl"`
	Duration     time.Duration   `json:"duration"`
	ExitReason   string          `json:"exitReason"`
	OpenedAt     time.Time       `json:"openedAt"`
	ClosedAt     time.Time       `json:"closedAt"`
	SignalID     string          `json:"signalId"`
	OrderID      string          `json:"orderId"`
}

// IsLoss reports whether the entry closed at a net loss.
func (j *JournalEntry) IsLoss() bool {
	return j.PnL.IsNegative()
}

// SimulationAccount is the per-user book the SimulationAdapter persists.
type SimulationAccount struct {
	UserID            string          `json:"userId"`
	Balance           decimal.Decimal `json:"balance"`
	Equity            decimal.Decimal `json:"equity"`
	InitialBalance    decimal.Decimal `json:"initialBalance"`
	SlippagePips      decimal.Decimal `json:"slippagePips"`
	CommissionPerLot  decimal.Decimal `json:"commissionPerLot"`
	LatencyMs         int             `json:"latencyMs"`
	FillProbability   decimal.Decimal `json:"fillProbability"`
	TotalTrades       int             `json:"totalTrades"`
	WinningTrades     int             `json:"winningTrades"`
	TotalPnL          decimal.Decimal `json:"totalPnl"`
	LastResetAt       time.Time       `json:"lastResetAt"`
}

// ClosedTrade is the minimal shape the Risk Monitor needs to update a
// StrategyBudget and the feedback loop's performance window.
type ClosedTrade struct {
	UserID       string
	StrategyName string
	Symbol       string
	PnL          decimal.Decimal
	ClosedAt     time.Time
}
