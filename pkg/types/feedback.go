package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// FeedbackAction is the outcome of a single feedback cycle.
type FeedbackAction string

const (
	FeedbackActionMonitor            FeedbackAction = "monitor"
	FeedbackActionDisableStrategy    FeedbackAction = "disable_strategy"
	FeedbackActionTriggerOptimization FeedbackAction = "trigger_optimization"
)

// PerformanceResult is the analyzer's read-only summary over a journal
// window for a single (strategy, symbol).
type PerformanceResult struct {
	StrategyName      string          `json:"strategyName"`
	Symbol            string          `json:"symbol"`
	WinRate           decimal.Decimal `json:"winRate"`
	ProfitFactor      decimal.Decimal `json:"profitFactor"`
	Expectancy        decimal.Decimal `json:"expectancy"`
	MaxConsecLoss     int             `json:"maxConsecLoss"`
	SampleSize        int             `json:"sampleSize"`
}

// FeedbackDecision is the immutable record of one RunCycle invocation.
type FeedbackDecision struct {
	ID           string         `json:"id"`
	StrategyName string         `json:"strategyName"`
	Symbol       string         `json:"symbol"`
	UserID       string         `json:"userId"`
	Action       FeedbackAction `json:"action"`
	Reason       string         `json:"reason"`
	Result       PerformanceResult `json:"result"`
	DecidedAt    time.Time      `json:"decidedAt"`
}
