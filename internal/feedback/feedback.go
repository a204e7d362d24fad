// Package feedback implements the Feedback Loop (C8): a periodic
// analyzer that turns the Journal's performance summary into one of
// {monitor, disable_strategy, trigger_optimization}, recorded
// immutably. It never mutates settings; its only side effects are
// passing the window's expectancy to the Risk Monitor's
// UpdateStrategyBudget as one closed trade on the disable branch, and
// emitting typed strategy-disable and optimization events — no direct
// coupling to whatever consumes those events. The budget update counts
// as one more trade and disables the budget only when that trade
// brings its consecutive losses to the threshold.
package feedback

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/events"
	"github.com/tradectl/control-plane/internal/journal"
	"github.com/tradectl/control-plane/internal/risk"
	"github.com/tradectl/control-plane/internal/settings"
	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/pkg/types"
)

// Loop is the Feedback Loop (C8).
type Loop struct {
	db       store.Store
	journal  *journal.Journal
	monitor  *risk.Monitor
	settings *settings.Store
	bus      *events.Bus
	logger   *zap.Logger

	window time.Duration
}

// New constructs a Feedback Loop. window bounds how far back Analyze
// looks for each RunCycle — zero means "all history".
func New(db store.Store, j *journal.Journal, monitor *risk.Monitor, settingsStore *settings.Store, bus *events.Bus, logger *zap.Logger, window time.Duration) *Loop {
	return &Loop{db: db, journal: j, monitor: monitor, settings: settingsStore, bus: bus, logger: logger.Named("feedback"), window: window}
}

// RunCycle evaluates one (strategy, symbol) pair and records the
// decision. The decision algorithm is intentionally unconditional on
// any global state beyond the window's performance summary plus the
// current auto_disable_strategies setting.
func (l *Loop) RunCycle(ctx context.Context, userID, strategyName, symbol string) (types.FeedbackDecision, error) {
	var since time.Time
	if l.window > 0 {
		since = time.Now().UTC().Add(-l.window)
	}

	result, err := l.journal.Analyze(ctx, strategyName, symbol, journal.PerformanceWindow{Since: since})
	if err != nil {
		return types.FeedbackDecision{}, err
	}

	cfg, err := l.settings.Get(ctx)
	if err != nil {
		return types.FeedbackDecision{}, err
	}

	decision := types.FeedbackDecision{
		StrategyName: strategyName,
		Symbol:       symbol,
		UserID:       userID,
		Result:       result,
		DecidedAt:    time.Now().UTC(),
	}

	winRate, _ := result.WinRate.Float64()
	profitFactor, _ := result.ProfitFactor.Float64()

	switch {
	case result.SampleSize < 10:
		decision.Action = types.FeedbackActionMonitor
		decision.Reason = "not_enough_samples"

	case result.MaxConsecLoss >= 5 && cfg.AutoDisableStrategies:
		decision.Action = types.FeedbackActionDisableStrategy
		decision.Reason = "consecutive_losses"
		if _, err := l.monitor.UpdateStrategyBudget(ctx, types.ClosedTrade{
			UserID: userID, StrategyName: strategyName, Symbol: symbol, PnL: result.Expectancy, ClosedAt: decision.DecidedAt,
		}); err != nil {
			l.logger.Warn("feedback loop: disable strategy budget failed", zap.Error(err))
		}
		l.emitStrategyDisable(strategyName, symbol, userID, decision.Reason)

	case winRate < 0.40 || profitFactor < 1.0:
		decision.Action = types.FeedbackActionTriggerOptimization
		decision.Reason = "underperforming"
		l.emitOptimizationTrigger(strategyName, symbol, decision.Reason)

	default:
		decision.Action = types.FeedbackActionMonitor
		decision.Reason = "within_tolerance"
	}

	return l.db.AppendFeedbackDecision(ctx, decision)
}

func (l *Loop) emitOptimizationTrigger(strategyName, symbol, reason string) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(&events.OptimizationTriggerEvent{
		BaseEvent:    events.NewBaseEvent(events.EventTypeOptimization),
		StrategyName: strategyName,
		Symbol:       symbol,
		Reason:       reason,
	})
}

func (l *Loop) emitStrategyDisable(strategyName, symbol, userID, reason string) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(&events.StrategyDisableEvent{
		BaseEvent:    events.NewBaseEvent(events.EventTypeStrategyDisable),
		StrategyName: strategyName,
		Symbol:       symbol,
		UserID:       userID,
		Reason:       reason,
	})
}
