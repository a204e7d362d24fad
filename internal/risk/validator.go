// Package risk implements the Risk Validator (C3) and Risk Monitor
// (C4): the absolute pre-trade veto and the per-user/per-strategy
// state it reads to make that veto.
package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/constants"
	"github.com/tradectl/control-plane/internal/events"
	"github.com/tradectl/control-plane/internal/settings"
	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/pkg/types"
)

// Check codes, in validation order. A rejection always carries exactly
// one of these as its ReasonCode.
const (
	CheckEmergencyShutdown = "emergency_shutdown"
	CheckAccountDrawdown   = "account_drawdown"
	CheckMaxOpenPositions  = "max_open_positions"
	CheckDailyTradeLimit   = "daily_trade_limit"
	CheckHourlyTradeLimit  = "hourly_trade_limit"
	CheckPositionSize      = "position_size"
	CheckRiskReward        = "risk_reward"
	CheckStrategyBudget    = "strategy_budget"
	CheckDailyLossLimit    = "daily_loss_limit"
)

var allChecks = []string{
	CheckEmergencyShutdown, CheckAccountDrawdown, CheckMaxOpenPositions,
	CheckDailyTradeLimit, CheckHourlyTradeLimit, CheckPositionSize,
	CheckRiskReward, CheckStrategyBudget, CheckDailyLossLimit,
}

// Validator is the Risk Validator (C3): an absolute, nine-check veto
// over every proposed trade.
type Validator struct {
	db       store.Store
	settings *settings.Store
	bus      *events.Bus
	logger   *zap.Logger
}

// New constructs a Risk Validator. bus may be nil, in which case
// decisions are recorded but never published to subscribers.
func New(db store.Store, settingsStore *settings.Store, logger *zap.Logger, bus *events.Bus) *Validator {
	return &Validator{db: db, settings: settingsStore, bus: bus, logger: logger.Named("risk.validator")}
}

// appendDecision persists d and, if a bus is wired, publishes a
// RiskDecisionEvent so WebSocket subscribers see the outcome live.
func (v *Validator) appendDecision(ctx context.Context, d types.RiskDecision) (types.RiskDecision, error) {
	recorded, err := v.db.AppendRiskDecision(ctx, d)
	if err != nil {
		return recorded, err
	}
	if v.bus != nil {
		v.bus.Publish(&events.RiskDecisionEvent{
			BaseEvent:  events.NewBaseEvent(events.EventTypeRiskDecision),
			SignalID:   recorded.SignalID,
			UserID:     recorded.UserID,
			Kind:       string(recorded.Kind),
			ReasonCode: recorded.ReasonCode,
			Severity:   string(recorded.Severity),
		})
	}
	return recorded, nil
}

// Validate runs the nine ordered checks against signal and the
// requested position size, returning exactly one RiskDecision — never
// silently allowing. Checks 2 and 8 may themselves mutate state
// (latching emergency_shutdown, reading the strategy budget); both
// happen inside the user-scoped MutateAccountRiskState/MutateStrategyBudget
// transaction boundary the persistence port provides, so no concurrent
// Validate for the same user observes a torn snapshot.
func (v *Validator) Validate(ctx context.Context, signal types.Signal, requestedSize decimal.Decimal) (types.RiskDecision, error) {
	hard := constants.Get()
	cfg, err := v.settings.Get(ctx)
	if err != nil {
		return types.RiskDecision{}, err
	}

	state, err := v.db.GetAccountRiskState(ctx, signal.UserID)
	if err != nil {
		return types.RiskDecision{}, err
	}

	passed := make([]string, 0, len(allChecks))

	reject := func(code string, severity types.RiskSeverity) (types.RiskDecision, error) {
		d := types.RiskDecision{
			SignalID:      signal.ID,
			UserID:        signal.UserID,
			Kind:          types.RiskDecisionRejection,
			ReasonCode:    code,
			Severity:      severity,
			ChecksPassed:  passed,
			ChecksFailed:  []string{code},
			SnapshotState: state,
		}
		return v.appendDecision(ctx, d)
	}

	// 1. emergency_shutdown
	if state.EmergencyShutdown {
		return reject(CheckEmergencyShutdown, types.RiskSeverityEmergency)
	}
	passed = append(passed, CheckEmergencyShutdown)

	// 2. account_drawdown — latches emergency_shutdown on trip.
	if state.CurrentDrawdownPct().GreaterThanOrEqual(hard.EmergencyDrawdownPct) {
		_, mutErr := v.db.MutateAccountRiskState(ctx, signal.UserID, func(s types.AccountRiskState) (types.AccountRiskState, error) {
			s.EmergencyShutdown = true
			return s, nil
		})
		if mutErr != nil {
			return types.RiskDecision{}, mutErr
		}
		d := types.RiskDecision{
			SignalID:      signal.ID,
			UserID:        signal.UserID,
			Kind:          types.RiskDecisionShutdown,
			ReasonCode:    CheckAccountDrawdown,
			Severity:      types.RiskSeverityEmergency,
			ChecksPassed:  passed,
			ChecksFailed:  []string{CheckAccountDrawdown},
			SnapshotState: state,
		}
		return v.appendDecision(ctx, d)
	}
	passed = append(passed, CheckAccountDrawdown)

	// 3. max_open_positions
	maxOpen := settings.MinSoftInt(cfg.SoftMaxOpenPositions, hard.MaxOpenPositions)
	if state.OpenPositionsCount >= maxOpen {
		return reject(CheckMaxOpenPositions, types.RiskSeverityWarn)
	}
	passed = append(passed, CheckMaxOpenPositions)

	// 4. daily_trade_limit — resets when now - daily_pnl_reset_at >= 24h.
	effectiveTradesToday := state.TradesToday
	if time.Since(state.DailyPnLResetAt) >= 24*time.Hour {
		effectiveTradesToday = 0
	}
	maxDaily := settings.MinSoftInt(cfg.SoftMaxTradesPerDay, hard.MaxTradesPerDay)
	if effectiveTradesToday >= maxDaily {
		return reject(CheckDailyTradeLimit, types.RiskSeverityWarn)
	}
	passed = append(passed, CheckDailyTradeLimit)

	// 5. hourly_trade_limit — sliding 1h window.
	maxHourly := settings.MinSoftInt(cfg.SoftMaxTradesPerHour, hard.MaxTradesPerHour)
	tradesThisHour := countWithinWindow(state.TradeTimestampsHour, time.Now(), time.Hour)
	if tradesThisHour >= maxHourly {
		return reject(CheckHourlyTradeLimit, types.RiskSeverityWarn)
	}
	passed = append(passed, CheckHourlyTradeLimit)

	// 6. position_size
	maxLots := settings.MinSoft(cfg.SoftMaxPositionSizeLots, hard.MaxPositionSizeLots)
	if requestedSize.GreaterThan(maxLots) {
		return reject(CheckPositionSize, types.RiskSeverityWarn)
	}
	maxPct := settings.MinSoft(cfg.SoftMaxPositionSizePct, hard.MaxPositionSizePct)
	sizeValue := requestedSize.Mul(signal.Entry)
	maxSizeValue := maxPct.Div(decimal.NewFromInt(100)).Mul(state.Balance)
	if sizeValue.GreaterThan(maxSizeValue) {
		return reject(CheckPositionSize, types.RiskSeverityWarn)
	}
	passed = append(passed, CheckPositionSize)

	// 7. risk_reward — a floor, so the soft value may only raise it
	// above the hard constant, never loosen it below.
	minRR := settings.MaxSoft(cfg.SoftMinRiskRewardRatio, hard.MinRiskRewardRatio)
	if signal.RiskReward().LessThan(minRR) {
		return reject(CheckRiskReward, types.RiskSeverityWarn)
	}
	passed = append(passed, CheckRiskReward)

	// 8. strategy_budget
	budgetKey := types.StrategyBudgetKey{UserID: signal.UserID, StrategyName: signal.StrategyName, Symbol: signal.Symbol}
	budget, err := v.db.GetStrategyBudget(ctx, budgetKey)
	if err != nil {
		return types.RiskDecision{}, err
	}
	threshold := settings.MinSoftInt(cfg.SoftStrategyDisableThreshold, hard.StrategyAutoDisableThreshold)
	if !budget.Enabled || budget.ConsecutiveLosses >= threshold {
		return reject(CheckStrategyBudget, types.RiskSeverityCritical)
	}
	passed = append(passed, CheckStrategyBudget)

	// 9. daily_loss_limit
	maxDailyLossPct := settings.MinSoft(cfg.SoftMaxDailyLossPct, hard.MaxDailyLossPct)
	projectedLoss := signal.RiskPct.Div(decimal.NewFromInt(100)).Mul(state.Balance)
	todaysRealizedLoss := decimal.Zero
	if state.DailyPnL.IsNegative() {
		todaysRealizedLoss = state.DailyPnL.Abs()
	}
	maxLossValue := maxDailyLossPct.Div(decimal.NewFromInt(100)).Mul(state.Balance)
	if projectedLoss.Add(todaysRealizedLoss).GreaterThanOrEqual(maxLossValue) {
		return reject(CheckDailyLossLimit, types.RiskSeverityCritical)
	}
	passed = append(passed, CheckDailyLossLimit)

	// All nine checks passed.
	d := types.RiskDecision{
		SignalID:      signal.ID,
		UserID:        signal.UserID,
		Kind:          types.RiskDecisionApproval,
		ReasonCode:    "approved",
		Severity:      types.RiskSeverityInfo,
		ChecksPassed:  passed,
		ChecksFailed:  nil,
		SnapshotState: state,
	}
	return v.appendDecision(ctx, d)
}

func countWithinWindow(timestamps []time.Time, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
