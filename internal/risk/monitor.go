package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tradectl/control-plane/internal/constants"
	"github.com/tradectl/control-plane/internal/settings"
	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/pkg/types"
)

func constantsHard() constants.HardLimits { return constants.Get() }

// maxHourWindow bounds how many trade timestamps are retained per
// user; the sliding-window check only ever looks back one hour, so
// anything older is pruned on write.
const maxHourWindow = 64

// Monitor is the Risk Monitor (C4): a pure state-derivation service.
// It does not gate trades itself — that is the Validator's job — it
// only maintains the AccountRiskState and StrategyBudget rows the
// Validator reads.
type Monitor struct {
	db       store.Store
	settings *settings.Store
	logger   *zap.Logger

	burstGuardMu sync.Mutex
	burstGuards  map[string]*rate.Limiter
}

// NewMonitor constructs a Risk Monitor.
func NewMonitor(db store.Store, settingsStore *settings.Store, logger *zap.Logger) *Monitor {
	return &Monitor{
		db:          db,
		settings:    settingsStore,
		logger:      logger.Named("risk.monitor"),
		burstGuards: make(map[string]*rate.Limiter),
	}
}

// burstGuard returns a per-user token-bucket limiter used as an
// advisory fast-path throttle ahead of the authoritative sliding-window
// hourly check — it never itself rejects a trade, only logs a warning
// when a user's submission rate spikes far beyond what the hourly
// ceiling could ever admit, as an early signal of a runaway strategy.
func (m *Monitor) burstGuard(userID string, perHour int) *rate.Limiter {
	m.burstGuardMu.Lock()
	defer m.burstGuardMu.Unlock()
	l, ok := m.burstGuards[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(perHour)/rate.Limit(3600), perHour)
		m.burstGuards[userID] = l
	}
	return l
}

// UpdateAccountState recomputes equity, peak_equity, drawdown_pct,
// daily_pnl and counts from a single realized fill, and records the
// trade's timestamp for the hourly sliding window. Idempotent on the
// emergency flag: it only ever sets it, never un-sets it (only
// ResetEmergency may clear it).
func (m *Monitor) UpdateAccountState(ctx context.Context, userID string, realizedPnL decimal.Decimal, openPositionsCount int) (types.AccountRiskState, error) {
	hard := constantsHard()
	now := time.Now().UTC()

	cfg, err := m.settings.Get(ctx)
	if err != nil {
		return types.AccountRiskState{}, err
	}
	if cfg.SoftMaxTradesPerHour > 0 {
		if !m.burstGuard(userID, cfg.SoftMaxTradesPerHour).Allow() {
			m.logger.Warn("trade submission rate spike", zap.String("userId", userID))
		}
	}

	return m.db.MutateAccountRiskState(ctx, userID, func(s types.AccountRiskState) (types.AccountRiskState, error) {
		if time.Since(s.DailyPnLResetAt) >= 24*time.Hour {
			s.DailyPnL = decimal.Zero
			s.TradesToday = 0
			s.DailyPnLResetAt = now
		}

		s.Equity = s.Equity.Add(realizedPnL)
		s.Balance = s.Equity
		if s.Equity.GreaterThan(s.PeakEquity) {
			s.PeakEquity = s.Equity
		}
		s.DailyPnL = s.DailyPnL.Add(realizedPnL)
		s.TradesToday++
		s.OpenPositionsCount = openPositionsCount

		s.TradeTimestampsHour = append(s.TradeTimestampsHour, now)
		s.TradeTimestampsHour = pruneWindow(s.TradeTimestampsHour, now, time.Hour, maxHourWindow)
		s.TradesThisHour = countWithinWindow(s.TradeTimestampsHour, now, time.Hour)

		if s.CurrentDrawdownPct().GreaterThanOrEqual(hard.EmergencyDrawdownPct) {
			s.EmergencyShutdown = true
		}

		return s, nil
	})
}

// UpdateStrategyBudget increments the per-(user,strategy,symbol)
// performance counters from one closed trade, auto-disabling the
// budget when consecutive_losses crosses the configured threshold.
func (m *Monitor) UpdateStrategyBudget(ctx context.Context, trade types.ClosedTrade) (types.StrategyBudget, error) {
	hard := constantsHard()
	cfg, err := m.settings.Get(ctx)
	if err != nil {
		return types.StrategyBudget{}, err
	}
	threshold := settings.MinSoftInt(cfg.SoftStrategyDisableThreshold, hard.StrategyAutoDisableThreshold)

	key := types.StrategyBudgetKey{UserID: trade.UserID, StrategyName: trade.StrategyName, Symbol: trade.Symbol}

	budget, err := m.db.MutateStrategyBudget(ctx, key, func(b types.StrategyBudget) (types.StrategyBudget, error) {
		b.TotalTrades++
		b.LastTradeAt = trade.ClosedAt
		if trade.PnL.IsNegative() {
			b.ConsecutiveLosses++
			b.GrossLoss = b.GrossLoss.Add(trade.PnL.Abs())
		} else {
			b.ConsecutiveLosses = 0
			b.WinningTrades++
			b.GrossProfit = b.GrossProfit.Add(trade.PnL)
		}
		if b.ConsecutiveLosses >= threshold && cfg.AutoDisableStrategies {
			b.Enabled = false
			b.DisabledReason = "consecutive_losses"
		}
		return b, nil
	})
	if err != nil {
		return types.StrategyBudget{}, err
	}

	if !budget.Enabled && budget.DisabledReason == "consecutive_losses" {
		_, _ = m.db.AppendRiskDecision(ctx, types.RiskDecision{
			UserID:     trade.UserID,
			Kind:       types.RiskDecisionBudgetDisable,
			ReasonCode: "consecutive_losses",
			Severity:   types.RiskSeverityCritical,
		})
	}

	return budget, nil
}

// ResetEmergency manually clears a user's latched emergency_shutdown
// flag, writing a RiskDecision audit row.
func (m *Monitor) ResetEmergency(ctx context.Context, userID, actor string) (types.AccountRiskState, error) {
	state, err := m.db.MutateAccountRiskState(ctx, userID, func(s types.AccountRiskState) (types.AccountRiskState, error) {
		s.EmergencyShutdown = false
		return s, nil
	})
	if err != nil {
		return types.AccountRiskState{}, err
	}
	_, err = m.db.AppendRiskDecision(ctx, types.RiskDecision{
		UserID:        userID,
		Kind:          types.RiskDecisionApproval,
		ReasonCode:    "emergency_reset",
		Severity:      types.RiskSeverityInfo,
		SnapshotState: state,
	})
	return state, err
}

// ResetDaily clears the daily counters. Invoked by a scheduled tick
// collaborator at a configured market-day boundary — it is not
// self-triggering.
func (m *Monitor) ResetDaily(ctx context.Context, userID, actor string) (types.AccountRiskState, error) {
	now := time.Now().UTC()
	state, err := m.db.MutateAccountRiskState(ctx, userID, func(s types.AccountRiskState) (types.AccountRiskState, error) {
		s.DailyPnL = decimal.Zero
		s.TradesToday = 0
		s.DailyPnLResetAt = now
		return s, nil
	})
	if err != nil {
		return types.AccountRiskState{}, err
	}
	_, err = m.db.AppendRiskDecision(ctx, types.RiskDecision{
		UserID:        userID,
		Kind:          types.RiskDecisionApproval,
		ReasonCode:    "daily_reset",
		Severity:      types.RiskSeverityInfo,
		SnapshotState: state,
	})
	return state, err
}

// EnableStrategy manually re-enables a disabled strategy budget.
func (m *Monitor) EnableStrategy(ctx context.Context, userID, strategyName, symbol, actor string) (types.StrategyBudget, error) {
	key := types.StrategyBudgetKey{UserID: userID, StrategyName: strategyName, Symbol: symbol}
	budget, err := m.db.MutateStrategyBudget(ctx, key, func(b types.StrategyBudget) (types.StrategyBudget, error) {
		b.Enabled = true
		b.ConsecutiveLosses = 0
		b.DisabledReason = ""
		return b, nil
	})
	if err != nil {
		return types.StrategyBudget{}, err
	}
	_, err = m.db.AppendRiskDecision(ctx, types.RiskDecision{
		UserID:     userID,
		Kind:       types.RiskDecisionApproval,
		ReasonCode: "strategy_enabled",
		Severity:   types.RiskSeverityInfo,
	})
	return budget, err
}

func pruneWindow(timestamps []time.Time, now time.Time, window time.Duration, maxLen int) []time.Time {
	cutoff := now.Add(-window)
	out := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	if len(out) > maxLen {
		out = out[len(out)-maxLen:]
	}
	return out
}
