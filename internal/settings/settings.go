// Package settings implements the versioned Settings Store (C2): a
// singleton record of soft limits and mode, mutated only through a
// compare-and-swap transaction that also appends exactly one audit row.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/constants"
	"github.com/tradectl/control-plane/internal/events"
	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/pkg/types"
	"github.com/tradectl/control-plane/pkg/utils"
)

// ValidationError reports a settings value or combination that fails
// the hard-constant bands or cross-field consistency rules.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("settings validation failed: %s: %s", e.Field, e.Detail)
}

// Store is the Settings Store (C2) operating on top of the
// persistence port.
type Store struct {
	db     store.Store
	bus    *events.Bus
	logger *zap.Logger
}

// New constructs a Settings Store. bus may be nil, in which case mode
// transitions are recorded but never published to subscribers.
func New(db store.Store, logger *zap.Logger, bus *events.Bus) *Store {
	return &Store{db: db, bus: bus, logger: logger.Named("settings")}
}

// Get always returns a record — the underlying store lazily creates
// defaults on first read.
func (s *Store) Get(ctx context.Context) (types.Settings, error) {
	return s.db.GetSettings(ctx)
}

// overlay applies the non-nil fields of patch onto base, returning the
// next candidate settings and a JSON snapshot of only the changed
// fields (for the audit row).
func overlay(base types.Settings, patch types.SettingsPatch) (types.Settings, map[string]interface{}) {
	next := base
	changed := make(map[string]interface{})

	if patch.Mode != nil {
		next.Mode = *patch.Mode
		changed["mode"] = *patch.Mode
	}
	if patch.ExecMode != nil {
		next.ExecMode = *patch.ExecMode
		changed["execMode"] = *patch.ExecMode
	}
	if patch.BrokerType != nil {
		next.BrokerType = *patch.BrokerType
		changed["brokerType"] = *patch.BrokerType
	}
	if patch.SoftMaxRiskPerTradePct != nil {
		next.SoftMaxRiskPerTradePct = *patch.SoftMaxRiskPerTradePct
		changed["softMaxRiskPerTradePct"] = patch.SoftMaxRiskPerTradePct.String()
	}
	if patch.SoftMaxDailyLossPct != nil {
		next.SoftMaxDailyLossPct = *patch.SoftMaxDailyLossPct
		changed["softMaxDailyLossPct"] = patch.SoftMaxDailyLossPct.String()
	}
	if patch.SoftMaxOpenPositions != nil {
		next.SoftMaxOpenPositions = *patch.SoftMaxOpenPositions
		changed["softMaxOpenPositions"] = *patch.SoftMaxOpenPositions
	}
	if patch.SoftMaxTradesPerDay != nil {
		next.SoftMaxTradesPerDay = *patch.SoftMaxTradesPerDay
		changed["softMaxTradesPerDay"] = *patch.SoftMaxTradesPerDay
	}
	if patch.SoftMaxTradesPerHour != nil {
		next.SoftMaxTradesPerHour = *patch.SoftMaxTradesPerHour
		changed["softMaxTradesPerHour"] = *patch.SoftMaxTradesPerHour
	}
	if patch.SoftMinRiskRewardRatio != nil {
		next.SoftMinRiskRewardRatio = *patch.SoftMinRiskRewardRatio
		changed["softMinRiskRewardRatio"] = patch.SoftMinRiskRewardRatio.String()
	}
	if patch.SoftMaxPositionSizeLots != nil {
		next.SoftMaxPositionSizeLots = *patch.SoftMaxPositionSizeLots
		changed["softMaxPositionSizeLots"] = patch.SoftMaxPositionSizeLots.String()
	}
	if patch.SoftMaxPositionSizePct != nil {
		next.SoftMaxPositionSizePct = *patch.SoftMaxPositionSizePct
		changed["softMaxPositionSizePct"] = patch.SoftMaxPositionSizePct.String()
	}
	if patch.SoftStrategyDisableThreshold != nil {
		next.SoftStrategyDisableThreshold = *patch.SoftStrategyDisableThreshold
		changed["softStrategyDisableThreshold"] = *patch.SoftStrategyDisableThreshold
	}
	if patch.AutoDisableStrategies != nil {
		next.AutoDisableStrategies = *patch.AutoDisableStrategies
		changed["autoDisableStrategies"] = *patch.AutoDisableStrategies
	}
	if patch.CancelOrdersOnModeSwitch != nil {
		next.CancelOrdersOnModeSwitch = *patch.CancelOrdersOnModeSwitch
		changed["cancelOrdersOnModeSwitch"] = *patch.CancelOrdersOnModeSwitch
	}
	if patch.RequireConfirmationAutonomous != nil {
		next.RequireConfirmationAutonomous = *patch.RequireConfirmationAutonomous
		changed["requireConfirmationForAutonomous"] = *patch.RequireConfirmationAutonomous
	}

	return next, changed
}

// Validate checks a candidate Settings against the hard-constant
// ceilings and cross-field consistency rules.
func Validate(s types.Settings) error {
	hard := constants.Get()

	if s.SoftMaxRiskPerTradePct.GreaterThan(hard.MaxRiskPerTradePct) {
		return &ValidationError{"softMaxRiskPerTradePct", "exceeds hard MaxRiskPerTradePct"}
	}
	if s.SoftMaxDailyLossPct.GreaterThan(hard.MaxDailyLossPct) {
		return &ValidationError{"softMaxDailyLossPct", "exceeds hard MaxDailyLossPct"}
	}
	if s.SoftMaxOpenPositions > hard.MaxOpenPositions {
		return &ValidationError{"softMaxOpenPositions", "exceeds hard MaxOpenPositions"}
	}
	if s.SoftMaxTradesPerDay > hard.MaxTradesPerDay {
		return &ValidationError{"softMaxTradesPerDay", "exceeds hard MaxTradesPerDay"}
	}
	if s.SoftMaxTradesPerHour > hard.MaxTradesPerHour {
		return &ValidationError{"softMaxTradesPerHour", "exceeds hard MaxTradesPerHour"}
	}
	if s.SoftMinRiskRewardRatio.LessThan(hard.MinRiskRewardRatio) {
		return &ValidationError{"softMinRiskRewardRatio", "below hard MinRiskRewardRatio"}
	}
	if s.SoftMaxPositionSizeLots.GreaterThan(hard.MaxPositionSizeLots) {
		return &ValidationError{"softMaxPositionSizeLots", "exceeds hard MaxPositionSizeLots"}
	}
	if s.SoftMaxPositionSizePct.GreaterThan(hard.MaxPositionSizePct) {
		return &ValidationError{"softMaxPositionSizePct", "exceeds hard MaxPositionSizePct"}
	}
	if s.SoftStrategyDisableThreshold > hard.StrategyAutoDisableThreshold {
		return &ValidationError{"softStrategyDisableThreshold", "exceeds hard StrategyAutoDisableThreshold"}
	}

	// Logical consistency: the daily loss ceiling must dominate the
	// per-trade risk ceiling, or a single trade could exhaust the
	// day's entire budget without tripping the daily-loss check.
	if s.SoftMaxDailyLossPct.LessThan(s.SoftMaxRiskPerTradePct) {
		return &ValidationError{"softMaxDailyLossPct", "must be >= softMaxRiskPerTradePct"}
	}

	switch s.Mode {
	case types.ModeGuide, types.ModeAutonomous:
	default:
		return &ValidationError{"mode", "unknown mode"}
	}
	switch s.ExecMode {
	case types.ExecModeSimulation, types.ExecModePaper, types.ExecModeLive:
	default:
		return &ValidationError{"execMode", "unknown execMode"}
	}

	return nil
}

// Update applies patch to the current settings inside a single
// compare-and-swap transaction: validate, bump version, write exactly
// one audit row, or roll back atomically on any failure.
func (s *Store) Update(ctx context.Context, patch types.SettingsPatch, userID, reason string) (types.Settings, error) {
	return s.updateAs(ctx, patch, userID, reason, "update")
}

// updateAs is Update with an explicit audit change_type, letting
// mode/exec-mode transitions (§4.10) record "mode_change" instead of
// the generic "update" a limits patch gets.
func (s *Store) updateAs(ctx context.Context, patch types.SettingsPatch, userID, reason, changeType string) (types.Settings, error) {
	const maxCASRetries = 5

	var last error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := s.db.GetSettings(ctx)
		if err != nil {
			return types.Settings{}, err
		}

		next, changed := overlay(current, patch)
		if len(changed) == 0 {
			// Round-trip law: an identity patch is a no-op — no audit
			// row, no version bump.
			return current, nil
		}

		if err := Validate(next); err != nil {
			return types.Settings{}, err
		}

		next.Version = current.Version + 1
		next.UpdatedAt = time.Now().UTC()
		next.UpdatedBy = userID

		oldSubset, _ := json.Marshal(subsetOf(current, changed))
		newSubset, _ := json.Marshal(changed)

		audit := types.SettingsAudit{
			Version:    next.Version,
			ChangedBy:  userID,
			ChangedAt:  next.UpdatedAt,
			ChangeType: changeType,
			OldSubset:  string(oldSubset),
			NewSubset:  string(newSubset),
			Reason:     reason,
		}

		updated, err := s.db.CompareAndSwapSettings(ctx, current.Version, next, audit)
		if err == store.ErrVersionConflict {
			last = err
			continue
		}
		if err != nil {
			return types.Settings{}, err
		}
		return updated, nil
	}

	return types.Settings{}, fmt.Errorf("settings update: version conflict after retries: %w", last)
}

// subsetOf returns a map of the base's pre-change values for each
// changed key, for the audit row's OldSubset.
func subsetOf(base types.Settings, changed map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(changed))
	for k := range changed {
		switch k {
		case "mode":
			out[k] = base.Mode
		case "execMode":
			out[k] = base.ExecMode
		case "brokerType":
			out[k] = base.BrokerType
		case "softMaxRiskPerTradePct":
			out[k] = base.SoftMaxRiskPerTradePct.String()
		case "softMaxDailyLossPct":
			out[k] = base.SoftMaxDailyLossPct.String()
		case "softMaxOpenPositions":
			out[k] = base.SoftMaxOpenPositions
		case "softMaxTradesPerDay":
			out[k] = base.SoftMaxTradesPerDay
		case "softMaxTradesPerHour":
			out[k] = base.SoftMaxTradesPerHour
		case "softMinRiskRewardRatio":
			out[k] = base.SoftMinRiskRewardRatio.String()
		case "softMaxPositionSizeLots":
			out[k] = base.SoftMaxPositionSizeLots.String()
		case "softMaxPositionSizePct":
			out[k] = base.SoftMaxPositionSizePct.String()
		case "softStrategyDisableThreshold":
			out[k] = base.SoftStrategyDisableThreshold
		case "autoDisableStrategies":
			out[k] = base.AutoDisableStrategies
		case "cancelOrdersOnModeSwitch":
			out[k] = base.CancelOrdersOnModeSwitch
		case "requireConfirmationForAutonomous":
			out[k] = base.RequireConfirmationAutonomous
		}
	}
	return out
}

// GetAudit returns up to limit audit rows, most recent first.
func (s *Store) GetAudit(ctx context.Context, limit int) ([]types.SettingsAudit, error) {
	return s.db.GetSettingsAudit(ctx, limit)
}

// MinSoft returns min(soft, hard) for a decimal-valued ceiling limit
// pair, the policy spec settles on for the position-size checks: the
// soft value may only tighten a ceiling, never loosen it.
func MinSoft(soft, hard decimal.Decimal) decimal.Decimal {
	return utils.MinDecimal(soft, hard)
}

// MaxSoft returns max(soft, hard) for a decimal-valued floor limit
// pair (e.g. a minimum risk-reward ratio): the soft value may only
// raise a floor above the hard constant, never loosen it below.
func MaxSoft(soft, hard decimal.Decimal) decimal.Decimal {
	return utils.MaxDecimal(soft, hard)
}

// MinSoftInt is the integer analog of MinSoft.
func MinSoftInt(soft, hard int) int {
	if soft < hard {
		return soft
	}
	return hard
}
