// Package constants holds the process's compile-time hard risk ceilings.
// Nothing in this package is user-configurable; soft limits that may be
// tuned at runtime live in internal/settings and are always validated
// against these values.
package constants

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// HardLimits is the frozen table of risk ceilings loaded at process
// start. No subsystem may read a mutable copy of it.
type HardLimits struct {
	MaxRiskPerTradePct           decimal.Decimal
	MaxDailyLossPct              decimal.Decimal
	EmergencyDrawdownPct         decimal.Decimal
	MaxOpenPositions             int
	MaxTradesPerDay              int
	MaxTradesPerHour             int
	MinRiskRewardRatio           decimal.Decimal
	MaxPositionSizeLots          decimal.Decimal
	MaxPositionSizePct           decimal.Decimal
	StrategyAutoDisableThreshold int
}

var defaults = HardLimits{
	MaxRiskPerTradePct:           decimal.NewFromFloat(2.0),
	MaxDailyLossPct:              decimal.NewFromFloat(5.0),
	EmergencyDrawdownPct:         decimal.NewFromFloat(15.0),
	MaxOpenPositions:             10,
	MaxTradesPerDay:              20,
	MaxTradesPerHour:             5,
	MinRiskRewardRatio:           decimal.NewFromFloat(1.5),
	MaxPositionSizeLots:          decimal.NewFromFloat(1.0),
	MaxPositionSizePct:           decimal.NewFromFloat(10.0),
	StrategyAutoDisableThreshold: 5,
}

// Get returns the frozen hard-limit table. Callers receive a copy;
// HardLimits has no pointer fields, so mutation by a caller cannot
// affect the process-wide table.
func Get() HardLimits {
	return defaults
}

// band asserts low < v <= high and returns a descriptive error if not.
func band(name string, v, low, high decimal.Decimal) error {
	if v.LessThanOrEqual(low) || v.GreaterThan(high) {
		return fmt.Errorf("%s=%s out of sanity band (%s, %s]", name, v.String(), low.String(), high.String())
	}
	return nil
}

func intBand(name string, v, low, high int) error {
	if v <= low || v > high {
		return fmt.Errorf("%s=%d out of sanity band (%d, %d]", name, v, low, high)
	}
	return nil
}

// Validate asserts every constant lies in its declared sanity band. A
// failure here means the binary was built or configured wrong and the
// process must not start.
func Validate() error {
	l := defaults

	checks := []error{
		band("MaxRiskPerTradePct", l.MaxRiskPerTradePct, decimal.Zero, decimal.NewFromFloat(5.0)),
		band("MaxDailyLossPct", l.MaxDailyLossPct, decimal.Zero, decimal.NewFromFloat(20.0)),
		band("EmergencyDrawdownPct", l.EmergencyDrawdownPct, decimal.Zero, decimal.NewFromFloat(50.0)),
		intBand("MaxOpenPositions", l.MaxOpenPositions, 0, 1000),
		intBand("MaxTradesPerDay", l.MaxTradesPerDay, 0, 1000),
		intBand("MaxTradesPerHour", l.MaxTradesPerHour, 0, 100),
		band("MinRiskRewardRatio", l.MinRiskRewardRatio, decimal.Zero, decimal.NewFromFloat(10.0)),
		band("MaxPositionSizeLots", l.MaxPositionSizeLots, decimal.Zero, decimal.NewFromFloat(100.0)),
		band("MaxPositionSizePct", l.MaxPositionSizePct, decimal.Zero, decimal.NewFromFloat(100.0)),
		intBand("StrategyAutoDisableThreshold", l.StrategyAutoDisableThreshold, 0, 100),
	}

	for _, err := range checks {
		if err != nil {
			return fmt.Errorf("hard constant assertion failed: %w", err)
		}
	}

	// MaxDailyLossPct must dominate MaxRiskPerTradePct — a single trade
	// cannot be permitted to risk more than the whole day's budget.
	if l.MaxDailyLossPct.LessThan(l.MaxRiskPerTradePct) {
		return fmt.Errorf("hard constant assertion failed: MaxDailyLossPct (%s) < MaxRiskPerTradePct (%s)",
			l.MaxDailyLossPct.String(), l.MaxRiskPerTradePct.String())
	}
	if l.EmergencyDrawdownPct.LessThan(l.MaxDailyLossPct) {
		return fmt.Errorf("hard constant assertion failed: EmergencyDrawdownPct (%s) < MaxDailyLossPct (%s)",
			l.EmergencyDrawdownPct.String(), l.MaxDailyLossPct.String())
	}

	return nil
}
