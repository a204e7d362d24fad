package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Settings is the versioned singleton record governing trading policy.
// Every mutation bumps Version and is paired with exactly one
// SettingsAudit row in the same transaction.
type Settings struct {
	Version                       int             `json:"version"`
	Mode                          Mode            `json:"mode"`
	ExecMode                      ExecMode        `json:"execMode"`
	BrokerType                    string          `json:"brokerType"`
	SoftMaxRiskPerTradePct        decimal.Decimal `json:"softMaxRiskPerTradePct"`
	SoftMaxDailyLossPct           decimal.Decimal `json:"softMaxDailyLossPct"`
	SoftMaxOpenPositions          int             `json:"softMaxOpenPositions"`
	SoftMaxTradesPerDay           int             `json:"softMaxTradesPerDay"`
	SoftMaxTradesPerHour          int             `json:"softMaxTradesPerHour"`
	SoftMinRiskRewardRatio        decimal.Decimal `json:"softMinRiskRewardRatio"`
	SoftMaxPositionSizeLots       decimal.Decimal `json:"softMaxPositionSizeLots"`
	SoftMaxPositionSizePct        decimal.Decimal `json:"softMaxPositionSizePct"`
	SoftStrategyDisableThreshold  int             `json:"softStrategyDisableThreshold"`
	AutoDisableStrategies         bool            `json:"autoDisableStrategies"`
	CancelOrdersOnModeSwitch      bool            `json:"cancelOrdersOnModeSwitch"`
	RequireConfirmationAutonomous bool            `json:"requireConfirmationForAutonomous"`
	UpdatedAt                     time.Time       `json:"updatedAt"`
	UpdatedBy                     string          `json:"updatedBy"`
}

// SettingsAudit is the append-only record of a single settings mutation.
type SettingsAudit struct {
	Version    int       `json:"version"`
	ChangedBy  string    `json:"changedBy"`
	ChangedAt  time.Time `json:"changedAt"`
	ChangeType string    `json:"changeType"`
	OldSubset  string    `json:"oldSubset"`
	NewSubset  string    `json:"newSubset"`
	Reason     string    `json:"reason"`
}

// SettingsPatch carries the caller-supplied fields of an Update call.
// Nil pointers mean "leave unchanged" so field-wise overlay can tell
// absence from an explicit zero value.
type SettingsPatch struct {
	Mode                           *Mode            `json:"mode,omitempty"`
	ExecMode                       *ExecMode        `json:"execMode,omitempty"`
	BrokerType                     *string          `json:"brokerType,omitempty"`
	SoftMaxRiskPerTradePct         *decimal.Decimal `json:"softMaxRiskPerTradePct,omitempty"`
	SoftMaxDailyLossPct            *decimal.Decimal `json:"softMaxDailyLossPct,omitempty"`
	SoftMaxOpenPositions           *int             `json:"softMaxOpenPositions,omitempty"`
	SoftMaxTradesPerDay            *int             `json:"softMaxTradesPerDay,omitempty"`
	SoftMaxTradesPerHour           *int             `json:"softMaxTradesPerHour,omitempty"`
	SoftMinRiskRewardRatio         *decimal.Decimal `json:"softMinRiskRewardRatio,omitempty"`
	SoftMaxPositionSizeLots        *decimal.Decimal `json:"softMaxPositionSizeLots,omitempty"`
	SoftMaxPositionSizePct         *decimal.Decimal `json:"softMaxPositionSizePct,omitempty"`
	SoftStrategyDisableThreshold   *int             `json:"softStrategyDisableThreshold,omitempty"`
	AutoDisableStrategies          *bool            `json:"autoDisableStrategies,omitempty"`
	CancelOrdersOnModeSwitch       *bool            `json:"cancelOrdersOnModeSwitch,omitempty"`
	RequireConfirmationAutonomous  *bool            `json:"requireConfirmationForAutonomous,omitempty"`
}

// ExecModeChangeRequest carries the extra gates required for a
// transition into "live" (spec §4.10).
type ExecModeChangeRequest struct {
	Mode        ExecMode
	Password    string
	Confirmed   bool
	Reason      string
	RequestedBy string
}
