// Package store defines the persistence port (C10): a transactional
// store for every entity in the control plane, plus the in-memory
// reference implementation used by tests and the simulation/paper
// execution modes. A relational implementation would satisfy the same
// Store interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tradectl/control-plane/pkg/types"
)

// Sentinel errors surfaced by every implementation. Callers type-assert
// or errors.Is against these rather than matching strings.
var (
	ErrNotFound        = errors.New("store: not found")
	ErrVersionConflict = errors.New("store: version conflict")
	ErrDuplicate       = errors.New("store: duplicate key")
	ErrImmutable       = errors.New("store: immutable record")
)

// OrderFilter narrows ExecutionOrder listings.
type OrderFilter struct {
	UserID     string
	Status     types.OrderStatus
	HasStatus  bool
	NonTerminalOnly bool
	Limit      int
}

// Store is the persistence port every component above it depends on
// through this interface only — nothing reaches past it to a concrete
// driver.
type Store interface {
	// Settings (C2) — singleton + append-only audit.
	GetSettings(ctx context.Context) (types.Settings, error)
	// CompareAndSwapSettings atomically replaces the settings row when
	// its current version equals expectedVersion, appending audit in
	// the same critical section. Returns ErrVersionConflict otherwise.
	CompareAndSwapSettings(ctx context.Context, expectedVersion int, next types.Settings, audit types.SettingsAudit) (types.Settings, error)
	GetSettingsAudit(ctx context.Context, limit int) ([]types.SettingsAudit, error)

	// Signals
	CreateSignal(ctx context.Context, s types.Signal) (types.Signal, error)
	GetSignal(ctx context.Context, id string) (types.Signal, error)
	UpdateSignalStatus(ctx context.Context, id string, status types.SignalStatus) (types.Signal, error)

	// Positions
	CreatePosition(ctx context.Context, p types.Position) (types.Position, error)
	GetPosition(ctx context.Context, id string) (types.Position, error)
	ClosePosition(ctx context.Context, id string, closedAt time.Time) (types.Position, error)
	CountOpenPositions(ctx context.Context, userID string) (int, error)

	// AccountRiskState (C4)
	GetAccountRiskState(ctx context.Context, userID string) (types.AccountRiskState, error)
	// MutateAccountRiskState runs fn against a consistent snapshot of the
	// user's risk state under the user's lock and persists the result.
	// This is the serialization boundary spec §4.3/§5 require between
	// reading and mutating a single user's risk state.
	MutateAccountRiskState(ctx context.Context, userID string, fn func(types.AccountRiskState) (types.AccountRiskState, error)) (types.AccountRiskState, error)

	// StrategyBudget (C4)
	GetStrategyBudget(ctx context.Context, key types.StrategyBudgetKey) (types.StrategyBudget, error)
	MutateStrategyBudget(ctx context.Context, key types.StrategyBudgetKey, fn func(types.StrategyBudget) (types.StrategyBudget, error)) (types.StrategyBudget, error)

	// RiskDecision — append-only.
	AppendRiskDecision(ctx context.Context, d types.RiskDecision) (types.RiskDecision, error)
	ListRiskDecisions(ctx context.Context, userID string, limit int) ([]types.RiskDecision, error)

	// ExecutionOrder
	// CreateOrderIdempotent inserts the order if ClientOrderID is new;
	// if a row with the same ClientOrderID already exists it is returned
	// unchanged with created=false — the idempotency guarantee of §4.6.
	CreateOrderIdempotent(ctx context.Context, o types.ExecutionOrder) (order types.ExecutionOrder, created bool, err error)
	GetOrder(ctx context.Context, id string) (types.ExecutionOrder, error)
	// MutateOrder runs fn under the order's lock, persists the result,
	// and appends the supplied log row in the same critical section.
	MutateOrder(ctx context.Context, id string, fn func(types.ExecutionOrder) (types.ExecutionOrder, *types.ExecutionLog, error)) (types.ExecutionOrder, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]types.ExecutionOrder, error)
	ListExecutionLog(ctx context.Context, orderID string) ([]types.ExecutionLog, error)

	// JournalEntry — append-only, no update/delete exposed.
	AppendJournalEntry(ctx context.Context, j types.JournalEntry) (types.JournalEntry, error)
	ListJournalEntries(ctx context.Context, strategyName, symbol string, since time.Time) ([]types.JournalEntry, error)
	ListJournalEntriesByUser(ctx context.Context, userID string, limit int) ([]types.JournalEntry, error)

	// FeedbackDecision — append-only.
	AppendFeedbackDecision(ctx context.Context, d types.FeedbackDecision) (types.FeedbackDecision, error)

	// SimulationAccount (C5 reference adapter)
	GetSimulationAccount(ctx context.Context, userID string) (types.SimulationAccount, error)
	MutateSimulationAccount(ctx context.Context, userID string, fn func(types.SimulationAccount) (types.SimulationAccount, error)) (types.SimulationAccount, error)
}
