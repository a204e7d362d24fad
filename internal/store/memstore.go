package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/pkg/types"
)

// MemStore is the in-memory reference Store, grounded on the
// mutex-guarded map pattern used for the historical candle cache
// elsewhere in this codebase, generalized here into per-key striped
// locks so independent users and orders never contend.
type MemStore struct {
	logger *zap.Logger

	settingsMu sync.RWMutex
	settings   *types.Settings
	auditLog   []types.SettingsAudit

	userLocksMu sync.Mutex
	userLocks   map[string]*sync.Mutex

	orderLocksMu sync.Mutex
	orderLocks   map[string]*sync.Mutex

	mu              sync.RWMutex
	signals         map[string]types.Signal
	positions       map[string]types.Position
	riskStates      map[string]types.AccountRiskState
	budgets         map[types.StrategyBudgetKey]types.StrategyBudget
	riskDecisions   []types.RiskDecision
	orders          map[string]types.ExecutionOrder
	ordersByClient  map[string]string // client_order_id -> order id
	executionLog    map[string][]types.ExecutionLog
	journal         []types.JournalEntry
	feedback        []types.FeedbackDecision
	simAccounts     map[string]types.SimulationAccount
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore(logger *zap.Logger) *MemStore {
	return &MemStore{
		logger:         logger.Named("store"),
		userLocks:      make(map[string]*sync.Mutex),
		orderLocks:     make(map[string]*sync.Mutex),
		signals:        make(map[string]types.Signal),
		positions:      make(map[string]types.Position),
		riskStates:     make(map[string]types.AccountRiskState),
		budgets:        make(map[types.StrategyBudgetKey]types.StrategyBudget),
		orders:         make(map[string]types.ExecutionOrder),
		ordersByClient: make(map[string]string),
		executionLog:   make(map[string][]types.ExecutionLog),
		simAccounts:    make(map[string]types.SimulationAccount),
	}
}

func (s *MemStore) userLock(userID string) *sync.Mutex {
	s.userLocksMu.Lock()
	defer s.userLocksMu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

func (s *MemStore) orderLock(orderID string) *sync.Mutex {
	s.orderLocksMu.Lock()
	defer s.orderLocksMu.Unlock()
	l, ok := s.orderLocks[orderID]
	if !ok {
		l = &sync.Mutex{}
		s.orderLocks[orderID] = l
	}
	return l
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// --- Settings ---

func defaultSettings() types.Settings {
	now := time.Now().UTC()
	return types.Settings{
		Version:                        1,
		Mode:                           types.ModeGuide,
		ExecMode:                       types.ExecModeSimulation,
		BrokerType:                     "simulation",
		SoftMaxRiskPerTradePct:         decimal.NewFromFloat(2.0),
		SoftMaxDailyLossPct:            decimal.NewFromFloat(5.0),
		SoftMaxOpenPositions:           10,
		SoftMaxTradesPerDay:            20,
		SoftMaxTradesPerHour:           5,
		SoftMinRiskRewardRatio:         decimal.NewFromFloat(1.5),
		SoftMaxPositionSizeLots:        decimal.NewFromFloat(1.0),
		SoftMaxPositionSizePct:         decimal.NewFromFloat(10.0),
		SoftStrategyDisableThreshold:   5,
		AutoDisableStrategies:          true,
		CancelOrdersOnModeSwitch:       true,
		RequireConfirmationAutonomous: true,
		UpdatedAt:                      now,
		UpdatedBy:                      "system",
	}
}

func (s *MemStore) GetSettings(ctx context.Context) (types.Settings, error) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	if s.settings == nil {
		d := defaultSettings()
		s.settings = &d
	}
	return *s.settings, nil
}

func (s *MemStore) CompareAndSwapSettings(ctx context.Context, expectedVersion int, next types.Settings, audit types.SettingsAudit) (types.Settings, error) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	if s.settings == nil {
		d := defaultSettings()
		s.settings = &d
	}
	if s.settings.Version != expectedVersion {
		return *s.settings, ErrVersionConflict
	}

	s.settings = &next
	s.auditLog = append(s.auditLog, audit)
	return *s.settings, nil
}

func (s *MemStore) GetSettingsAudit(ctx context.Context, limit int) ([]types.SettingsAudit, error) {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()

	n := len(s.auditLog)
	out := make([]types.SettingsAudit, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, s.auditLog[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Signals ---

func (s *MemStore) CreateSignal(ctx context.Context, sig types.Signal) (types.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig.ID == "" {
		sig.ID = newID("sig")
	}
	if _, exists := s.signals[sig.ID]; exists {
		return types.Signal{}, ErrDuplicate
	}
	s.signals[sig.ID] = sig
	return sig, nil
}

func (s *MemStore) GetSignal(ctx context.Context, id string) (types.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signals[id]
	if !ok {
		return types.Signal{}, ErrNotFound
	}
	return sig, nil
}

func (s *MemStore) UpdateSignalStatus(ctx context.Context, id string, status types.SignalStatus) (types.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return types.Signal{}, ErrNotFound
	}
	sig.Status = status
	s.signals[id] = sig
	return sig, nil
}

// --- Positions ---

func (s *MemStore) CreatePosition(ctx context.Context, p types.Position) (types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = newID("pos")
	}
	p.Status = types.PositionStatusOpen
	s.positions[p.ID] = p
	return p, nil
}

func (s *MemStore) GetPosition(ctx context.Context, id string) (types.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return types.Position{}, ErrNotFound
	}
	return p, nil
}

func (s *MemStore) ClosePosition(ctx context.Context, id string, closedAt time.Time) (types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return types.Position{}, ErrNotFound
	}
	p.Status = types.PositionStatusClosed
	p.ClosedAt = &closedAt
	s.positions[id] = p
	return p, nil
}

func (s *MemStore) CountOpenPositions(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.positions {
		if p.UserID == userID && p.Status == types.PositionStatusOpen {
			n++
		}
	}
	return n, nil
}

// --- AccountRiskState ---

func defaultRiskState(userID string) types.AccountRiskState {
	now := time.Now().UTC()
	return types.AccountRiskState{
		UserID:          userID,
		Balance:         decimal.NewFromInt(10000),
		Equity:          decimal.NewFromInt(10000),
		PeakEquity:      decimal.NewFromInt(10000),
		DailyPnLResetAt: now,
		UpdatedAt:       now,
	}
}

func (s *MemStore) GetAccountRiskState(ctx context.Context, userID string) (types.AccountRiskState, error) {
	s.mu.RLock()
	st, ok := s.riskStates[userID]
	s.mu.RUnlock()
	if !ok {
		return defaultRiskState(userID), nil
	}
	return st, nil
}

func (s *MemStore) MutateAccountRiskState(ctx context.Context, userID string, fn func(types.AccountRiskState) (types.AccountRiskState, error)) (types.AccountRiskState, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, ok := s.riskStates[userID]
	s.mu.RUnlock()
	if !ok {
		current = defaultRiskState(userID)
	}

	next, err := fn(current)
	if err != nil {
		return types.AccountRiskState{}, err
	}
	next.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	s.riskStates[userID] = next
	s.mu.Unlock()

	return next, nil
}

// --- StrategyBudget ---

func defaultBudget(key types.StrategyBudgetKey) types.StrategyBudget {
	return types.StrategyBudget{Key: key, Enabled: true}
}

func (s *MemStore) GetStrategyBudget(ctx context.Context, key types.StrategyBudgetKey) (types.StrategyBudget, error) {
	s.mu.RLock()
	b, ok := s.budgets[key]
	s.mu.RUnlock()
	if !ok {
		return defaultBudget(key), nil
	}
	return b, nil
}

func (s *MemStore) MutateStrategyBudget(ctx context.Context, key types.StrategyBudgetKey, fn func(types.StrategyBudget) (types.StrategyBudget, error)) (types.StrategyBudget, error) {
	lock := s.userLock(key.UserID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, ok := s.budgets[key]
	s.mu.RUnlock()
	if !ok {
		current = defaultBudget(key)
	}

	next, err := fn(current)
	if err != nil {
		return types.StrategyBudget{}, err
	}

	s.mu.Lock()
	s.budgets[key] = next
	s.mu.Unlock()

	return next, nil
}

// --- RiskDecision ---

func (s *MemStore) AppendRiskDecision(ctx context.Context, d types.RiskDecision) (types.RiskDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = newID("risk")
	}
	d.CreatedAt = time.Now().UTC()
	s.riskDecisions = append(s.riskDecisions, d)
	return d, nil
}

func (s *MemStore) ListRiskDecisions(ctx context.Context, userID string, limit int) ([]types.RiskDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.RiskDecision, 0)
	for i := len(s.riskDecisions) - 1; i >= 0; i-- {
		d := s.riskDecisions[i]
		if userID != "" && d.UserID != userID {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- ExecutionOrder ---

func (s *MemStore) CreateOrderIdempotent(ctx context.Context, o types.ExecutionOrder) (types.ExecutionOrder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.ordersByClient[o.ClientOrderID]; ok {
		return s.orders[existingID], false, nil
	}

	if o.ID == "" {
		o.ID = newID("ord")
	}
	s.orders[o.ID] = o
	s.ordersByClient[o.ClientOrderID] = o.ID
	return o, true, nil
}

func (s *MemStore) GetOrder(ctx context.Context, id string) (types.ExecutionOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return types.ExecutionOrder{}, ErrNotFound
	}
	return o, nil
}

func (s *MemStore) MutateOrder(ctx context.Context, id string, fn func(types.ExecutionOrder) (types.ExecutionOrder, *types.ExecutionLog, error)) (types.ExecutionOrder, error) {
	lock := s.orderLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, ok := s.orders[id]
	s.mu.RUnlock()
	if !ok {
		return types.ExecutionOrder{}, ErrNotFound
	}

	next, logRow, err := fn(current)
	if err != nil {
		// A rejected mutation leaves the order unchanged but still
		// records the log row it supplied (e.g. invalid_transition).
		if logRow != nil {
			s.mu.Lock()
			if logRow.ID == "" {
				logRow.ID = newID("log")
			}
			logRow.EventTime = time.Now().UTC()
			s.executionLog[id] = append(s.executionLog[id], *logRow)
			s.mu.Unlock()
		}
		return types.ExecutionOrder{}, err
	}

	s.mu.Lock()
	s.orders[id] = next
	if logRow != nil {
		if logRow.ID == "" {
			logRow.ID = newID("log")
		}
		logRow.EventTime = time.Now().UTC()
		s.executionLog[id] = append(s.executionLog[id], *logRow)
	}
	s.mu.Unlock()

	return next, nil
}

func (s *MemStore) ListOrders(ctx context.Context, f OrderFilter) ([]types.ExecutionOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.ExecutionOrder, 0)
	for _, o := range s.orders {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.HasStatus && o.Status != f.Status {
			continue
		}
		if f.NonTerminalOnly && o.Status.IsTerminal() {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemStore) ListExecutionLog(ctx context.Context, orderID string) ([]types.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := s.executionLog[orderID]
	out := make([]types.ExecutionLog, len(logs))
	copy(out, logs)
	return out, nil
}

// --- JournalEntry ---

func (s *MemStore) AppendJournalEntry(ctx context.Context, j types.JournalEntry) (types.JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = newID("jrn")
	}
	if j.EntryUID == "" {
		j.EntryUID = newID("jrnuid")
	}
	s.journal = append(s.journal, j)
	return j, nil
}

func (s *MemStore) ListJournalEntries(ctx context.Context, strategyName, symbol string, since time.Time) ([]types.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.JournalEntry, 0)
	for _, j := range s.journal {
		if strategyName != "" && j.StrategyName != strategyName {
			continue
		}
		if symbol != "" && j.Symbol != symbol {
			continue
		}
		if !since.IsZero() && j.ClosedAt.Before(since) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *MemStore) ListJournalEntriesByUser(ctx context.Context, userID string, limit int) ([]types.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.JournalEntry, 0)
	for i := len(s.journal) - 1; i >= 0; i-- {
		j := s.journal[i]
		if userID != "" && j.UserID != userID {
			continue
		}
		out = append(out, j)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- FeedbackDecision ---

func (s *MemStore) AppendFeedbackDecision(ctx context.Context, d types.FeedbackDecision) (types.FeedbackDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = newID("fb")
	}
	d.DecidedAt = time.Now().UTC()
	s.feedback = append(s.feedback, d)
	return d, nil
}

// --- SimulationAccount ---

func defaultSimAccount(userID string) types.SimulationAccount {
	now := time.Now().UTC()
	return types.SimulationAccount{
		UserID:           userID,
		Balance:          decimal.NewFromInt(10000),
		Equity:           decimal.NewFromInt(10000),
		InitialBalance:   decimal.NewFromInt(10000),
		SlippagePips:     decimal.NewFromFloat(0.5),
		CommissionPerLot: decimal.NewFromFloat(7.0),
		LatencyMs:        50,
		FillProbability:  decimal.NewFromFloat(0.98),
		LastResetAt:      now,
	}
}

func (s *MemStore) GetSimulationAccount(ctx context.Context, userID string) (types.SimulationAccount, error) {
	s.mu.RLock()
	acc, ok := s.simAccounts[userID]
	s.mu.RUnlock()
	if !ok {
		return defaultSimAccount(userID), nil
	}
	return acc, nil
}

func (s *MemStore) MutateSimulationAccount(ctx context.Context, userID string, fn func(types.SimulationAccount) (types.SimulationAccount, error)) (types.SimulationAccount, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, ok := s.simAccounts[userID]
	s.mu.RUnlock()
	if !ok {
		current = defaultSimAccount(userID)
	}

	next, err := fn(current)
	if err != nil {
		return types.SimulationAccount{}, err
	}

	s.mu.Lock()
	s.simAccounts[userID] = next
	s.mu.Unlock()

	return next, nil
}

var _ Store = (*MemStore)(nil)
