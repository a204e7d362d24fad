// Package coordinator implements the Coordinator (C9): a deterministic
// single-cycle driver running phases in order
// [strategy_analysis -> risk_validation -> execution -> journal_update]
// for one (user, symbol) candle batch, plus the health-heartbeat and
// global halt machinery spec §4.9 requires before any new cycle starts.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/candlefeed"
	"github.com/tradectl/control-plane/internal/engine"
	"github.com/tradectl/control-plane/internal/events"
	"github.com/tradectl/control-plane/internal/risk"
	"github.com/tradectl/control-plane/internal/settings"
	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/internal/strategy"
	"github.com/tradectl/control-plane/pkg/types"
)

// heartbeatWindow bounds the staleness check (§4.9: "no heartbeat
// within 60s"). The error rate is computed from a heartbeat's running
// Errors/Total counts, not over this window.
const heartbeatWindow = 60 * time.Second

// Heartbeat is the liveness record for one participating advisor
// (a strategy, the broker adapter, the journal — anything the cycle
// depends on and that can report its own health).
type Heartbeat struct {
	OK       bool
	Errors   int
	Total    int
	LastSeen time.Time
}

// errorRate returns errors/total, or zero with no samples yet.
func (h Heartbeat) errorRate() float64 {
	if h.Total == 0 {
		return 0
	}
	return float64(h.Errors) / float64(h.Total)
}

// HaltedError is returned by RunCycle when the global halt flag is set.
type HaltedError struct{}

func (e *HaltedError) Error() string { return "coordinator halted" }

// UnhealthyError is returned when a participating advisor fails the
// pre-cycle health gate.
type UnhealthyError struct {
	Advisor string
	Reason  string
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("advisor %q unhealthy: %s", e.Advisor, e.Reason)
}

// CycleResult reports the outcome of one RunCycle, whichever phase it
// stopped at.
type CycleResult struct {
	Signal       *types.Signal
	RiskDecision *types.RiskDecision
	Order        *types.ExecutionOrder
	Position     *types.Position
}

// Coordinator is the Coordinator (C9).
type Coordinator struct {
	db        store.Store
	feed      candlefeed.CandleFeed
	validator *risk.Validator
	monitor   *risk.Monitor
	settings  *settings.Store
	engine    *engine.Engine
	bus       *events.Bus
	logger    *zap.Logger

	strategiesMu sync.RWMutex
	strategies   map[string]strategy.Strategy

	halt atomic.Bool

	heartbeatsMu sync.Mutex
	heartbeats   map[string]*Heartbeat
}

// New constructs a Coordinator.
func New(db store.Store, feed candlefeed.CandleFeed, validator *risk.Validator, monitor *risk.Monitor, settingsStore *settings.Store, eng *engine.Engine, bus *events.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		db: db, feed: feed, validator: validator, monitor: monitor, settings: settingsStore, engine: eng, bus: bus,
		logger:     logger.Named("coordinator"),
		strategies: make(map[string]strategy.Strategy),
		heartbeats: make(map[string]*Heartbeat),
	}
}

// RegisterStrategy adds a named strategy advisor the coordinator may
// run a cycle against.
func (c *Coordinator) RegisterStrategy(s strategy.Strategy) {
	c.strategiesMu.Lock()
	defer c.strategiesMu.Unlock()
	c.strategies[s.Name()] = s
}

// RecordHeartbeat updates an advisor's liveness record. RunCycle
// records heartbeats for the strategy, "broker" and "journal" advisors
// as it uses them — the coordinator does not poll advisors itself.
func (c *Coordinator) RecordHeartbeat(advisor string, ok bool) {
	c.heartbeatsMu.Lock()
	defer c.heartbeatsMu.Unlock()
	hb, exists := c.heartbeats[advisor]
	if !exists {
		hb = &Heartbeat{}
		c.heartbeats[advisor] = hb
	}
	hb.Total++
	hb.LastSeen = time.Now().UTC()
	hb.OK = ok
	if !ok {
		hb.Errors++
	}
	// Only the error-rate window matters, not unbounded history.
	if hb.Total > 1000 {
		hb.Total = hb.Total / 2
		hb.Errors = hb.Errors / 2
	}
}

// Halt engages the global halt flag: any running cycle's next phase
// boundary short-circuits, and no new cycle may start until Resume.
func (c *Coordinator) Halt(reason string) {
	c.halt.Store(true)
	c.engine.EngageKillSwitch()
	if c.bus != nil {
		c.bus.Publish(&events.HaltEvent{BaseEvent: events.NewBaseEvent(events.EventTypeHalt), Halted: true, Reason: reason})
	}
	c.logger.Warn("coordinator halted", zap.String("reason", reason))
}

// Resume clears the global halt flag.
func (c *Coordinator) Resume() {
	c.halt.Store(false)
	c.engine.DisengageKillSwitch()
	if c.bus != nil {
		c.bus.Publish(&events.HaltEvent{BaseEvent: events.NewBaseEvent(events.EventTypeHalt), Halted: false})
	}
	c.logger.Info("coordinator resumed")
}

// IsHalted reports the current halt state.
func (c *Coordinator) IsHalted() bool { return c.halt.Load() }

// checkAdvisorHealth enumerates the heartbeats recorded for the given
// advisor names and rejects the cycle if any has >50% error rate in
// the current window or no heartbeat within the staleness window.
// An advisor with no heartbeat at all yet is treated as healthy — it
// simply hasn't run, not failed.
func (c *Coordinator) checkAdvisorHealth(advisors ...string) error {
	c.heartbeatsMu.Lock()
	defer c.heartbeatsMu.Unlock()

	now := time.Now().UTC()
	for _, name := range advisors {
		hb, ok := c.heartbeats[name]
		if !ok {
			continue
		}
		if now.Sub(hb.LastSeen) > heartbeatWindow {
			return &UnhealthyError{Advisor: name, Reason: "no heartbeat within 60s"}
		}
		if hb.errorRate() > 0.5 {
			return &UnhealthyError{Advisor: name, Reason: "error rate exceeds 50%"}
		}
	}
	return nil
}

// RunCycle drives exactly one deterministic cycle for (userID, symbol)
// through strategy_analysis -> risk_validation -> execution ->
// journal_update, using the named strategy. The phase transition is
// authoritative: nothing outside this method advances it.
func (c *Coordinator) RunCycle(ctx context.Context, userID, symbol, strategyName string, size decimal.Decimal, opts engine.ExecuteOptions) (CycleResult, error) {
	if c.halt.Load() {
		return CycleResult{}, &HaltedError{}
	}

	c.strategiesMu.RLock()
	strat, ok := c.strategies[strategyName]
	c.strategiesMu.RUnlock()
	if !ok {
		return CycleResult{}, fmt.Errorf("no strategy registered: %q", strategyName)
	}

	if err := c.checkAdvisorHealth(strategyName, "broker", "journal"); err != nil {
		return CycleResult{}, err
	}

	// Phase 1: strategy_analysis.
	candles, err := c.feed.Latest(ctx, symbol, 200)
	if err != nil {
		c.RecordHeartbeat(strategyName, false)
		return CycleResult{}, err
	}
	sig, err := strat.Analyze(ctx, userID, symbol, candles)
	if err != nil {
		c.RecordHeartbeat(strategyName, false)
		return CycleResult{}, err
	}
	c.RecordHeartbeat(strategyName, true)
	if sig == nil {
		return CycleResult{}, nil // no signal this cycle — not an error
	}

	created, err := c.db.CreateSignal(ctx, *sig)
	if err != nil {
		return CycleResult{}, err
	}

	if c.halt.Load() {
		return CycleResult{Signal: &created}, &HaltedError{}
	}

	// Phase 2: risk_validation.
	decision, err := c.validator.Validate(ctx, created, size)
	if err != nil {
		return CycleResult{Signal: &created}, err
	}
	if decision.Kind != types.RiskDecisionApproval {
		if _, err := c.db.UpdateSignalStatus(ctx, created.ID, types.SignalStatusRejected); err != nil {
			c.logger.Warn("failed to mark rejected signal", zap.Error(err))
		}
		if decision.Kind == types.RiskDecisionShutdown {
			c.Halt("emergency_shutdown: " + decision.ReasonCode)
		}
		return CycleResult{Signal: &created, RiskDecision: &decision}, nil
	}
	if _, err := c.db.UpdateSignalStatus(ctx, created.ID, types.SignalStatusApproved); err != nil {
		return CycleResult{Signal: &created, RiskDecision: &decision}, err
	}
	created.Status = types.SignalStatusApproved

	if c.halt.Load() {
		return CycleResult{Signal: &created, RiskDecision: &decision}, &HaltedError{}
	}

	// Phase 3: execution.
	order, err := c.engine.Execute(ctx, created, size, "", opts)
	if err != nil {
		c.RecordHeartbeat("broker", false)
		return CycleResult{Signal: &created, RiskDecision: &decision}, err
	}
	c.RecordHeartbeat("broker", true)

	// Phase 4: journal_update — signal/position bookkeeping on fill.
	// The immutable JournalEntry itself is written on eventual close
	// (§4.6.2, §4.7), not here.
	result := CycleResult{Signal: &created, RiskDecision: &decision, Order: &order}
	if order.Status == types.OrderStatusFilled {
		if _, err := c.db.UpdateSignalStatus(ctx, created.ID, types.SignalStatusExecuted); err != nil {
			c.logger.Warn("failed to mark executed signal", zap.Error(err))
		}
		pos, err := c.db.CreatePosition(ctx, types.Position{
			SignalID: created.ID, UserID: userID, Symbol: symbol, Side: created.Side,
			Size: order.FilledQty, AvgEntry: order.AvgFillPrice, StopLoss: created.StopLoss,
			TakeProfit: created.TakeProfit, OpenedAt: time.Now().UTC(), Status: types.PositionStatusOpen,
		})
		if err != nil {
			c.RecordHeartbeat("journal", false)
			return result, err
		}
		c.RecordHeartbeat("journal", true)
		result.Position = &pos
	}

	return result, nil
}
