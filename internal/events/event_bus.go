// Package events provides the in-process typed-event fan-out named in
// the design notes: mode changes, risk decisions, order transitions and
// feedback-loop optimization triggers are published here instead of over
// an external message bus (there is no durable bus in this system).
package events

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType categorizes a published event.
type EventType string

const (
	EventTypeOrder          EventType = "order"
	EventTypeRiskDecision    EventType = "risk_decision"
	EventTypeModeChange      EventType = "mode_change"
	EventTypeHalt            EventType = "halt"
	EventTypeOptimization    EventType = "optimization_trigger"
	EventTypeStrategyDisable EventType = "strategy_disable"
	EventTypeHeartbeat       EventType = "heartbeat"
)

// Event is the base interface all published events satisfy.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event bookkeeping.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

// NewBaseEvent creates a new base event with a generated ID.
func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        generateSubscriptionID(),
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// OrderEvent reports an execution order lifecycle transition.
type OrderEvent struct {
	BaseEvent
	OrderID   string `json:"orderId"`
	Symbol    string `json:"symbol"`
	OldStatus string `json:"oldStatus"`
	NewStatus string `json:"newStatus"`
}

// RiskDecisionEvent reports the outcome of a risk validation attempt.
type RiskDecisionEvent struct {
	BaseEvent
	SignalID   string `json:"signalId"`
	UserID     string `json:"userId"`
	Kind       string `json:"kind"`
	ReasonCode string `json:"reasonCode"`
	Severity   string `json:"severity"`
}

// ModeChangeEvent reports a settings mode/exec_mode transition.
type ModeChangeEvent struct {
	BaseEvent
	UserID     string `json:"userId"`
	OldMode    string `json:"oldMode,omitempty"`
	NewMode    string `json:"newMode,omitempty"`
	OldExec    string `json:"oldExec,omitempty"`
	NewExec    string `json:"newExec,omitempty"`
	ChangedBy  string `json:"changedBy"`
}

// HaltEvent reports the coordinator's global halt flag changing.
type HaltEvent struct {
	BaseEvent
	Halted bool   `json:"halted"`
	Reason string `json:"reason,omitempty"`
}

// OptimizationTriggerEvent is emitted by the feedback loop when a
// strategy's performance warrants re-optimization. No direct coupling:
// a re-optimization collaborator (out of scope) may subscribe.
type OptimizationTriggerEvent struct {
	BaseEvent
	StrategyName string `json:"strategyName"`
	Symbol       string `json:"symbol"`
	Reason       string `json:"reason"`
}

// StrategyDisableEvent is emitted when the risk monitor auto-disables a
// strategy budget.
type StrategyDisableEvent struct {
	BaseEvent
	UserID       string `json:"userId"`
	StrategyName string `json:"strategyName"`
	Symbol       string `json:"symbol"`
	Reason       string `json:"reason"`
}

// EventHandler processes a published event.
type EventHandler func(event Event) error

// EventFilter selectively admits events to a handler.
type EventFilter func(event Event) bool

// SubscriptionOptions configures subscription behavior.
type SubscriptionOptions struct {
	Filter     EventFilter
	Async      bool
	BufferSize int
}

// Subscription represents an active event subscription.
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive returns whether the subscription is still active.
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// BusStats tracks event bus throughput.
type BusStats struct {
	EventsPublished   int64 `json:"eventsPublished"`
	EventsProcessed   int64 `json:"eventsProcessed"`
	EventsDropped     int64 `json:"eventsDropped"`
	ProcessingErrors  int64 `json:"processingErrors"`
	AvgLatencyNs      int64 `json:"avgLatencyNs"`
	MaxLatencyNs      int64 `json:"maxLatencyNs"`
	ActiveSubscribers int64 `json:"activeSubscribers"`
}

// Bus is the central in-process event router.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	latencies  []int64
	latencyMu  sync.Mutex
	maxLatency atomic.Int64
	avgLatency atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// BusConfig configures the event bus.
type BusConfig struct {
	NumWorkers int `json:"numWorkers"`
	BufferSize int `json:"bufferSize"`
}

// DefaultBusConfig returns sensible defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{NumWorkers: 4, BufferSize: 4096}
}

// NewBus creates the event bus and starts its worker pool.
func NewBus(logger *zap.Logger, config BusConfig) *Bus {
	workerCount := config.NumWorkers
	bufferSize := config.BufferSize
	if workerCount <= 0 {
		workerCount = 4
	}
	if bufferSize <= 0 {
		bufferSize = 4096
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &Bus{
		subscribers:    make(map[EventType][]*Subscription),
		allSubscribers: make([]*Subscription, 0),
		eventChan:      make(chan Event, bufferSize),
		workerCount:    workerCount,
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger.Named("events"),
		latencies:      make([]int64, 0, 1024),
	}

	for i := 0; i < workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	eb.logger.Info("event bus started", zap.Int("workers", workerCount), zap.Int("bufferSize", bufferSize))
	return eb
}

func (eb *Bus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.eventChan:
			start := time.Now()
			eb.processEvent(event)
			eb.trackLatency(time.Since(start).Nanoseconds())
		}
	}
}

func (eb *Bus) processEvent(event Event) {
	eb.mu.RLock()
	subs := eb.subscribers[event.GetType()]
	allSubs := eb.allSubscribers
	eb.mu.RUnlock()

	for _, sub := range subs {
		eb.dispatch(sub, event)
	}
	for _, sub := range allSubs {
		eb.dispatch(sub, event)
	}
	eb.eventsProcessed.Add(1)
}

func (eb *Bus) dispatch(sub *Subscription, event Event) {
	if !sub.active.Load() {
		return
	}
	if sub.Options.Filter != nil && !sub.Options.Filter(event) {
		return
	}
	if sub.Options.Async {
		go eb.executeHandler(sub, event)
	} else {
		eb.executeHandler(sub, event)
	}
}

func (eb *Bus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("event handler panic",
				zap.String("subscriptionId", sub.ID),
				zap.String("eventType", string(event.GetType())),
				zap.Any("panic", r))
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("event handler error",
			zap.String("subscriptionId", sub.ID),
			zap.String("eventType", string(event.GetType())),
			zap.Error(err))
	}
}

func (eb *Bus) trackLatency(latencyNs int64) {
	eb.latencyMu.Lock()
	defer eb.latencyMu.Unlock()

	eb.latencies = append(eb.latencies, latencyNs)
	if len(eb.latencies) > 4096 {
		eb.latencies = eb.latencies[2048:]
	}

	if latencyNs > eb.maxLatency.Load() {
		eb.maxLatency.Store(latencyNs)
	}
	eb.avgLatency.Store((eb.avgLatency.Load()*99 + latencyNs) / 100)
}

var subscriptionCounter atomic.Int64

func generateSubscriptionID() string {
	id := subscriptionCounter.Add(1)
	return "evt_" + time.Now().Format("20060102150405.000000") + "_" + itoa(id)
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// Subscribe registers a handler for a specific event type.
func (eb *Bus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	options := SubscriptionOptions{Async: true, BufferSize: 256}
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{ID: generateSubscriptionID(), EventType: eventType, Handler: handler, Options: options}
	sub.active.Store(true)

	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.activeSubscribers.Add(1)
	return sub
}

// SubscribeAll registers a handler invoked for every published event.
func (eb *Bus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	options := SubscriptionOptions{Async: true, BufferSize: 256}
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{ID: generateSubscriptionID(), EventType: "*", Handler: handler, Options: options}
	sub.active.Store(true)

	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.activeSubscribers.Add(1)
	return sub
}

// Unsubscribe deactivates a subscription.
func (eb *Bus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
	eb.activeSubscribers.Add(-1)
}

// Publish sends an event to subscribers, non-blocking; drops and counts
// the event if the internal buffer is full.
func (eb *Bus) Publish(event Event) {
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("event dropped, buffer full", zap.String("eventType", string(event.GetType())))
	}
}

// PublishSync publishes and processes the event before returning, useful
// in tests that need deterministic ordering.
func (eb *Bus) PublishSync(event Event) {
	eb.eventsPublished.Add(1)
	eb.processEvent(event)
}

// Stats returns current throughput statistics.
func (eb *Bus) Stats() BusStats {
	return BusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   eb.eventsProcessed.Load(),
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		AvgLatencyNs:      eb.avgLatency.Load(),
		MaxLatencyNs:      eb.maxLatency.Load(),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}

// p99LatencyNs is retained for diagnostics/tests.
func (eb *Bus) p99LatencyNs() int64 {
	eb.latencyMu.Lock()
	defer eb.latencyMu.Unlock()

	if len(eb.latencies) == 0 {
		return 0
	}
	sorted := make([]int64, len(eb.latencies))
	copy(sorted, eb.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Stop shuts the bus down, waiting up to 5s for workers to drain.
func (eb *Bus) Stop() {
	eb.logger.Info("stopping event bus")
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Info("event bus stopped",
			zap.Int64("eventsProcessed", eb.eventsProcessed.Load()),
			zap.Int64("eventsDropped", eb.eventsDropped.Load()))
	case <-time.After(5 * time.Second):
		eb.logger.Warn("event bus stop timed out")
	}
}
