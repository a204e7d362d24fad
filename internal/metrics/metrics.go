// Package metrics exposes the control plane's Prometheus registry and
// the handful of counters/gauges the API and engine record against it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the registered collectors. A zero value is unusable;
// construct with New.
type Metrics struct {
	OrdersSubmitted  *prometheus.CounterVec
	OrdersRejected   *prometheus.CounterVec
	RiskDecisions    *prometheus.CounterVec
	FeedbackCycles   *prometheus.CounterVec
	OpenPositions    prometheus.Gauge
	KillSwitchActive prometheus.Gauge
}

// New registers every collector against reg and returns the handle
// used to record observations. Pass prometheus.NewRegistry() for an
// isolated registry (tests) or prometheus.DefaultRegisterer in
// production so /metrics can promhttp.Handler() it directly.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradectl",
			Name:      "orders_submitted_total",
			Help:      "Orders submitted to a broker adapter, by broker type.",
		}, []string{"broker_type"}),
		OrdersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradectl",
			Name:      "orders_rejected_total",
			Help:      "Orders rejected by a broker adapter, by reason kind.",
		}, []string{"kind"}),
		RiskDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradectl",
			Name:      "risk_decisions_total",
			Help:      "Risk validation outcomes, by decision kind.",
		}, []string{"kind"}),
		FeedbackCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradectl",
			Name:      "feedback_cycles_total",
			Help:      "Feedback loop cycles, by resulting action.",
		}, []string{"action"}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradectl",
			Name:      "open_positions",
			Help:      "Currently open positions across all users.",
		}),
		KillSwitchActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradectl",
			Name:      "kill_switch_active",
			Help:      "1 when the engine kill switch is engaged, else 0.",
		}),
	}
}
