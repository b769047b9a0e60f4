// Package metrics exposes Prometheus metrics for the execution engine.
//
// Primary series:
//   - robot_orders_submitted_total{type}   — broker submissions by order type
//   - robot_orders_failed_total{type}      — failed/blocked submissions
//   - robot_fills_total{kind}              — fills by kind (entry|exit|partial)
//   - robot_blocks_total{reason}           — risk-gate blocks by failing gate reason
//   - robot_emergencies_total{kind}        — emergency handler runs
//   - robot_incidents_total                — incident files written
//   - robot_kill_switch_enabled            — kill switch gauge (0/1)
//   - robot_open_exposure_contracts        — net open contracts across intents
//
// Registered in init() and served by promhttp at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_orders_submitted_total",
			Help: "Broker order submissions by order type",
		},
		[]string{"type"},
	)

	OrdersFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_orders_failed_total",
			Help: "Failed or blocked order submissions by order type",
		},
		[]string{"type"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_fills_total",
			Help: "Fill events by kind (entry|exit|partial)",
		},
		[]string{"kind"},
	)

	Blocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_blocks_total",
			Help: "Risk-gate blocks by failing gate reason",
		},
		[]string{"reason"},
	)

	Emergencies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_emergencies_total",
			Help: "Emergency handler invocations by kind",
		},
		[]string{"kind"},
	)

	Incidents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "robot_incidents_total",
			Help: "Incident files written",
		},
	)

	KillSwitchEnabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robot_kill_switch_enabled",
			Help: "Kill switch state (1 = enabled)",
		},
	)

	OpenExposure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robot_open_exposure_contracts",
			Help: "Net open contracts across all tracked intents",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersSubmitted, OrdersFailed, Fills, Blocks,
		Emergencies, Incidents, KillSwitchEnabled, OpenExposure,
	)
}

// Handler returns the Prometheus exposition handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
