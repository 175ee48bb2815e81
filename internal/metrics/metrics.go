// Package metrics exposes Prometheus instrumentation for the bracket engine.
//
// Primary series:
//   - wdotrader_signals_total{outcome}        – signals by outcome (submitted|blocked|halted|rejected)
//   - wdotrader_orders_total{leg}             – orders submitted by bracket leg
//   - wdotrader_cancels_total{result}         – cancellation attempts (ok|failed)
//   - wdotrader_brackets_closed_total{reason} – closed brackets by reason
//   - wdotrader_reconcile_repairs_total{kind} – reconciliation repairs (orphan|ghost_lock|suspect_cancel)
//   - wdotrader_open_brackets                 – live bracket count (gauge)
//   - wdotrader_unprotected_seconds           – last entry-ack→protection gap (gauge)
//   - wdotrader_halted                        – 1 while the engine refuses new signals
//   - wdotrader_events_dropped_total          – broker events dropped on a full queue
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every series the engine updates. A single instance is
// created in the composition root and shared by reference.
type Metrics struct {
	Signals          *prometheus.CounterVec
	Orders           *prometheus.CounterVec
	Cancels          *prometheus.CounterVec
	BracketsClosed   *prometheus.CounterVec
	ReconcileRepairs *prometheus.CounterVec
	OpenBrackets     prometheus.Gauge
	UnprotectedSecs  prometheus.Gauge
	Halted           prometheus.Gauge
	EventsDropped    prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all series on a private registry, so tests can
// construct independent instances without duplicate-registration panics.
func New() *Metrics {
	m := &Metrics{
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wdotrader_signals_total",
			Help: "Trade signals by outcome",
		}, []string{"outcome"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wdotrader_orders_total",
			Help: "Orders submitted by bracket leg",
		}, []string{"leg"}),
		Cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wdotrader_cancels_total",
			Help: "Cancellation attempts by result",
		}, []string{"result"}),
		BracketsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wdotrader_brackets_closed_total",
			Help: "Closed brackets by reason",
		}, []string{"reason"}),
		ReconcileRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wdotrader_reconcile_repairs_total",
			Help: "Reconciliation repairs by mismatch kind",
		}, []string{"kind"}),
		OpenBrackets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wdotrader_open_brackets",
			Help: "Number of live (non-closed) brackets",
		}),
		UnprotectedSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wdotrader_unprotected_seconds",
			Help: "Duration of the last gap between entry ack and both protective legs live",
		}),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wdotrader_halted",
			Help: "1 while the engine is halted and refusing new signals",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wdotrader_events_dropped_total",
			Help: "Broker events dropped because the event queue was full",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.Signals, m.Orders, m.Cancels, m.BracketsClosed, m.ReconcileRepairs,
		m.OpenBrackets, m.UnprotectedSecs, m.Halted, m.EventsDropped,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
