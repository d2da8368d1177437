// Package monitoring exposes the engine's operational surface: Prometheus
// metrics for the tick loop and a heartbeat row consumed by a separate
// monitor.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	TicksTotal   prometheus.Counter
	TickDuration prometheus.Histogram
	TickErrors   prometheus.Counter

	EngineErrors  *prometheus.CounterVec
	OpenPositions *prometheus.GaugeVec
	Equity        *prometheus.GaugeVec
}

// NewMetrics creates and registers the engine collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portfolio_engine_ticks_total",
			Help: "Completed scheduler ticks.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "portfolio_engine_tick_duration_seconds",
			Help:    "Wall time of one scheduler tick.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portfolio_engine_tick_errors_total",
			Help: "Ticks aborted with an error.",
		}),
		EngineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_engine_instance_errors_total",
			Help: "Per-instance errors absorbed by the tick loop.",
		}, []string{"engine_key"}),
		OpenPositions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "portfolio_engine_open_positions",
			Help: "Open positions per engine instance.",
		}, []string{"engine_key", "run_mode"}),
		Equity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "portfolio_engine_equity",
			Help: "Current equity per engine instance.",
		}, []string{"engine_key", "run_mode"}),
	}

	reg.MustRegister(m.TicksTotal, m.TickDuration, m.TickErrors,
		m.EngineErrors, m.OpenPositions, m.Equity)
	return m
}

// ObserveTick records one completed tick.
func (m *Metrics) ObserveTick(d time.Duration, err error) {
	m.TicksTotal.Inc()
	m.TickDuration.Observe(d.Seconds())
	if err != nil {
		m.TickErrors.Inc()
	}
}

// ObservePortfolio updates the per-instance gauges after a snapshot write.
func (m *Metrics) ObservePortfolio(engineKey, runMode string, openPositions int, equity float64) {
	m.OpenPositions.WithLabelValues(engineKey, runMode).Set(float64(openPositions))
	m.Equity.WithLabelValues(engineKey, runMode).Set(equity)
}
