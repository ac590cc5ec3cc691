// Package metrics holds Prometheus instrumentation for the dispatch core.
// All metrics use the isopod_ namespace.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	DispatchesTotal    *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	ActiveCalls        prometheus.Gauge
	ProvisionDuration  prometheus.Histogram
	WorkersSpawnedTotal prometheus.Counter
	WorkersRetiredTotal *prometheus.CounterVec
	IdleWorkers         prometheus.Gauge
}

// New creates and registers dispatch metrics on the given registry.
// Returns nil if reg is nil; all record methods are nil-safe.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isopod",
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Total dispatched calls by outcome kind.",
		}, []string{"kind"}),

		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "isopod",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "End-to-end call duration in seconds by outcome kind.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"kind"}),

		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "isopod",
			Subsystem: "dispatch",
			Name:      "active_calls",
			Help:      "Number of calls currently in flight.",
		}),

		ProvisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "isopod",
			Subsystem: "env",
			Name:      "provision_duration_seconds",
			Help:      "Environment provisioning duration in seconds.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}),

		WorkersSpawnedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isopod",
			Subsystem: "pool",
			Name:      "workers_spawned_total",
			Help:      "Total workers spawned.",
		}),

		WorkersRetiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isopod",
			Subsystem: "pool",
			Name:      "workers_retired_total",
			Help:      "Total workers retired by reason (rotation, compromised, unresponsive, sweep, shutdown).",
		}, []string{"reason"}),

		IdleWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "isopod",
			Subsystem: "pool",
			Name:      "idle_workers",
			Help:      "Number of idle warm workers across all keys.",
		}),
	}

	reg.MustRegister(
		m.DispatchesTotal,
		m.DispatchDuration,
		m.ActiveCalls,
		m.ProvisionDuration,
		m.WorkersSpawnedTotal,
		m.WorkersRetiredTotal,
		m.IdleWorkers,
	)

	return m
}

func (m *Metrics) ObserveDispatch(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchesTotal.WithLabelValues(kind).Inc()
	m.DispatchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.ActiveCalls.Inc()
}

func (m *Metrics) CallFinished() {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
}

func (m *Metrics) ObserveProvision(d time.Duration) {
	if m == nil {
		return
	}
	m.ProvisionDuration.Observe(d.Seconds())
}

func (m *Metrics) WorkerSpawned() {
	if m == nil {
		return
	}
	m.WorkersSpawnedTotal.Inc()
}

func (m *Metrics) WorkerRetired(reason string) {
	if m == nil {
		return
	}
	m.WorkersRetiredTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetIdleWorkers(n int) {
	if m == nil {
		return
	}
	m.IdleWorkers.Set(float64(n))
}
