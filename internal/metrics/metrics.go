// Package metrics exposes the C9 counters, histogram, and gauges via
// prometheus/client_golang.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the narrow interface the run-owning components depend on, so
// tests can substitute a no-op or a spy without importing prometheus.
type Recorder interface {
	RunCompleted()
	RunFailed()
	ObserveDuration(seconds float64)
	SetQueueDepth(depth float64)
	SetWorkerHeartbeat(workerName string, epochSeconds float64)
}

// Metrics is the prometheus-backed Recorder, registered once per process.
type Metrics struct {
	runsTotal       prometheus.Counter
	runsFailedTotal prometheus.Counter
	duration        prometheus.Histogram
	queueDepth      prometheus.Gauge
	workerHeartbeat *prometheus.GaugeVec
}

// New registers the fleetcore metric families against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetcore_runs_total",
			Help: "Total number of runs that reached a terminal state.",
		}),
		runsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetcore_runs_failed_total",
			Help: "Total number of runs that finished FAILED.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetcore_run_duration_seconds",
			Help:    "Run wall-clock duration from start to finish.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetcore_queue_depth",
			Help: "Current depth of the broker FIFO dispatch queue.",
		}),
		workerHeartbeat: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetcore_worker_last_heartbeat_epoch_seconds",
			Help: "Epoch seconds of the last observed heartbeat per worker.",
		}, []string{"worker"}),
	}
	reg.MustRegister(m.runsTotal, m.runsFailedTotal, m.duration, m.queueDepth, m.workerHeartbeat)
	return m
}

func (m *Metrics) RunCompleted() { m.runsTotal.Inc() }
func (m *Metrics) RunFailed()    { m.runsFailedTotal.Inc() }

func (m *Metrics) ObserveDuration(seconds float64) { m.duration.Observe(seconds) }
func (m *Metrics) SetQueueDepth(depth float64)     { m.queueDepth.Set(depth) }

func (m *Metrics) SetWorkerHeartbeat(workerName string, epochSeconds float64) {
	m.workerHeartbeat.WithLabelValues(workerName).Set(epochSeconds)
}

// Nop is a Recorder that discards everything, for tests that don't care
// about metrics.
type Nop struct{}

func (Nop) RunCompleted()                      {}
func (Nop) RunFailed()                         {}
func (Nop) ObserveDuration(float64)            {}
func (Nop) SetQueueDepth(float64)              {}
func (Nop) SetWorkerHeartbeat(string, float64) {}
