// Package metrics exposes Prometheus instrumentation for the engine's
// orchestration hot path: run outcomes, step counts, and lock
// contention. Not part of the distilled specification, but carried as
// an ambient concern the way the teacher instruments its controller.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder records engine metrics into a Prometheus registry. A nil
// *Recorder is never passed around; use NoOp() for a recorder that
// discards everything, so callers never need a nil check.
type Recorder struct {
	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	stepsExecuted   prometheus.Counter
	lockContentions prometheus.Counter
	noop            bool
}

// New creates a Recorder and registers its collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalyst_runs_total",
			Help: "Total number of playbook runs, labeled by terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "catalyst_run_duration_seconds",
			Help:    "Duration of playbook runs in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		stepsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalyst_steps_executed_total",
			Help: "Total number of steps executed across all runs.",
		}),
		lockContentions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalyst_lock_contention_total",
			Help: "Total number of resource lock acquisition failures due to contention.",
		}),
	}

	reg.MustRegister(r.runsTotal, r.runDuration, r.stepsExecuted, r.lockContentions)
	return r
}

// NoOp returns a Recorder that discards every recorded metric, for
// embedding applications that don't want a Prometheus dependency wired
// into their process.
func NoOp() *Recorder {
	return &Recorder{noop: true}
}

// RecordRun records a completed run's terminal status and duration.
func (r *Recorder) RecordRun(status string, duration time.Duration) {
	if r.noop {
		return
	}
	r.runsTotal.WithLabelValues(status).Inc()
	r.runDuration.Observe(duration.Seconds())
}

// RecordStepsExecuted adds n to the cumulative steps-executed counter.
func (r *Recorder) RecordStepsExecuted(n int) {
	if r.noop {
		return
	}
	r.stepsExecuted.Add(float64(n))
}

// RecordLockContention increments the lock-contention counter.
func (r *Recorder) RecordLockContention() {
	if r.noop {
		return
	}
	r.lockContentions.Inc()
}
