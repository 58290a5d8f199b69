// Package metrics exposes the Prometheus collectors vaportraild registers
// for probe outcomes, scheduler behavior, and rollup/retention activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric vaportraild reports. Callers construct one
// with NewRegistry and register it on a prometheus.Registerer.
type Registry struct {
	ProbeLatencySeconds *prometheus.HistogramVec
	ProbeErrorsTotal    *prometheus.CounterVec
	ProbeSkipsTotal     *prometheus.CounterVec

	RollupDurationSeconds prometheus.Histogram
	RollupRowsTotal       *prometheus.CounterVec

	RetentionDeletedRowsTotal *prometheus.CounterVec
}

// NewRegistry constructs every collector, unregistered.
func NewRegistry() *Registry {
	return &Registry{
		ProbeLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vaportrail",
			Subsystem: "probe",
			Name:      "latency_seconds",
			Help:      "Observed probe latency in seconds, by target and probe type.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"target", "probe_type"}),

		ProbeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaportrail",
			Subsystem: "probe",
			Name:      "errors_total",
			Help:      "Probe attempts that failed, by target, probe type, and error kind.",
		}, []string{"target", "probe_type", "kind"}),

		ProbeSkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaportrail",
			Subsystem: "scheduler",
			Name:      "probe_skips_total",
			Help:      "Ticks dropped because a target's concurrency gate was full.",
		}, []string{"target"}),

		RollupDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vaportrail",
			Subsystem: "rollup",
			Name:      "sweep_duration_seconds",
			Help:      "Time taken to sweep every target's rollup windows.",
			Buckets:   prometheus.DefBuckets,
		}),

		RollupRowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaportrail",
			Subsystem: "rollup",
			Name:      "rows_written_total",
			Help:      "Aggregated rows written, by target and window size.",
		}, []string{"target", "window_seconds"}),

		RetentionDeletedRowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaportrail",
			Subsystem: "retention",
			Name:      "deleted_rows_total",
			Help:      "Rows deleted by the retention sweep, by target and window size.",
		}, []string{"target", "window_seconds"}),
	}
}

// MustRegister registers every collector on reg, panicking on duplicate
// registration - the same contract prometheus.MustRegister offers.
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.ProbeLatencySeconds,
		r.ProbeErrorsTotal,
		r.ProbeSkipsTotal,
		r.RollupDurationSeconds,
		r.RollupRowsTotal,
		r.RetentionDeletedRowsTotal,
	)
}
