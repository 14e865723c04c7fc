// Package metrics exposes the agent's Prometheus collectors, served from
// the control HTTP server's /metrics route.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podagent_sweeps_total",
			Help: "Reconfiguration sweeps by outcome",
		},
		[]string{"result"},
	)

	DamperRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "podagent_damper_restarts_total",
			Help: "Number of times the damper countdown was reset by a new snapshot hash",
		},
	)

	Leader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "podagent_leader",
			Help: "1 while this pod holds the cluster leader lock",
		},
	)

	ProcessState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podagent_process_state",
			Help: "Supervised process state (1 for the current state, 0 otherwise)",
		},
		[]string{"state"},
	)

	ChildRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "podagent_child_restarts_total",
			Help: "Number of times the supervisor restarted the child process",
		},
	)

	ReconfigureDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "podagent_reconfigure_duration_seconds",
			Help:    "Wall time of a reconfiguration sweep",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(SweepsTotal)
	prometheus.MustRegister(DamperRestartsTotal)
	prometheus.MustRegister(Leader)
	prometheus.MustRegister(ProcessState)
	prometheus.MustRegister(ChildRestartsTotal)
	prometheus.MustRegister(ReconfigureDuration)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on a histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a histogram vec.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
