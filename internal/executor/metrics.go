package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sells-group/job-scorer/internal/model"
)

// Metrics holds the executor's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	inFlight    *prometheus.GaugeVec
	completions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// NewMetrics creates the executor collectors and registers them with reg. A
// nil reg leaves them unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "jobscorer",
				Subsystem: "executor",
				Name:      "in_flight_requests",
				Help:      "Inference requests currently in flight",
			},
			[]string{"executor"},
		),
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jobscorer",
				Subsystem: "executor",
				Name:      "completions_total",
				Help:      "Completed inference requests by outcome",
			},
			[]string{"executor", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "jobscorer",
				Subsystem: "executor",
				Name:      "request_duration_seconds",
				Help:      "Inference request duration in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"executor"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.inFlight, m.completions, m.latency)
	}
	return m
}

func (m *Metrics) started(name string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(name).Inc()
}

func (m *Metrics) finished(name string, kind model.ErrorKind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(name).Dec()
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	m.completions.WithLabelValues(name, outcome).Inc()
	m.latency.WithLabelValues(name).Observe(elapsed.Seconds())
}
