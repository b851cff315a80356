package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	StageAttempts     *prometheus.CounterVec
	LoopsDetected     prometheus.Counter
	ViolationsFlagged prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lantern_pipeline_runs_total",
			Help: "Pipeline runs by final status",
		}, []string{"status"}),

		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lantern_pipeline_stage_duration_seconds",
			Help:    "Duration of a pipeline stage including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage", "status"}),

		StageAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lantern_pipeline_stage_attempts_total",
			Help: "Stage attempts, retries included",
		}, []string{"stage"}),

		LoopsDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "lantern_loops_detected_total",
			Help: "Circular flows detected across all runs",
		}),

		ViolationsFlagged: f.NewCounter(prometheus.CounterOpts{
			Name: "lantern_violations_flagged_total",
			Help: "Entities flagged as violations across all runs",
		}),

		gatherer: reg,
	}
}

func (m *Metrics) IncrementRun(status string) {
	if m != nil {
		m.RunsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ObserveStage(stage, status string, attempts int, d time.Duration) {
	if m != nil {
		m.StageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
		m.StageAttempts.WithLabelValues(stage).Add(float64(attempts))
	}
}

func (m *Metrics) AddLoops(n int) {
	if m != nil && n > 0 {
		m.LoopsDetected.Add(float64(n))
	}
}

func (m *Metrics) AddViolations(n int) {
	if m != nil && n > 0 {
		m.ViolationsFlagged.Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
