package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksCreated     = prometheus.NewCounter(prometheus.CounterOpts{Name: "workforce_tasks_created_total", Help: "Tasks accepted at the creation boundary"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "workforce_rate_limit_rejects_total", Help: "Task creations rejected by the rate limiter"})
	StageRuns        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workforce_stage_runs_total", Help: "Units of stage work by outcome"}, []string{"stage", "outcome"})
	ValidationScore  = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "workforce_validation_score", Help: "Validator scores", Buckets: []float64{0.2, 0.4, 0.6, 0.7, 0.8, 0.9, 1}})
	ArtifactsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workforce_artifacts_created_total", Help: "Artifact versions written"}, []string{"stage"})
	FixAttempts      = prometheus.NewCounter(prometheus.CounterOpts{Name: "workforce_fix_attempts_total", Help: "Fix cycles started"})
	TasksBlocked     = prometheus.NewCounter(prometheus.CounterOpts{Name: "workforce_tasks_blocked_total", Help: "Tasks blocked after exhausting fix attempts"})
	Publications     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workforce_publications_total", Help: "Publication attempts by outcome"}, []string{"outcome"})
	StoreConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "workforce_store_conflicts_total", Help: "Optimistic write conflicts retried"})
	EventsEmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workforce_events_total", Help: "Pipeline bus events by name"}, []string{"event"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "workforce_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "workforce_inflight", Help: "Tasks currently leased by workers"})
	WorkerOutcomes   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workforce_worker_outcomes_total", Help: "Queue deliveries by outcome"}, []string{"outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksCreated,
			RateLimitRejects,
			StageRuns,
			ValidationScore,
			ArtifactsCreated,
			FixAttempts,
			TasksBlocked,
			Publications,
			StoreConflicts,
			EventsEmitted,
			QueueDepthGauge,
			InFlightGauge,
			WorkerOutcomes,
		)
	})
	return promhttp.Handler()
}
