// Package metrics exposes Prometheus collectors for the pipeline engine.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without instrumentation.
package metrics

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stagehand"

// Metrics holds the engine's collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	StageExecutions *prometheus.CounterVec
	StageCacheHits  *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	BreakerOpens    prometheus.Counter
	AsyncPolls      *prometheus.CounterVec
	LaneReady       *prometheus.GaugeVec
	LaneRunning     *prometheus.GaugeVec
	LanePaused      *prometheus.CounterVec
	ItemsTerminal   *prometheus.CounterVec
	SinkFailures    prometheus.Counter
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		StageExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_executions_total",
				Help:      "Stage executor invocations by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		StageCacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_cache_hits_total",
				Help:      "Stage invocations answered from the result cache",
			},
			[]string{"stage"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall-clock time spent in stage logic",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
			},
			[]string{"stage"},
		),
		BreakerOpens: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_open_total",
				Help:      "Circuit breaker openings, including reopenings after a failed trial",
			},
		),
		AsyncPolls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "async_polls_total",
				Help:      "Async job polls by stage and resulting job state",
			},
			[]string{"stage", "state"},
		),
		LaneReady: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lane_ready",
				Help:      "Tasks ready for dispatch per priority lane",
			},
			[]string{"lane"},
		),
		LaneRunning: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lane_running",
				Help:      "Busy workers per priority lane",
			},
			[]string{"lane"},
		),
		LanePaused: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lane_paused_total",
				Help:      "Lane dispatch pauses caused by state store outages",
			},
			[]string{"lane"},
		),
		ItemsTerminal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_terminal_total",
				Help:      "Work items that reached a terminal status",
			},
			[]string{"status"},
		),
		SinkFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_failures_total",
				Help:      "Result deliveries to the persistence sink that failed after retries",
			},
		),
	}
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StageExecuted records one executor invocation.
func (m *Metrics) StageExecuted(stage, outcome string, cacheHit bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StageExecutions.WithLabelValues(stage, outcome).Inc()
	if cacheHit {
		m.StageCacheHits.WithLabelValues(stage).Inc()
		return
	}
	if elapsed > 0 {
		m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	}
}

// BreakerOpened records a breaker opening.
func (m *Metrics) BreakerOpened() {
	if m == nil {
		return
	}
	m.BreakerOpens.Inc()
}

// Polled records one async job poll.
func (m *Metrics) Polled(stage, state string) {
	if m == nil {
		return
	}
	m.AsyncPolls.WithLabelValues(stage, state).Inc()
}

// LaneDepth publishes the ready and running counts of a lane.
func (m *Metrics) LaneDepth(lane string, ready, running int) {
	if m == nil {
		return
	}
	m.LaneReady.WithLabelValues(lane).Set(float64(ready))
	m.LaneRunning.WithLabelValues(lane).Set(float64(running))
}

// LanePause records a lane pause.
func (m *Metrics) LanePause(lane string) {
	if m == nil {
		return
	}
	m.LanePaused.WithLabelValues(lane).Inc()
}

// ItemTerminal records an item reaching a terminal status.
func (m *Metrics) ItemTerminal(status string) {
	if m == nil {
		return
	}
	m.ItemsTerminal.WithLabelValues(status).Inc()
}

// SinkFailed records a failed result delivery.
func (m *Metrics) SinkFailed() {
	if m == nil {
		return
	}
	m.SinkFailures.Inc()
}

// RegisterDB exports connection pool statistics of db under dbName.
func (m *Metrics) RegisterDB(db *sql.DB, dbName string) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(collectors.NewDBStatsCollector(db, dbName))
}
