package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestrator
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsTotal     *prometheus.CounterVec
	SessionDuration   *prometheus.HistogramVec
	AdmissionDenials  *prometheus.CounterVec
	AdmissionRejects  *prometheus.CounterVec

	// Relay metrics
	ChunksPublished prometheus.Counter
	ChunksDropped   prometheus.Counter
	StreamObservers prometheus.Gauge

	// Dispatch metrics
	DispatchQueueDepth prometheus.Gauge
	DispatchRetries    prometheus.Counter
}

// New creates and registers all metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentd_sessions_active",
			Help: "Number of sessions currently in a non-terminal status",
		}),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_sessions_total",
				Help: "Total number of finalized sessions",
			},
			[]string{"provider", "status"},
		),
		SessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentd_session_duration_seconds",
				Help:    "Wall-clock duration of finalized sessions",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"provider"},
		),
		AdmissionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_admission_denials_total",
				Help: "Invocations denied by the concurrency cap",
			},
			[]string{"provider"},
		),
		AdmissionRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_admission_rejects_total",
				Help: "Invocations rejected before session creation",
			},
			[]string{"reason"},
		),

		ChunksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentd_relay_chunks_published_total",
			Help: "Events published to the streaming relay",
		}),
		ChunksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentd_relay_chunks_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		}),
		StreamObservers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentd_stream_observers",
			Help: "Live stream observers currently attached",
		}),

		DispatchQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentd_dispatch_queue_depth",
			Help: "Tasks waiting in the dispatch queue",
		}),
		DispatchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentd_dispatch_retries_total",
			Help: "Dispatch-level task retries",
		}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.AdmissionDenials,
		m.AdmissionRejects,
		m.ChunksPublished,
		m.ChunksDropped,
		m.StreamObservers,
		m.DispatchQueueDepth,
		m.DispatchRetries,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
