// Package metrics holds the Prometheus collectors for the scene pipeline.
// Collectors register with the default registry and are served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sample acquisition
	SamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scene_samples_total",
			Help: "Samples offered to the pipeline by outcome",
		},
		[]string{"outcome"}, // "accepted", "rate_dropped", "evicted", "reset"
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scene_queue_depth",
			Help: "Pending inference requests across all sessions",
		},
	)

	// Inference
	InferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scene_inference_duration_seconds",
			Help:    "Duration of inference round trips in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"kind"}, // "analysis", "query"
	)

	InferenceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scene_inference_requests_total",
			Help: "Inference requests by kind and result",
		},
		[]string{"kind", "result"}, // result: "success", "failure", "discarded"
	)

	// Response parsing
	ParseRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scene_parse_repairs_total",
			Help: "Recovery steps applied to malformed model output",
		},
		[]string{"step"},
	)

	ParseDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scene_parse_degraded_total",
			Help: "Model replies that could not be recovered",
		},
	)

	// Circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scene_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scene_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Sessions and fan-out
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scene_active_sessions",
			Help: "Sessions with a running pipeline",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scene_events_published_total",
			Help: "Analysis events published to subscribers",
		},
		[]string{"result"}, // "success", "error", "dropped"
	)

	WebSocketConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scene_websocket_connections",
			Help: "Open websocket connections by stream",
		},
		[]string{"stream"}, // "events", "rtp"
	)

	WebRTCPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scene_webrtc_peers",
			Help: "Connected WebRTC video peers",
		},
	)
)
