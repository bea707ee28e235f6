// Package metrics holds the prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Jetstream ingestion
	JetstreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jetstream_events_total",
			Help: "Jetstream events received, by kind, collection and commit operation",
		},
		[]string{"kind", "collection", "operation"},
	)

	JetstreamConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jetstream_connection_state",
			Help: "Current subscriber state (0=disconnected 1=connecting 2=open 3=closed 4=aborted 5=fatal)",
		},
	)

	JetstreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jetstream_reconnects_total",
			Help: "Connection attempts made after a close or abort",
		},
	)

	JetstreamStalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jetstream_liveness_stalls_total",
			Help: "Connections force-closed because no events arrived within the liveness interval",
		},
	)

	LikesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "likes_processed_total",
			Help: "Like mutations applied to storage, by result",
		},
		[]string{"result"}, // created, duplicate, removed, absent, invalid, error
	)

	// Feed serving
	FeedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_requests_total",
			Help: "getFeedSkeleton requests, by feed rkey and status code",
		},
		[]string{"feed", "status_code"},
	)

	FeedRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_request_duration_seconds",
			Help:    "getFeedSkeleton latency in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"feed"},
	)

	// AppView client
	AppViewRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appview_requests_total",
			Help: "Requests made to the Bluesky AppView, by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed 1=half-open 2=open)",
		},
		[]string{"name"},
	)
)
