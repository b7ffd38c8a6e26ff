package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemetry_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	// Admission metrics
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ratelimit_decisions_total",
			Help: "Rate limiter decisions by traffic class",
		},
		[]string{"class", "decision"}, // decision: allowed, rejected
	)

	RateLimitStoreFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ratelimit_store_failures_total",
			Help: "Counter store failures by resulting fail mode",
		},
		[]string{"mode"}, // open, closed
	)

	// Ingest metrics
	IngestReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_readings_total",
			Help: "Readings received per transport and outcome",
		},
		[]string{"transport", "outcome"}, // outcome: accepted or rejection reason
	)

	SocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_socket_connections",
			Help: "Currently identified device socket connections",
		},
	)

	// Evaluation / lifecycle metrics
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_verdicts_total",
			Help: "Verdicts produced by severity",
		},
		[]string{"severity"},
	)

	AlertTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_alert_transitions_total",
			Help: "Alert lifecycle transitions by trigger",
		},
		[]string{"trigger"},
	)

	AlertStateConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_alert_state_conflicts_total",
			Help: "Conditional upserts dropped after a repeated conflict",
		},
	)

	AlertPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_alert_publish_failures_total",
			Help: "Alert events left pending after a failed publish",
		},
	)

	ReadingProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_reading_processing_duration_seconds",
			Help:    "Time to evaluate a reading and apply its verdicts",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatch metrics
	NotificationAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_notification_attempts_total",
			Help: "Notification send attempts by channel and status",
		},
		[]string{"channel", "status"},
	)

	NotificationPermanentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_notification_permanent_failures_total",
			Help: "Notifications that ended in FAILED_PERMANENT",
		},
		[]string{"channel"},
	)

	NotificationRetriesPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_notification_retries_pending",
			Help: "Retries currently scheduled on the timer heap",
		},
	)

	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_panics_recovered_total",
			Help: "Panics recovered by component",
		},
		[]string{"component"},
	)

	RealtimeClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_realtime_clients",
			Help: "Connected websocket clients",
		},
	)
)
