package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Hub listing metrics
	HubListings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_listings_total",
			Help: "Total number of aggregated listings",
		},
		[]string{"outcome"}, // complete, partial
	)

	HubListingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opshub_listing_duration_seconds",
			Help:    "Time to aggregate one listing across all subsystems",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	AdapterListDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opshub_adapter_list_duration_seconds",
			Help:    "Per-subsystem list latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"kind"},
	)

	AdapterFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_adapter_failures_total",
			Help: "Subsystem adapter failures during aggregation",
		},
		[]string{"kind", "reason"}, // reason: error, timeout, circuit_open
	)

	// Control metrics
	ControlCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_control_commands_total",
			Help: "Control commands by kind, verb and result",
		},
		[]string{"kind", "verb", "result"},
	)

	// Multimodal metrics
	MultimodalSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_multimodal_requests_submitted_total",
			Help: "Multimodal requests submitted",
		},
		[]string{"modality"},
	)

	MultimodalAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_multimodal_attempts_total",
			Help: "Provider attempts by provider and outcome",
		},
		[]string{"provider", "outcome"}, // success, timeout, error, discarded
	)

	MultimodalAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opshub_multimodal_attempt_duration_seconds",
			Help:    "Provider attempt latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	MultimodalTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_multimodal_requests_terminal_total",
			Help: "Multimodal requests reaching a terminal status",
		},
		[]string{"modality", "status"},
	)

	MultimodalInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opshub_multimodal_requests_in_flight",
			Help: "Multimodal requests currently processing",
		},
	)

	// Auth metrics
	AuthDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_auth_decisions_total",
			Help: "Scope guard decisions by operation class",
		},
		[]string{"operation", "decision"},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opshub_stream_subscribers",
			Help: "Active lifecycle event stream subscribers",
		},
	)

	StreamEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opshub_stream_events_dropped_total",
			Help: "Lifecycle events dropped for slow subscribers",
		},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

// RecordListing records one aggregated listing.
func RecordListing(partial bool, d time.Duration) {
	outcome := "complete"
	if partial {
		outcome = "partial"
	}
	HubListings.WithLabelValues(outcome).Inc()
	HubListingDuration.Observe(d.Seconds())
}

// RecordControl records a control command outcome.
func RecordControl(kind, verb, result string) {
	ControlCommands.WithLabelValues(kind, verb, result).Inc()
}

// RecordAttempt records one provider attempt.
func RecordAttempt(provider, outcome string, d time.Duration) {
	MultimodalAttempts.WithLabelValues(provider, outcome).Inc()
	MultimodalAttemptDuration.WithLabelValues(provider).Observe(d.Seconds())
}
