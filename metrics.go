package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics. Request counters carry an "outcome" label with one of
// success / gateway_reject / upstream_error, mirroring what the pipeline
// records per request.
var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed by the gateway",
		},
		[]string{"method", "path", "status", "outcome"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "outcome"},
	)

	gatewayRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rejections_total",
			Help: "Requests short-circuited by a pipeline stage, by reason",
		},
		[]string{"reason"},
	)

	challengesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_challenges_created_total",
			Help: "Challenges issued per client",
		},
		[]string{"client_id"},
	)

	challengeVerificationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_challenge_verification_attempts_total",
			Help: "Challenge verification attempts per client",
		},
		[]string{"client_id"},
	)

	challengeVerificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_challenge_verification_failures_total",
			Help: "Challenge verification failures by reason",
		},
		[]string{"reason"},
	)

	apiKeysIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_api_keys_issued_total",
			Help: "API keys issued per client",
		},
		[]string{"client_id"},
	)

	upstreamRefreshFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_upstream_refresh_failures_total",
			Help: "Dynamic upstream mapping refreshes that fell back to stale data",
		},
	)

	rateLimitRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejected_total",
			Help: "Total number of requests rejected due to rate limiting",
		},
		[]string{"endpoint"},
	)

	panicsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_panics_recovered_total",
			Help: "Total number of panics recovered by the server",
		},
	)

	healthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_health_checks_total",
			Help: "Total number of health/readiness checks by status",
		},
		[]string{"type", "status"},
	)
)

// promAuthMetrics adapts the counters above to the auth service's Metrics
// interface.
type promAuthMetrics struct{}

func (promAuthMetrics) ChallengeCreated(clientID string) {
	challengesCreated.WithLabelValues(clientID).Inc()
}

func (promAuthMetrics) VerificationAttempt(clientID string) {
	challengeVerificationAttempts.WithLabelValues(clientID).Inc()
}

func (promAuthMetrics) VerificationFailure(reason string) {
	challengeVerificationFailures.WithLabelValues(reason).Inc()
}

func (promAuthMetrics) APIKeyIssued(clientID string) {
	apiKeysIssued.WithLabelValues(clientID).Inc()
}
