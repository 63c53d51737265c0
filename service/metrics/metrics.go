package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCRateLimitHits *prometheus.CounterVec
	solanaRPCRetries       *prometheus.CounterVec

	// Verification Metrics
	verificationsTotal        *prometheus.CounterVec
	verificationDuration      *prometheus.HistogramVec
	verificationTimeoutsTotal prometheus.Counter

	// Payment Metrics
	paymentsCreditedTotal *prometheus.CounterVec
	paymentCreditFailures *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsEventsPublished *prometheus.CounterVec
	natsPublishDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),

		// Verification Metrics
		verificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_verifications_total",
				Help: "Total number of payment verification attempts by outcome category",
			},
			[]string{"tier", "category"},
		),
		verificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payment_verification_duration_seconds",
				Help:    "End-to-end duration of payment verification in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tier", "outcome"},
		),
		verificationTimeoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "payment_verification_timeouts_total",
				Help: "Total number of verifications abandoned at the wall-clock deadline",
			},
		),

		// Payment Metrics
		paymentsCreditedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_credited_total",
				Help: "Total number of subscription credits applied",
			},
			[]string{"tier"},
		),
		paymentCreditFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_credit_failures_total",
				Help: "Total number of persistence failures after successful verification",
			},
			[]string{"tier", "reason"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10, 30},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsEventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_events_published_total",
				Help: "Total number of payment events published to NATS",
			},
			[]string{"event_type", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"event_type"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// Verification metric helpers

// RecordVerification records a verification outcome by taxonomy category
// ("success" for verified payments).
func (m *Metrics) RecordVerification(tier, category string) {
	m.verificationsTotal.WithLabelValues(tier, category).Inc()
}

// RecordVerificationDuration records end-to-end verification duration.
func (m *Metrics) RecordVerificationDuration(tier, outcome string, duration float64) {
	m.verificationDuration.WithLabelValues(tier, outcome).Observe(duration)
}

// RecordVerificationTimeout records a verification abandoned at the deadline.
func (m *Metrics) RecordVerificationTimeout() {
	m.verificationTimeoutsTotal.Inc()
}

// Payment metric helpers

// RecordPaymentCredited records a successful subscription credit.
func (m *Metrics) RecordPaymentCredited(tier string) {
	m.paymentsCreditedTotal.WithLabelValues(tier).Inc()
}

// RecordPaymentCreditFailure records a persistence failure after verification.
func (m *Metrics) RecordPaymentCreditFailure(tier, reason string) {
	m.paymentCreditFailures.WithLabelValues(tier, reason).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordEventPublish records a NATS event publish operation.
func (m *Metrics) RecordEventPublish(eventType, status string, duration float64) {
	m.natsEventsPublished.WithLabelValues(eventType, status).Inc()
	m.natsPublishDuration.WithLabelValues(eventType).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
