package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the service.
type Metrics struct {
	// HTTP server metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Payment lifecycle metrics
	PaymentsInitiated *prometheus.CounterVec
	PaymentsCompleted *prometheus.CounterVec
	PaymentAmount     *prometheus.HistogramVec
	RefundsInitiated  *prometheus.CounterVec
	RefundsCompleted  *prometheus.CounterVec
	RefundAmount      *prometheus.HistogramVec

	// Processor API metrics
	ProcessorRequests *prometheus.CounterVec
	ProcessorDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhookEvents            *prometheus.CounterVec
	WebhookSignatureFailures prometheus.Counter
	WebhookDuration          prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		}),

		PaymentsInitiated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_initiated_total",
			Help: "Payment intents created, by currency",
		}, []string{"currency"}),
		PaymentsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_completed_total",
			Help: "Payments reaching a terminal status, by status",
		}, []string{"status"}),
		PaymentAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payment_amount",
			Help:    "Distribution of payment amounts in major units",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"currency"}),
		RefundsInitiated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "refunds_initiated_total",
			Help: "Refunds created, by origin (local or webhook)",
		}, []string{"origin"}),
		RefundsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "refunds_completed_total",
			Help: "Refunds reaching a terminal status, by status",
		}, []string{"status"}),
		RefundAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refund_amount",
			Help:    "Distribution of refund amounts in major units",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"currency"}),

		ProcessorRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "processor_requests_total",
			Help: "Calls to the card processor API, by operation and result",
		}, []string{"operation", "result"}),
		ProcessorDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "processor_request_duration_seconds",
			Help:    "Card processor API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		WebhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Webhook events received, by event type and outcome",
		}, []string{"event_type", "outcome"}),
		WebhookSignatureFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "webhook_signature_failures_total",
			Help: "Webhook deliveries rejected for a missing or invalid signature",
		}),
		WebhookDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_processing_duration_seconds",
			Help:    "Webhook event processing latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordProcessorCall records one call to the processor API.
func (m *Metrics) RecordProcessorCall(operation, result string, duration time.Duration) {
	m.ProcessorRequests.WithLabelValues(operation, result).Inc()
	m.ProcessorDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordWebhookEvent records a processed webhook delivery.
func (m *Metrics) RecordWebhookEvent(eventType, outcome string, duration time.Duration) {
	m.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	m.WebhookDuration.Observe(duration.Seconds())
}
