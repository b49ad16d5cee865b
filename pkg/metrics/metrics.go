package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Enqueue metrics
	MailEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_enqueued_total",
		Help: "Total number of emails accepted into the queue",
	}, []string{"type"})
	MailEnqueueErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_enqueue_errors_total",
		Help: "Total number of rejected or failed enqueue calls",
	}, []string{"reason"})

	// Dispatch cycle metrics. trigger is "scheduler", "http" or "cli".
	DispatchCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_dispatch_cycles_total",
		Help: "Total number of dispatch cycles by result",
	}, []string{"result"})
	DispatchCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailqueue_dispatch_cycle_duration_seconds",
		Help:    "Duration of a full dispatch cycle",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	DispatchTriggers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_dispatch_triggers_total",
		Help: "Total number of dispatch cycle invocations by trigger path",
	}, []string{"trigger"})

	// Per-item outcomes, labelled by transport provider.
	MailClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_claimed_total",
		Help: "Total number of queue items claimed for delivery",
	}, []string{"provider"})
	MailSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_sent_total",
		Help: "Total number of emails delivered to the transport",
	}, []string{"provider"})
	MailRetryScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_retry_scheduled_total",
		Help: "Total number of transient failures re-queued for a later cycle",
	}, []string{"provider"})
	MailFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_failed_total",
		Help: "Total number of emails that reached the failed state",
	}, []string{"provider", "reason"})
	MailReleased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_released_total",
		Help: "Total number of claimed items returned to pending without a send",
	}, []string{"provider"})
	MailClaimLost = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_claim_lost_total",
		Help: "Total number of outcomes discarded because the claim was taken over",
	}, []string{"provider"})
	MailRecordErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_record_errors_total",
		Help: "Total number of outcomes that could not be written because the store failed",
	}, []string{"provider", "op"})
	MailSendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailqueue_send_duration_seconds",
		Help:    "Duration of individual transport send calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "outcome"})

	// QueueDepth is refreshed whenever queue statistics are computed.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailqueue_items",
		Help: "Number of queue items per status at the last statistics refresh",
	}, []string{"status"})

	// Transport connectivity tests run from the settings UI.
	TransportTests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_transport_tests_total",
		Help: "Total number of transport connectivity tests by result",
	}, []string{"provider", "result"})

	// Delivery event sink metrics
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_events_published_total",
		Help: "Total number of delivery events written to a sink",
	}, []string{"sink"})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_events_dropped_total",
		Help: "Total number of delivery events dropped before reaching a sink",
	}, []string{"sink", "reason"})
	EventSinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_event_sink_errors_total",
		Help: "Total number of delivery event sink write errors by error type",
	}, []string{"sink", "error_type"})

	// API metrics
	APIEndpointRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_api_requests_total",
		Help: "Total number of API requests by endpoint and status code",
	}, []string{"endpoint", "code"})
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_api_rate_limited_total",
		Help: "Total number of API requests rejected by the rate limiter",
	}, []string{"scope"})
)

func init() {
	prometheus.MustRegister(MailEnqueued)
	prometheus.MustRegister(MailEnqueueErrors)
	prometheus.MustRegister(DispatchCycles)
	prometheus.MustRegister(DispatchCycleDuration)
	prometheus.MustRegister(DispatchTriggers)
	prometheus.MustRegister(MailClaimed)
	prometheus.MustRegister(MailSent)
	prometheus.MustRegister(MailRetryScheduled)
	prometheus.MustRegister(MailFailed)
	prometheus.MustRegister(MailReleased)
	prometheus.MustRegister(MailClaimLost)
	prometheus.MustRegister(MailRecordErrors)
	prometheus.MustRegister(MailSendDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TransportTests)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(EventSinkErrors)
	prometheus.MustRegister(APIEndpointRequests)
	prometheus.MustRegister(RateLimited)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
