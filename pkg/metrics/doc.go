// Package metrics defines Prometheus metrics for the mail queue service,
// covering enqueueing, dispatch cycles, per-item delivery outcomes, transport
// health, delivery event sinks and API requests.
package metrics
