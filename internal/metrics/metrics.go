// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeSuccess       = "success"
	OutcomeProviderError = "provider_error"
	OutcomeNoCustomer    = "no_customer"
	OutcomeStoreError    = "store_error"
)

var (
	// CheckoutSessionsTotal counts checkout session attempts by outcome.
	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paywire",
		Name:      "checkout_sessions_total",
		Help:      "Checkout session creation attempts by outcome.",
	}, []string{"outcome"})

	// PortalSessionsTotal counts billing portal session attempts by outcome.
	PortalSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paywire",
		Name:      "portal_sessions_total",
		Help:      "Billing portal session creation attempts by outcome.",
	}, []string{"outcome"})

	// WebhookRequestsTotal counts webhook deliveries by mode, event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paywire",
		Name:      "webhook_requests_total",
		Help:      "Webhook deliveries by mode, event type and HTTP status.",
	}, []string{"mode", "event_type", "status"})

	// WebhookDuration tracks webhook handling latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paywire",
		Name:      "webhook_duration_seconds",
		Help:      "Webhook handling duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// DirectoryWritesTotal counts customer association writes by outcome.
	DirectoryWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paywire",
		Name:      "directory_writes_total",
		Help:      "Customer directory writes by outcome.",
	}, []string{"outcome"})
)
