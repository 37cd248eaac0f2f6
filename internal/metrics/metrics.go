package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_jobs_processed_total",
			Help: "Jobs whose handler returned success",
		},
		[]string{"queue"},
	)

	JobsRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_jobs_retried_total",
			Help: "Failed attempts rescheduled with backoff",
		},
		[]string{"queue"},
	)

	JobsExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_jobs_exhausted_total",
			Help: "Jobs that failed their final attempt",
		},
		[]string{"queue"},
	)

	JobsRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_jobs_recovered_total",
			Help: "In-flight jobs returned to the ready set after their lease expired",
		},
		[]string{"queue"},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook POST attempts by outcome",
		},
		[]string{"outcome"},
	)

	WebhookDeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Duration of webhook POST attempts",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebhooksDisabled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhooks_disabled_total",
			Help: "Subscriptions switched to inactive after repeated failures",
		},
	)

	LivePushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_pushes_total",
			Help: "Live notifications by outcome",
		},
		[]string{"outcome"},
	)
)

var registerOnce sync.Once

// Register adds all collectors to reg. Safe to call more than once.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			JobsProcessed,
			JobsRetried,
			JobsExhausted,
			JobsRecovered,
			WebhookDeliveries,
			WebhookDeliveryDuration,
			WebhooksDisabled,
			LivePushes,
		)
	})
}
