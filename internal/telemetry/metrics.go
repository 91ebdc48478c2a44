package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs enqueued, by family"}, []string{"family"})
	DedupCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueue_deduped_total", Help: "Enqueue requests collapsed onto an active job"}, []string{"family"})
	ClaimCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Jobs leased to workers"}, []string{"family"})
	CompleteCounter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Completion verdicts, by family and status"}, []string{"family", "status"})
	IgnoredCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completion_ignored_total", Help: "Stale or duplicate completions, by reason"}, []string{"reason"})
	WakeDecisions    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "worker_wake_decisions_total", Help: "Poll delay decisions, by reason"}, []string{"reason"})
	LeaseReclaims    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_lease_reclaims_total", Help: "Expired processing leases returned to pending"})
	WebhookReceived  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhook_events_received_total", Help: "Webhook deliveries admitted past signature check"}, []string{"provider"})
	WebhookDeduped   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhook_events_deduped_total", Help: "Webhook redeliveries collapsed by record-once"}, []string{"provider"})
	WebhookFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhook_events_failed_total", Help: "Webhook processing failures"}, []string{"provider"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_rate_limit_rejects_total", Help: "Webhook deliveries rejected by the rate limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DedupCounter,
			ClaimCounter,
			CompleteCounter,
			IgnoredCounter,
			WakeDecisions,
			LeaseReclaims,
			WebhookReceived,
			WebhookDeduped,
			WebhookFailed,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
