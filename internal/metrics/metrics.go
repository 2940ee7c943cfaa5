package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the service exports. A single instance is
// created in main and passed down explicitly; nothing registers against the
// package-global default registry, so parallel tests get isolated registries.
type Metrics struct {
	Registry *prometheus.Registry

	// Webhook ingress
	WebhookRequests          *prometheus.CounterVec // event, action, code
	WebhookInvalidSignatures prometheus.Counter
	WebhookParseFailures     *prometheus.CounterVec // event

	// Queue
	EventsEnqueued    *prometheus.CounterVec // owner, repo
	EventsDeduped     *prometheus.CounterVec // owner, repo
	QueuePushFailures *prometheus.CounterVec // owner, repo
	QueuePops         *prometheus.CounterVec // owner, repo
	QueuePopsEmpty    *prometheus.CounterVec // owner, repo
	QueueDepth        *prometheus.GaugeVec   // owner, repo
	QueueOldestAge    *prometheus.GaugeVec   // owner, repo
	RedisLatency      *prometheus.HistogramVec // op

	// Workers
	WorkerLockAcquired *prometheus.CounterVec   // owner, repo
	WorkerLockFailed   *prometheus.CounterVec   // owner, repo
	WorkerLockLost     *prometheus.CounterVec   // owner, repo
	WorkerActive       *prometheus.GaugeVec     // owner, repo
	WorkerProcessing   *prometheus.HistogramVec // phase, owner, repo
	Retries            *prometheus.CounterVec   // phase, reason
	StarvationRequeues *prometheus.CounterVec   // owner, repo
	DLQPushes          *prometheus.CounterVec   // owner, repo

	// GitHub API
	APIRequests        *prometheus.CounterVec   // endpoint, status
	APILatency         *prometheus.HistogramVec // endpoint
	RateLimitRemaining *prometheus.GaugeVec     // installation
	RateLimitReset     *prometheus.GaugeVec     // installation
	Throttles          *prometheus.CounterVec   // scope, reason
	BackpressureActive *prometheus.GaugeVec     // installation
	ConfigLoadFailures prometheus.Counter

	// Merge behavior
	BranchUpdates *prometheus.CounterVec // result
	ChecksWait    prometheus.Histogram
	MergeAttempts *prometheus.CounterVec // method, result
	MergesSuccess *prometheus.CounterVec // method
	MergesFailed  *prometheus.CounterVec // reason
	MergeBlocked  *prometheus.CounterVec // reason

	ServiceInfo *prometheus.GaugeVec // version
}

func New(version string) *Metrics {
	reg := prometheus.NewRegistry()

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
		reg.MustRegister(g)
		return g
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
		reg.MustRegister(h)
		return h
	}

	m := &Metrics{
		Registry: reg,

		WebhookRequests: counter("webhook_requests_total",
			"Webhook requests received", "event", "action", "code"),
		WebhookParseFailures: counter("webhook_parse_failures_total",
			"Webhook payload parse failures", "event"),

		EventsEnqueued: counter("events_enqueued_total",
			"Events accepted and enqueued (after dedupe)", "owner", "repo"),
		EventsDeduped: counter("events_deduped_total",
			"Events dropped due to in-queue dedupe", "owner", "repo"),
		QueuePushFailures: counter("queue_push_failures_total",
			"Queue store push errors", "owner", "repo"),
		QueuePops: counter("queue_pop_total",
			"Successful pops for processing", "owner", "repo"),
		QueuePopsEmpty: counter("queue_pop_empty_total",
			"Empty pops (no queue items)", "owner", "repo"),
		QueueDepth: gauge("queue_depth",
			"Current queue depth", "owner", "repo"),
		QueueOldestAge: gauge("queue_oldest_age_seconds",
			"Age in seconds of the oldest queued item (0 if empty)", "owner", "repo"),
		RedisLatency: histogram("redis_latency_seconds",
			"Round-trip latency for queue store operations",
			[]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}, "op"),

		WorkerLockAcquired: counter("worker_lock_acquired_total",
			"Worker lock acquisitions", "owner", "repo"),
		WorkerLockFailed: counter("worker_lock_failed_total",
			"Worker lock acquisition failures", "owner", "repo"),
		WorkerLockLost: counter("worker_lock_lost_total",
			"Worker lock lost mid-processing", "owner", "repo"),
		WorkerActive: gauge("worker_active",
			"1 when a worker holds the repo lock and is processing; 0 otherwise", "owner", "repo"),
		WorkerProcessing: histogram("worker_processing_seconds",
			"Worker phase durations",
			[]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			"phase", "owner", "repo"),
		Retries: counter("retries_total",
			"Retries by phase and reason", "phase", "reason"),
		StarvationRequeues: counter("starvation_requeue_total",
			"Long-lived head items requeued to the tail to let siblings progress", "owner", "repo"),
		DLQPushes: counter("dlq_pushes_total",
			"Items moved to the dead-letter queue", "owner", "repo"),

		APIRequests: counter("github_api_requests_total",
			"Outbound GitHub API requests", "endpoint", "status"),
		APILatency: histogram("github_api_latency_seconds",
			"Latency of GitHub API requests",
			[]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}, "endpoint"),
		RateLimitRemaining: gauge("github_rate_limit_remaining",
			"GitHub REST API remaining requests", "installation"),
		RateLimitReset: gauge("github_rate_limit_reset",
			"Epoch seconds when the GitHub rate limit resets", "installation"),
		Throttles: counter("throttles_total",
			"Times the service engaged backpressure due to rate limits", "scope", "reason"),
		BackpressureActive: gauge("backpressure_active",
			"1 when backpressure/throttle is active for an installation", "installation"),

		BranchUpdates: counter("branch_updates_total",
			"Attempted update-branch outcomes", "result"),
		MergeAttempts: counter("merge_attempts_total",
			"Merge attempts by method and result", "method", "result"),
		MergesSuccess: counter("merges_success_total",
			"Successful merges by method", "method"),
		MergesFailed: counter("merges_failed_total",
			"Failed merges by reason", "reason"),
		MergeBlocked: counter("merge_blocked_total",
			"PRs dropped because branch protection reports them blocked", "reason"),

		ServiceInfo: gauge("service_info",
			"Service build/version info labeled on 1", "version"),
	}

	m.WebhookInvalidSignatures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhook_invalid_signatures_total",
		Help: "Webhook requests with invalid HMAC signatures",
	})
	reg.MustRegister(m.WebhookInvalidSignatures)

	m.ConfigLoadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "config_load_failures_total",
		Help: "Failures to load repository policy configuration",
	})
	reg.MustRegister(m.ConfigLoadFailures)

	m.ChecksWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "checks_wait_seconds",
		Help:    "Time spent waiting for checks to pass",
		Buckets: []float64{5, 10, 20, 30, 60, 120, 300, 600, 1200, 3600},
	})
	reg.MustRegister(m.ChecksWait)

	m.ServiceInfo.WithLabelValues(version).Set(1)

	return m
}
