// README: Prometheus collectors for dispatch, scheduler jobs, ride transitions and HTTP traffic.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ridedispatch"

var (
	// DispatchOutcomes counts assignment attempts by outcome: assigned, pending, claim_lost, error.
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Dispatch attempts by outcome"},
		[]string{"outcome"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_latency_seconds",
		Help:      "Nearest-driver lookup latency",
		Buckets:   prometheus.DefBuckets,
	})
	MatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_candidates",
		Help:      "Eligible drivers returned per nearest-driver lookup",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Accepted ride status transitions by target status"},
		[]string{"status"},
	)

	// JobRuns counts scheduler job executions by name and outcome: ok, retry, dead, error.
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "job_runs_total", Help: "Scheduler job executions"},
		[]string{"name", "outcome"},
	)
	JobsScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "jobs_scheduled_total", Help: "Jobs enqueued by name"},
		[]string{"name"},
	)

	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_failed_total", Help: "Notification sink failures by sink"},
		[]string{"sink"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
