package taskqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CASOutcomes tracks every CAS attempt by transition and whether the
	// predicate matched.
	CASOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskqueue_cas_outcomes_total",
		Help: "CAS transition attempts by transition name and outcome (applied/rejected)",
	}, []string{"transition", "outcome"})

	// Transitions tracks successful transitions by task type.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskqueue_transitions_total",
		Help: "Successful state transitions by task_type and transition name",
	}, []string{"task_type", "transition"})

	// Bounces tracks how many times tasks have been bounced.
	Bounces = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskqueue_bounces_total",
		Help: "Applied bounce transitions by task_type",
	}, []string{"task_type"})

	// WatcherPollDuration tracks the latency of one watcher poll: a
	// FindNextEligible call including any retries and backoff.
	WatcherPollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskqueue_watcher_poll_duration_seconds",
		Help:    "Duration of a single watcher eligibility poll",
		Buckets: prometheus.DefBuckets,
	})

	// TTLBacklog tracks how many terminal tasks are still awaiting TTL
	// sweep, sampled by cmd/taskqueued's background collector.
	TTLBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskqueue_ttl_backlog",
		Help: "Terminal tasks whose remove_at has not yet been reached",
	})

	// HookFailures tracks subtype lifecycle hook failures (spec §4.4, §7
	// policy: logged and counted, never rolled back).
	HookFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskqueue_hook_failures_total",
		Help: "Subtype lifecycle hook failures by hook name",
	}, []string{"hook"})
)
