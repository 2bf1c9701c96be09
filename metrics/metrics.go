// Package metrics holds the Prometheus collectors of the credit engine.
// Collectors register with the default registry on package init and are
// served by promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "credits"

// =============================================================================
// HTTP
// =============================================================================

var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Total HTTP requests by method, route and status code.",
}, []string{"method", "route", "code"})

var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "route"})

// =============================================================================
// LEDGER
// =============================================================================

// LedgerWrites counts appended transactions by kind.
var LedgerWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "transactions_total",
	Help:      "Total ledger transactions appended, by kind.",
}, []string{"kind"})

// LedgerCredits sums absolute credits moved, by kind.
var LedgerCredits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "credits_total",
	Help:      "Absolute credits moved by appended transactions, by kind.",
}, []string{"kind"})

var RejectedDebits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "rejected_debits_total",
	Help:      "Debits rejected for insufficient credits.",
})

// =============================================================================
// REWARDS & JOBS
// =============================================================================

// RewardClaims counts claim attempts by claim kind and outcome
// (granted, already_claimed, error).
var RewardClaims = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "rewards",
	Name:      "claims_total",
	Help:      "Reward claim attempts by kind and outcome.",
}, []string{"claim", "outcome"})

var PlanActivations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "plans",
	Name:      "activations_total",
	Help:      "Subscription activations by provider and tier.",
}, []string{"provider", "tier"})

// JobRuns counts background job runs by job name and result (ok, error).
var JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "runs_total",
	Help:      "Background job runs by job and result.",
}, []string{"job", "result"})

// JobItemFailures counts per-item failures inside batch jobs.
var JobItemFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "item_failures_total",
	Help:      "Per-account or per-log failures inside batch jobs.",
}, []string{"job"})

var UsageEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "usage",
	Name:      "events_total",
	Help:      "Usage events received from the queue by outcome (recorded, duplicate, malformed, retry).",
}, []string{"outcome"})
