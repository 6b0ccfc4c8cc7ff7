// Package metrics exposes the billing engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhooksTotal counts webhook deliveries by response outcome.
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vision_billing_webhooks_total",
			Help: "Total number of billing webhooks by outcome",
		},
		[]string{"outcome"},
	)

	// GrantsTotal counts grant attempts by result (granted or skip reason).
	GrantsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vision_billing_grants_total",
			Help: "Total number of credit grant attempts by result",
		},
		[]string{"result"},
	)

	// CreditsGrantedTotal sums credits added to balances.
	CreditsGrantedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vision_billing_credits_granted_total",
			Help: "Total number of credits granted",
		},
	)

	// CreditsConsumedTotal sums credits debited from balances.
	CreditsConsumedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vision_billing_credits_consumed_total",
			Help: "Total number of credits consumed",
		},
	)

	// DivergenceTotal counts upserts where the polar-id and user-id lookups disagreed.
	DivergenceTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vision_billing_subscription_divergence_total",
			Help: "Total number of subscription upserts with divergent lookups",
		},
	)

	// WorkflowRunsTotal counts workflow runs reaching a status.
	WorkflowRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vision_billing_workflow_runs_total",
			Help: "Total number of billing workflow run transitions by status",
		},
		[]string{"status"},
	)

	// WorkflowStepDuration observes step execution time.
	WorkflowStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vision_billing_workflow_step_duration_seconds",
			Help:    "Billing workflow step duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	// JobsTotal counts job queue outcomes by type.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vision_jobqueue_jobs_total",
			Help: "Total number of processed jobs by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)
