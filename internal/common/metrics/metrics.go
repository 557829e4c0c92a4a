// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_jobs_completed_total",
			Help: "Total number of sync jobs completed",
		},
		[]string{"provider", "sync_type"},
	)

	SyncJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_jobs_failed_total",
			Help: "Total number of sync jobs failed",
		},
		[]string{"provider", "error_type"},
	)

	SyncItemErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_item_errors_total",
			Help: "Per-application errors collected during sync passes",
		},
		[]string{"provider", "error_type"},
	)

	ConflictsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_conflicts_detected_total",
			Help: "Field conflicts detected between local and external records",
		},
		[]string{"provider", "conflict_type"},
	)

	ConflictsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_conflicts_resolved_total",
			Help: "Conflicts resolved, by strategy and action",
		},
		[]string{"strategy", "action"},
	)

	RetriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_retries_scheduled_total",
			Help: "Retry attempts scheduled for retryable failures",
		},
		[]string{"provider", "operation"},
	)

	RetriesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_retries_executed_total",
			Help: "Due retry chains re-executed, by outcome",
		},
		[]string{"provider", "outcome"},
	)

	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_webhooks_received_total",
			Help: "Inbound webhook deliveries, by outcome",
		},
		[]string{"provider", "outcome"},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "sync_pass_duration_seconds",
			Help: "Duration of one provider sync pass in seconds",
		},
		[]string{"provider", "sync_type"},
	)

	SyncJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_jobs_active",
			Help: "Number of sync jobs currently running",
		},
		[]string{"provider"},
	)
)
