package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Workflow metrics
var (
	// WorkflowTransitionsTotal counts workflow state transitions by action and resulting status.
	WorkflowTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hr_approvals_workflow_transitions_total",
			Help: "Workflow state transitions",
		},
		[]string{"resource_type", "action", "status"},
	)

	// WorkflowRejectedActionsTotal counts transitions refused by state, authority or race.
	WorkflowRejectedActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hr_approvals_workflow_rejected_actions_total",
			Help: "Workflow actions rejected before any state change",
		},
		[]string{"action", "code"},
	)

	// ApproverResolutionEmptyTotal counts steps for which nobody qualified.
	ApproverResolutionEmptyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hr_approvals_approver_resolution_empty_total",
			Help: "Approver resolutions that found no eligible approver",
		},
		[]string{"resource_type"},
	)

	// ApproverResolutionDuration observes the time spent resolving approvers.
	ApproverResolutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hr_approvals_approver_resolution_duration_seconds",
			Help:    "Approver resolution latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

// Ledger metrics
var (
	// LedgerMutationsTotal counts balance ledger mutations by operation.
	LedgerMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hr_approvals_ledger_mutations_total",
			Help: "Leave balance ledger mutations",
		},
		[]string{"operation"},
	)
)

// Dispatcher metrics
var (
	// DispatchTasksTotal counts best-effort tasks by name and result.
	DispatchTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hr_approvals_dispatch_tasks_total",
			Help: "Asynchronous side-effect tasks by result",
		},
		[]string{"task", "result"}, // result: ok | failed | dropped | panicked
	)

	// DispatchQueueDepth tracks queued tasks.
	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hr_approvals_dispatch_queue_depth",
			Help: "Tasks waiting in the dispatch queue",
		},
	)
)
