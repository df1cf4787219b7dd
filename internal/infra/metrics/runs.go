package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		runsCreatedTotal,
		runsFinishedTotal,
		approvalsResolvedTotal,
	)
}

var (
	runsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_runs_created_total",
			Help: "Runs created, by risk level.",
		},
		[]string{"risk"},
	)

	runsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_runs_finished_total",
			Help: "Runs reaching a terminal state.",
		},
		[]string{"state"}, // 'completed', 'failed'
	)

	approvalsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_approvals_resolved_total",
			Help: "Approval requests resolved, by outcome.",
		},
		[]string{"outcome"}, // 'approved', 'denied', 'expired'
	)
)

func IncRunCreated(risk string) {
	runsCreatedTotal.WithLabelValues(norm(risk)).Inc()
}

func IncRunFinished(state string) {
	runsFinishedTotal.WithLabelValues(norm(state)).Inc()
}

func IncApprovalResolved(outcome string) {
	approvalsResolvedTotal.WithLabelValues(norm(outcome)).Inc()
}
