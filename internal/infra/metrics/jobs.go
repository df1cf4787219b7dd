package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		runJobsProcessedTotal,
		runJobsRequeuedTotal,
	)
}

var (
	runJobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_run_jobs_processed_total",
			Help: "Run jobs finished by the executor pool, labeled by status.",
		},
		[]string{"status"}, // 'completed', 'failed', 'abandoned'
	)

	runJobsRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_run_jobs_requeued_total",
			Help: "Run jobs returned to the queue after their lease expired.",
		},
	)
)

func IncRunJob(status string) {
	runJobsProcessedTotal.WithLabelValues(norm(status)).Inc()
}

func AddRequeuedJobs(count int) {
	runJobsRequeuedTotal.Add(float64(count))
}
