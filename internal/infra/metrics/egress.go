package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		egressSendsTotal,
		followUpsFiredTotal,
	)
}

var (
	egressSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_egress_sends_total",
			Help: "Outbound messages sent through a channel, by status.",
		},
		[]string{"channel", "status"}, // status: 'sent', 'error'
	)

	followUpsFiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_followups_fired_total",
			Help: "Scheduled follow-up actions fired by the poller.",
		},
	)
)

func IncEgressSend(channel, status string) {
	egressSendsTotal.WithLabelValues(norm(channel), norm(status)).Inc()
}

func AddFollowUpsFired(count int) {
	followUpsFiredTotal.Add(float64(count))
}
