package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		messagesIngestedTotal,
		messagesDedupedTotal,
		policyRejectionsTotal,
	)
}

var (
	messagesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_ingested_total",
			Help: "Incoming messages accepted for handling, by channel.",
		},
		[]string{"channel"},
	)

	messagesDedupedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_deduped_total",
			Help: "Messages dropped before handling, by reason.",
		},
		[]string{"reason"}, // 'duplicate', 'self_echo', 'outbound_echo'
	)

	policyRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_policy_rejections_total",
			Help: "Messages rejected by the policy engine, by reason.",
		},
		[]string{"reason"}, // 'sender', 'workspace', 'rate_limit'
	)
)

func IncMessageIngested(channel string) {
	messagesIngestedTotal.WithLabelValues(norm(channel)).Inc()
}

func IncMessageDeduped(reason string) {
	messagesDedupedTotal.WithLabelValues(norm(reason)).Inc()
}

func IncPolicyRejection(reason string) {
	policyRejectionsTotal.WithLabelValues(norm(reason)).Inc()
}
