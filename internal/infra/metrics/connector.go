package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		connectorTurnsTotal,
		connectorTurnLatencyMs,
		connectorPromptTokens,
	)
}

var (
	connectorTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_connector_turns_total",
			Help: "Agent turns executed, by connector and outcome.",
		},
		[]string{"connector", "outcome"}, // outcome: 'ok', 'timeout', 'error'
	)

	connectorTurnLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_connector_turn_latency_ms",
			Help:    "Agent turn latency distribution in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 15000, 60000, 300000},
		},
		[]string{"connector", "success"},
	)

	connectorPromptTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_connector_prompt_tokens",
			Help: "Sum of prompt tokens sent to the agent per connector.",
		},
		[]string{"connector"},
	)
)

func ObserveConnectorTurn(connector, outcome string, elapsed time.Duration) {
	connectorTurnsTotal.WithLabelValues(norm(connector), norm(outcome)).Inc()
	success := strconv.FormatBool(outcome == "ok")
	connectorTurnLatencyMs.WithLabelValues(norm(connector), success).Observe(float64(elapsed.Milliseconds()))
}

func AddPromptTokens(connector string, n int) {
	connectorPromptTokens.WithLabelValues(norm(connector)).Add(float64(n))
}
