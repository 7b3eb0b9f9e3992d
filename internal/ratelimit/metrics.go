package ratelimit

import "github.com/prometheus/client_golang/prometheus"

var decisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "notifq",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Admission decisions partitioned by denying scope and outcome",
	},
	[]string{"scope", "outcome"},
)

func init() {
	prometheus.MustRegister(decisions)
}
