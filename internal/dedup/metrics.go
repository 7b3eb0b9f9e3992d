package dedup

import "github.com/prometheus/client_golang/prometheus"

var dedupChecks = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "notifq",
		Subsystem: "dedup",
		Name:      "checks_total",
		Help:      "Deduplication checks partitioned by channel and outcome",
	},
	[]string{"channel", "outcome"},
)

func init() {
	prometheus.MustRegister(dedupChecks)
}
