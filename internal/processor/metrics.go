package processor

import "github.com/prometheus/client_golang/prometheus"

var (
	inFlightGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "notifq",
			Subsystem: "processor",
			Name:      "in_flight",
			Help:      "Deliveries currently executing",
		},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notifq",
			Subsystem: "processor",
			Name:      "deliveries_total",
			Help:      "Finished delivery attempts partitioned by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(inFlightGauge)
	prometheus.MustRegister(deliveries)
}
