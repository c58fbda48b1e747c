package notify

import "github.com/prometheus/client_golang/prometheus"

var notificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flynn_notifications_total",
		Help: "Anomaly notifications by outcome (sent, suppressed, failed).",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(notificationsTotal)
}
