package detection

import "github.com/prometheus/client_golang/prometheus"

// Prometheus detection metrics.
var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flynn_detection_runs_total",
			Help: "Total number of detection runs by outcome.",
		},
		[]string{"outcome"},
	)
	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flynn_detection_run_duration_seconds",
			Help:    "Detection run duration in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)
	childrenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flynn_detection_children_total",
			Help: "Children scanned by detection runs, by outcome.",
		},
		[]string{"outcome"},
	)
	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flynn_anomalies_detected_total",
			Help: "Persisted anomalies by type and severity.",
		},
		[]string{"type", "severity"},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(childrenTotal)
	prometheus.MustRegister(anomaliesTotal)
}
