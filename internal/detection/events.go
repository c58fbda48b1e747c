package detection

// Event topics published by the detection module.
const (
	// TopicAnomalyDetected carries a persisted usage.Anomaly.
	TopicAnomalyDetected = "detection.anomaly.detected"
	// TopicRunCompleted carries the JobResult of a finished run.
	TopicRunCompleted = "detection.run.completed"
)
