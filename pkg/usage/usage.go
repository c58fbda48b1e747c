// Package usage provides the public types for Flynn's AAC usage tracking:
// daily usage rollups, per-metric baselines, and detected anomalies.
package usage

import (
	"strings"
	"time"
)

// DateLayout is the canonical day format used for snapshot and detection dates.
const DateLayout = "2006-01-02"

// MetricName identifies a tracked daily usage metric.
type MetricName string

// Tracked metrics, in detection order.
const (
	MetricTotalTaps     MetricName = "total_taps"
	MetricUniqueSymbols MetricName = "unique_symbols"
	MetricSessionCount  MetricName = "session_count"
)

// TrackedMetrics lists the metrics scanned on every detection run.
// The order is significant: detected anomalies are reported in this order.
var TrackedMetrics = []MetricName{
	MetricTotalTaps,
	MetricUniqueSymbols,
	MetricSessionCount,
}

// Severity classifies how statistically extreme a deviation is.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for threshold comparisons. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

// AnomalyType is the metric- and direction-specific label of an anomaly.
type AnomalyType string

const (
	TypeUsageDrop            AnomalyType = "usage_drop"
	TypeUsageSpike           AnomalyType = "usage_spike"
	TypeVocabularyRegression AnomalyType = "vocabulary_regression"
	TypeVocabularyExpansion  AnomalyType = "vocabulary_expansion"
	TypeSessionDrop          AnomalyType = "session_drop"
	TypeSessionSpike         AnomalyType = "session_spike"
)

// DayKey is the lowercase three-letter day-of-week key used by baseline factors.
type DayKey string

const (
	Sunday    DayKey = "sun"
	Monday    DayKey = "mon"
	Tuesday   DayKey = "tue"
	Wednesday DayKey = "wed"
	Thursday  DayKey = "thu"
	Friday    DayKey = "fri"
	Saturday  DayKey = "sat"
)

var dayKeys = [7]DayKey{Sunday, Monday, Tuesday, Wednesday, Thursday, Friday, Saturday}

// DayKeyFor returns the day-of-week key for t in its own location.
func DayKeyFor(t time.Time) DayKey {
	return dayKeys[t.Weekday()]
}

// ParseDayKey normalizes a day key such as "Mon" or "monday". It reports
// false for anything that is not a day of the week.
func ParseDayKey(s string) (DayKey, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 3 {
		return "", false
	}
	for i, k := range dayKeys {
		if strings.HasPrefix(s, string(k)) && strings.HasPrefix(dayNames[i], s) {
			return k, true
		}
	}
	return "", false
}

var dayNames = [7]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

// DailyMetricSnapshot is one child's usage totals for a single day.
// Produced by the upstream aggregator and never modified afterwards.
type DailyMetricSnapshot struct {
	ChildID       string    `json:"child_id"`
	Date          time.Time `json:"date"`
	TotalTaps     int       `json:"total_taps"`
	UniqueSymbols int       `json:"unique_symbols"`
	SessionCount  int       `json:"session_count"`
}

// Value returns the snapshot's value for a tracked metric.
func (s *DailyMetricSnapshot) Value(metric MetricName) (float64, bool) {
	switch metric {
	case MetricTotalTaps:
		return float64(s.TotalTaps), true
	case MetricUniqueSymbols:
		return float64(s.UniqueSymbols), true
	case MetricSessionCount:
		return float64(s.SessionCount), true
	default:
		return 0, false
	}
}

// MetricBaseline holds the rolling statistics of one metric for one child.
type MetricBaseline struct {
	ChildID          string             `json:"child_id"`
	MetricName       MetricName         `json:"metric_name"`
	Mean             float64            `json:"mean"`
	StdDev           float64            `json:"std_dev"`
	SampleDays       int                `json:"sample_days"`
	DayOfWeekFactors map[DayKey]float64 `json:"day_of_week_factors,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Factor returns the multiplicative day-of-week factor for day, if any.
func (b *MetricBaseline) Factor(day DayKey) (float64, bool) {
	if b.DayOfWeekFactors == nil {
		return 0, false
	}
	f, ok := b.DayOfWeekFactors[day]
	return f, ok
}

// AnomalyContext records the baseline a classification was made against.
type AnomalyContext struct {
	BaselineMean       float64  `json:"baseline_mean"`
	BaselineStdDev     float64  `json:"baseline_std_dev"`
	BaselinePeriodDays int      `json:"baseline_period_days"`
	DayOfWeekFactor    *float64 `json:"day_of_week_factor,omitempty"`
}

// Anomaly is a detected, persisted deviation from a child's baseline.
type Anomaly struct {
	ID              string         `json:"id"`
	ChildID         string         `json:"child_id"`
	Type            AnomalyType    `json:"type"`
	Severity        Severity       `json:"severity"`
	MetricName      MetricName     `json:"metric_name"`
	ExpectedValue   float64        `json:"expected_value"`
	ActualValue     float64        `json:"actual_value"`
	DeviationScore  float64        `json:"deviation_score"` // |Z|
	Context         AnomalyContext `json:"context"`
	DetectedForDate time.Time      `json:"detected_for_date"`
	DetectedAt      time.Time      `json:"detected_at"`

	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Resolution     string     `json:"resolution,omitempty"`
}
