// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/seancwalsh/flynn/pkg/usage"
)

// Day parses a YYYY-MM-DD date as midnight UTC and panics on bad input.
func Day(s string) time.Time {
	d, err := time.Parse(usage.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

// NewSnapshot returns a DailyMetricSnapshot for childID on date with typical
// totals. Override individual fields with options.
func NewSnapshot(childID string, date time.Time, opts ...func(*usage.DailyMetricSnapshot)) usage.DailyMetricSnapshot {
	s := usage.DailyMetricSnapshot{
		ChildID:       childID,
		Date:          date,
		TotalTaps:     100,
		UniqueSymbols: 20,
		SessionCount:  5,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithTaps sets the snapshot's total taps.
func WithTaps(n int) func(*usage.DailyMetricSnapshot) {
	return func(s *usage.DailyMetricSnapshot) { s.TotalTaps = n }
}

// WithSymbols sets the snapshot's unique symbol count.
func WithSymbols(n int) func(*usage.DailyMetricSnapshot) {
	return func(s *usage.DailyMetricSnapshot) { s.UniqueSymbols = n }
}

// WithSessions sets the snapshot's session count.
func WithSessions(n int) func(*usage.DailyMetricSnapshot) {
	return func(s *usage.DailyMetricSnapshot) { s.SessionCount = n }
}

// NewBaseline returns a MetricBaseline with four weeks of history and no
// day-of-week factors.
func NewBaseline(childID string, metric usage.MetricName, mean, stdDev float64, opts ...func(*usage.MetricBaseline)) usage.MetricBaseline {
	b := usage.MetricBaseline{
		ChildID:    childID,
		MetricName: metric,
		Mean:       mean,
		StdDev:     stdDev,
		SampleDays: 28,
		UpdatedAt:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// WithSampleDays sets the number of days the baseline was computed over.
func WithSampleDays(n int) func(*usage.MetricBaseline) {
	return func(b *usage.MetricBaseline) { b.SampleDays = n }
}

// WithFactor sets one day-of-week factor.
func WithFactor(day usage.DayKey, f float64) func(*usage.MetricBaseline) {
	return func(b *usage.MetricBaseline) {
		if b.DayOfWeekFactors == nil {
			b.DayOfWeekFactors = make(map[usage.DayKey]float64)
		}
		b.DayOfWeekFactors[day] = f
	}
}

// NewAnomaly returns a persisted-looking critical usage_drop anomaly.
func NewAnomaly(childID string, opts ...func(*usage.Anomaly)) usage.Anomaly {
	a := usage.Anomaly{
		ID:             uuid.New().String(),
		ChildID:        childID,
		Type:           usage.TypeUsageDrop,
		Severity:       usage.SeverityCritical,
		MetricName:     usage.MetricTotalTaps,
		ExpectedValue:  100,
		ActualValue:    60,
		DeviationScore: 4,
		Context: usage.AnomalyContext{
			BaselineMean:       100,
			BaselineStdDev:     10,
			BaselinePeriodDays: 28,
		},
		DetectedForDate: Day("2026-03-02"),
		DetectedAt:      time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC),
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// WithSeverity sets the anomaly severity.
func WithSeverity(s usage.Severity) func(*usage.Anomaly) {
	return func(a *usage.Anomaly) { a.Severity = s }
}
