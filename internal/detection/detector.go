package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/seancwalsh/flynn/internal/detection/anomaly"
	"github.com/seancwalsh/flynn/pkg/usage"
)

// SnapshotSource loads a child's daily usage totals. A missing day is
// returned as (nil, nil).
type SnapshotSource interface {
	Snapshot(ctx context.Context, childID string, date time.Time) (*usage.DailyMetricSnapshot, error)
}

// BaselineSource loads every baseline stored for a child.
type BaselineSource interface {
	Baselines(ctx context.Context, childID string) ([]usage.MetricBaseline, error)
}

// Detector tests one child's day against that child's baselines. It has no
// persistence side effects.
type Detector struct {
	snapshots SnapshotSource
	baselines BaselineSource
}

// NewDetector creates a Detector reading from the given sources.
func NewDetector(snapshots SnapshotSource, baselines BaselineSource) *Detector {
	return &Detector{snapshots: snapshots, baselines: baselines}
}

// Detect returns the anomalies for childID on date, in tracked-metric order.
// A day without a snapshot, a child without baselines, and metrics whose
// baseline is missing or has too few sample days all yield no anomalies.
func (d *Detector) Detect(ctx context.Context, childID string, date time.Time, cfg anomaly.Config) ([]usage.Anomaly, error) {
	snap, err := d.snapshots.Snapshot(ctx, childID, date)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		return nil, nil
	}

	baselines, err := d.baselines.Baselines(ctx, childID)
	if err != nil {
		return nil, fmt.Errorf("load baselines: %w", err)
	}
	if len(baselines) == 0 {
		return nil, nil
	}
	byMetric := make(map[usage.MetricName]usage.MetricBaseline, len(baselines))
	for _, b := range baselines {
		byMetric[b.MetricName] = b
	}

	dayKey := usage.DayKeyFor(date)
	var found []usage.Anomaly
	for _, metric := range usage.TrackedMetrics {
		b, ok := byMetric[metric]
		if !ok || !cfg.Sufficient(b) {
			continue
		}
		actual, _ := snap.Value(metric)
		c, ok := anomaly.Classify(actual, b, dayKey, cfg)
		if !ok {
			continue
		}
		found = append(found, usage.Anomaly{
			ChildID:        childID,
			Type:           c.Type,
			Severity:       c.Severity,
			MetricName:     metric,
			ExpectedValue:  c.Expected,
			ActualValue:    c.Actual,
			DeviationScore: c.DeviationScore(),
			Context: usage.AnomalyContext{
				BaselineMean:       b.Mean,
				BaselineStdDev:     b.StdDev,
				BaselinePeriodDays: b.SampleDays,
				DayOfWeekFactor:    c.Factor,
			},
			DetectedForDate: dayOf(date),
		})
	}
	return found, nil
}
