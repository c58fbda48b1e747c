package detection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seancwalsh/flynn/internal/detection/anomaly"
	"github.com/seancwalsh/flynn/internal/testutil"
	"github.com/seancwalsh/flynn/pkg/usage"
)

// fakeSource is an in-memory SnapshotSource and BaselineSource.
type fakeSource struct {
	snapshots   map[string]usage.DailyMetricSnapshot // keyed by child id
	baselines   map[string][]usage.MetricBaseline
	baselineErr map[string]error
	block       map[string]bool // Baselines waits for ctx cancellation
	children    []string

	baselineCalls atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		snapshots:   make(map[string]usage.DailyMetricSnapshot),
		baselines:   make(map[string][]usage.MetricBaseline),
		baselineErr: make(map[string]error),
		block:       make(map[string]bool),
	}
}

func (f *fakeSource) Snapshot(_ context.Context, childID string, date time.Time) (*usage.DailyMetricSnapshot, error) {
	s, ok := f.snapshots[childID]
	if !ok || !s.Date.Equal(date) {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeSource) Baselines(ctx context.Context, childID string) ([]usage.MetricBaseline, error) {
	f.baselineCalls.Add(1)
	if f.block[childID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := f.baselineErr[childID]; err != nil {
		return nil, err
	}
	return f.baselines[childID], nil
}

func (f *fakeSource) ChildIDs(context.Context) ([]string, error) {
	return f.children, nil
}

var monday = testutil.Day("2026-03-02")

func TestDetect_AllMetrics(t *testing.T) {
	src := newFakeSource()
	src.snapshots["child-1"] = testutil.NewSnapshot("child-1", monday,
		testutil.WithTaps(60), testutil.WithSymbols(32), testutil.WithSessions(0))
	src.baselines["child-1"] = []usage.MetricBaseline{
		// Out of order on purpose: output follows the tracked metric order.
		testutil.NewBaseline("child-1", usage.MetricSessionCount, 5, 0),
		testutil.NewBaseline("child-1", usage.MetricUniqueSymbols, 20, 5),
		testutil.NewBaseline("child-1", usage.MetricTotalTaps, 100, 10),
	}

	got, err := NewDetector(src, src).Detect(context.Background(), "child-1", monday, anomaly.DefaultConfig())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Detect() returned %d anomalies, want 2", len(got))
	}

	taps := got[0]
	if taps.MetricName != usage.MetricTotalTaps || taps.Type != usage.TypeUsageDrop || taps.Severity != usage.SeverityCritical {
		t.Errorf("first anomaly = %s/%s/%s", taps.MetricName, taps.Type, taps.Severity)
	}
	if taps.ExpectedValue != 100 || taps.ActualValue != 60 || taps.DeviationScore != 4 {
		t.Errorf("taps values = %v/%v/%v", taps.ExpectedValue, taps.ActualValue, taps.DeviationScore)
	}
	if taps.Context.BaselineMean != 100 || taps.Context.BaselineStdDev != 10 || taps.Context.BaselinePeriodDays != 28 {
		t.Errorf("taps context = %+v", taps.Context)
	}
	if taps.Context.DayOfWeekFactor != nil {
		t.Errorf("DayOfWeekFactor = %v, want nil", *taps.Context.DayOfWeekFactor)
	}
	if !taps.DetectedForDate.Equal(monday) || taps.ChildID != "child-1" {
		t.Errorf("taps identity = %s %v", taps.ChildID, taps.DetectedForDate)
	}

	symbols := got[1]
	if symbols.Type != usage.TypeVocabularyExpansion || symbols.Severity != usage.SeverityWarning {
		t.Errorf("second anomaly = %s/%s, want vocabulary_expansion/warning", symbols.Type, symbols.Severity)
	}
}

func TestDetect_NoSnapshot(t *testing.T) {
	src := newFakeSource()
	src.baselines["child-1"] = []usage.MetricBaseline{
		testutil.NewBaseline("child-1", usage.MetricTotalTaps, 100, 10),
	}

	got, err := NewDetector(src, src).Detect(context.Background(), "child-1", monday, anomaly.DefaultConfig())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Detect() = %v, want empty", got)
	}
	if n := src.baselineCalls.Load(); n != 0 {
		t.Errorf("baselines loaded %d times for a quiet day, want 0", n)
	}
}

func TestDetect_NoBaselines(t *testing.T) {
	src := newFakeSource()
	src.snapshots["child-1"] = testutil.NewSnapshot("child-1", monday, testutil.WithTaps(0))

	got, err := NewDetector(src, src).Detect(context.Background(), "child-1", monday, anomaly.DefaultConfig())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Detect() = %v, want empty", got)
	}
}

func TestDetect_InsufficientSampleDays(t *testing.T) {
	src := newFakeSource()
	src.snapshots["child-1"] = testutil.NewSnapshot("child-1", monday, testutil.WithTaps(100000))
	src.baselines["child-1"] = []usage.MetricBaseline{
		testutil.NewBaseline("child-1", usage.MetricTotalTaps, 100, 10, testutil.WithSampleDays(6)),
	}

	got, err := NewDetector(src, src).Detect(context.Background(), "child-1", monday, anomaly.DefaultConfig())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Detect() with 6 sample days = %v, want empty", got)
	}

	cfg := anomaly.DefaultConfig()
	cfg.MinSampleDays = 5
	got, err = NewDetector(src, src).Detect(context.Background(), "child-1", monday, cfg)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Detect() with lowered minimum returned %d, want 1", len(got))
	}
}

func TestDetect_DayOfWeekFactorRecorded(t *testing.T) {
	saturday := testutil.Day("2026-03-07")
	src := newFakeSource()
	src.snapshots["child-1"] = testutil.NewSnapshot("child-1", saturday, testutil.WithTaps(90))
	src.baselines["child-1"] = []usage.MetricBaseline{
		testutil.NewBaseline("child-1", usage.MetricTotalTaps, 100, 10, testutil.WithFactor(usage.Saturday, 0.5)),
	}

	got, err := NewDetector(src, src).Detect(context.Background(), "child-1", saturday, anomaly.DefaultConfig())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Detect() returned %d, want 1", len(got))
	}
	if got[0].ExpectedValue != 50 {
		t.Errorf("ExpectedValue = %v, want adjusted 50", got[0].ExpectedValue)
	}
	if f := got[0].Context.DayOfWeekFactor; f == nil || *f != 0.5 {
		t.Errorf("Context.DayOfWeekFactor = %v, want 0.5", f)
	}
	if got[0].Context.BaselineMean != 100 {
		t.Errorf("Context.BaselineMean = %v, want raw mean 100", got[0].Context.BaselineMean)
	}
}

func TestDetect_BaselineError(t *testing.T) {
	src := newFakeSource()
	src.snapshots["child-1"] = testutil.NewSnapshot("child-1", monday)
	boom := errors.New("disk on fire")
	src.baselineErr["child-1"] = boom

	_, err := NewDetector(src, src).Detect(context.Background(), "child-1", monday, anomaly.DefaultConfig())
	if !errors.Is(err, boom) {
		t.Errorf("Detect() error = %v, want wrapped %v", err, boom)
	}
}
