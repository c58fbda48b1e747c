package seed

import (
	"context"
	"testing"
	"time"

	"github.com/seancwalsh/flynn/internal/detection"
	"github.com/seancwalsh/flynn/internal/store"
	"github.com/seancwalsh/flynn/internal/testutil"
	"github.com/seancwalsh/flynn/pkg/plugin"
	"github.com/seancwalsh/flynn/pkg/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Wednesday, so the detection day is a weekday for every profile.
var end = time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

func testModule(t *testing.T) *detection.Module {
	t.Helper()
	db, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := detection.New()
	require.NoError(t, m.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop(), Store: db}))
	return m
}

func TestDemo_RejectsEmptyOptions(t *testing.T) {
	m := testModule(t)
	for _, opts := range []Options{{Children: 0, Days: 10}, {Children: 2, Days: 0}} {
		_, err := Demo(context.Background(), m.Store(), opts)
		assert.Error(t, err, "options %+v", opts)
	}
}

func TestDemo_Summary(t *testing.T) {
	m := testModule(t)
	sum, err := Demo(context.Background(), m.Store(), Options{Children: 3, Days: 14, End: end.Add(15 * time.Hour), Seed: 7})
	require.NoError(t, err)
	assert.True(t, sum.End.Equal(end), "End = %v, want truncated to %v", sum.End, end)
	assert.Len(t, sum.Children, 3)
	assert.Equal(t, 3*15, sum.Snapshots)
	assert.Equal(t, 3*len(usage.TrackedMetrics), sum.Baselines)

	ids, err := m.Store().ChildIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"demo-child-01", "demo-child-02", "demo-child-03"}, ids)
}

func TestDemo_Deterministic(t *testing.T) {
	ctx := context.Background()
	a, b := testModule(t), testModule(t)
	opts := Options{Children: 2, Days: 21, End: end, Seed: 99}

	_, err := Demo(ctx, a.Store(), opts)
	require.NoError(t, err)
	// Seeding twice must leave the same values behind.
	for range 2 {
		_, err := Demo(ctx, b.Store(), opts)
		require.NoError(t, err)
	}

	for _, child := range []string{"demo-child-01", "demo-child-02"} {
		for _, date := range []time.Time{end.AddDate(0, 0, -21), end.AddDate(0, 0, -6), end} {
			sa, err := a.Store().Snapshot(ctx, child, date)
			require.NoError(t, err)
			require.NotNil(t, sa)
			sb, err := b.Store().Snapshot(ctx, child, date)
			require.NoError(t, err)
			require.NotNil(t, sb)
			assert.Equal(t, []int{sa.TotalTaps, sa.UniqueSymbols, sa.SessionCount},
				[]int{sb.TotalTaps, sb.UniqueSymbols, sb.SessionCount}, "%s on %v", child, date)
		}
	}
}

func TestBaseline(t *testing.T) {
	mon := testutil.Day("2026-03-02")
	history := []usage.DailyMetricSnapshot{
		testutil.NewSnapshot("c1", mon, testutil.WithTaps(100), testutil.WithSymbols(10), testutil.WithSessions(4)),
		testutil.NewSnapshot("c1", mon.AddDate(0, 0, 1), testutil.WithTaps(200), testutil.WithSymbols(20), testutil.WithSessions(6)),
		testutil.NewSnapshot("c1", mon.AddDate(0, 0, 7), testutil.WithTaps(300), testutil.WithSymbols(30), testutil.WithSessions(8)),
	}

	tests := []struct {
		metric     usage.MetricName
		wantMean   float64
		wantStd    float64
		wantMonday float64
	}{
		{metric: usage.MetricTotalTaps, wantMean: 200, wantStd: 100, wantMonday: 1},
		{metric: usage.MetricUniqueSymbols, wantMean: 20, wantStd: 10, wantMonday: 1},
		{metric: usage.MetricSessionCount, wantMean: 6, wantStd: 2, wantMonday: 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.metric), func(t *testing.T) {
			b := Baseline("c1", tt.metric, history)
			assert.Equal(t, 3, b.SampleDays)
			assert.Equal(t, "c1", b.ChildID)
			assert.Equal(t, tt.metric, b.MetricName)
			assert.InDelta(t, tt.wantMean, b.Mean, 1e-9)
			assert.InDelta(t, tt.wantStd, b.StdDev, 1e-9)
			assert.Equal(t, tt.wantMonday, b.DayOfWeekFactors[usage.Monday])
			assert.NotContains(t, b.DayOfWeekFactors, usage.Friday, "no factor for a weekday without history")
		})
	}
}

func TestBaseline_Empty(t *testing.T) {
	b := Baseline("c1", usage.MetricTotalTaps, nil)
	assert.Zero(t, b.SampleDays)
	assert.Zero(t, b.Mean)
	assert.Nil(t, b.DayOfWeekFactors)
}

func TestDemo_DetectionFindsInjectedAnomalies(t *testing.T) {
	ctx := context.Background()
	m := testModule(t)
	_, err := Demo(ctx, m.Store(), Options{Children: 3, Days: 28, End: end, Seed: 42})
	require.NoError(t, err)

	res, err := m.Run(ctx, detection.RunOptions{Date: end})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ChildrenProcessed)
	assert.Zero(t, res.ChildrenFailed)

	tests := []struct {
		child string
		want  usage.AnomalyType
	}{
		{child: "demo-child-02", want: usage.TypeUsageDrop},
		{child: "demo-child-03", want: usage.TypeVocabularyExpansion},
	}
	for _, tt := range tests {
		t.Run(tt.child, func(t *testing.T) {
			found, err := m.UnacknowledgedAnomalies(ctx, tt.child, 10)
			require.NoError(t, err)
			types := make([]usage.AnomalyType, 0, len(found))
			for _, a := range found {
				types = append(types, a.Type)
			}
			assert.Contains(t, types, tt.want)
		})
	}
}
