package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/seancwalsh/flynn/internal/testutil"
	"github.com/seancwalsh/flynn/pkg/plugin"
	"github.com/seancwalsh/flynn/pkg/usage"
	"go.uber.org/zap"
)

// fakeWriter records persisted anomalies per child.
type fakeWriter struct {
	mu      sync.Mutex
	byChild map[string][]usage.Anomaly
	dates   map[string]time.Time
	err     map[string]error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		byChild: make(map[string][]usage.Anomaly),
		dates:   make(map[string]time.Time),
		err:     make(map[string]error),
	}
}

func (w *fakeWriter) PersistAnomalies(_ context.Context, childID string, date time.Time, anomalies []usage.Anomaly, _ DuplicatePolicy) ([]usage.Anomaly, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.err[childID]; err != nil {
		return nil, err
	}
	for i := range anomalies {
		anomalies[i].ID = fmt.Sprintf("%s-%d", childID, i)
	}
	w.byChild[childID] = append(w.byChild[childID], anomalies...)
	w.dates[childID] = date
	return anomalies, nil
}

// fakePublisher collects published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []plugin.Event
}

func (p *fakePublisher) PublishAsync(_ context.Context, e plugin.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *fakePublisher) topics() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int)
	for _, e := range p.events {
		out[e.Topic]++
	}
	return out
}

// threeChildren sets up child-1 with one anomaly, child-2 whose baseline
// lookup fails, and child-3 with two anomalies.
func threeChildren(date time.Time) *fakeSource {
	src := newFakeSource()
	src.children = []string{"child-1", "child-2", "child-3"}

	src.snapshots["child-1"] = testutil.NewSnapshot("child-1", date, testutil.WithTaps(60))
	src.baselines["child-1"] = []usage.MetricBaseline{
		testutil.NewBaseline("child-1", usage.MetricTotalTaps, 100, 10),
	}

	src.snapshots["child-2"] = testutil.NewSnapshot("child-2", date, testutil.WithTaps(0))
	src.baselineErr["child-2"] = errors.New("malformed baseline row")

	src.snapshots["child-3"] = testutil.NewSnapshot("child-3", date,
		testutil.WithTaps(160), testutil.WithSymbols(32))
	src.baselines["child-3"] = []usage.MetricBaseline{
		testutil.NewBaseline("child-3", usage.MetricTotalTaps, 100, 10),
		testutil.NewBaseline("child-3", usage.MetricUniqueSymbols, 20, 5),
	}
	return src
}

func newTestJob(src *fakeSource, w *fakeWriter, pub *fakePublisher, cfg Config) *Job {
	var p asyncPublisher
	if pub != nil {
		p = pub
	}
	return NewJob(src, NewDetector(src, src), w, p, zap.NewNop(), cfg)
}

func TestJobRun_ChildFailureDoesNotAbortBatch(t *testing.T) {
	src := threeChildren(monday)
	w := newFakeWriter()
	pub := &fakePublisher{}

	res, err := newTestJob(src, w, pub, DefaultConfig()).Run(context.Background(), RunOptions{Date: monday})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ChildrenProcessed != 3 {
		t.Errorf("ChildrenProcessed = %d, want 3", res.ChildrenProcessed)
	}
	if res.AnomaliesFound != 3 {
		t.Errorf("AnomaliesFound = %d, want 3 (1 from child-1, 2 from child-3)", res.AnomaliesFound)
	}
	if res.ChildrenFailed != 1 {
		t.Errorf("ChildrenFailed = %d, want 1", res.ChildrenFailed)
	}
	if res.Date != "2026-03-02" {
		t.Errorf("Date = %q, want 2026-03-02", res.Date)
	}
	if len(w.byChild["child-2"]) != 0 {
		t.Errorf("failed child persisted %d anomalies", len(w.byChild["child-2"]))
	}

	topics := pub.topics()
	if topics[TopicAnomalyDetected] != 3 {
		t.Errorf("%s events = %d, want 3", TopicAnomalyDetected, topics[TopicAnomalyDetected])
	}
	if topics[TopicRunCompleted] != 1 {
		t.Errorf("%s events = %d, want 1", TopicRunCompleted, topics[TopicRunCompleted])
	}
}

func TestJobRun_WorkerPoolMatchesSequential(t *testing.T) {
	for _, workers := range []int{1, 2, 8} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Workers = workers
			res, err := newTestJob(threeChildren(monday), newFakeWriter(), nil, cfg).
				Run(context.Background(), RunOptions{Date: monday})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.ChildrenProcessed != 3 || res.AnomaliesFound != 3 || res.ChildrenFailed != 1 {
				t.Errorf("result = %+v, want 3 processed, 3 found, 1 failed", res)
			}
		})
	}
}

func TestJobRun_DefaultDateIsYesterdayUTC(t *testing.T) {
	src := threeChildren(monday)
	w := newFakeWriter()
	job := newTestJob(src, w, nil, DefaultConfig())
	job.now = func() time.Time { return time.Date(2026, 3, 3, 1, 30, 0, 0, time.UTC) }

	res, err := job.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Date != "2026-03-02" {
		t.Errorf("Date = %q, want 2026-03-02", res.Date)
	}
	if got := w.dates["child-1"]; !got.Equal(monday) {
		t.Errorf("persisted date = %v, want %v", got, monday)
	}
}

func TestJobRun_InvalidConfigFailsFast(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "warning not below critical", mutate: func(c *Config) { c.WarningThreshold = 3; c.CriticalThreshold = 3 }},
		{name: "no workers", mutate: func(c *Config) { c.Workers = 0 }},
		{name: "unknown policy", mutate: func(c *Config) { c.DuplicatePolicy = "merge" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := threeChildren(monday)
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			_, err := newTestJob(src, newFakeWriter(), nil, DefaultConfig()).
				Run(context.Background(), RunOptions{Date: monday, Config: &cfg})
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Run() error = %v, want ErrInvalidConfig", err)
			}
			if n := src.baselineCalls.Load(); n != 0 {
				t.Errorf("children were scanned (%d baseline loads) despite invalid config", n)
			}
		})
	}
}

func TestJobRun_ConfigOverride(t *testing.T) {
	src := threeChildren(monday)
	cfg := DefaultConfig()
	cfg.WarningThreshold = 4.5
	cfg.CriticalThreshold = 6

	res, err := newTestJob(src, newFakeWriter(), nil, DefaultConfig()).
		Run(context.Background(), RunOptions{Date: monday, Config: &cfg})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// Only child-3's taps (Z = 6) clear a warning threshold of 4.5.
	if res.AnomaliesFound != 1 {
		t.Errorf("AnomaliesFound = %d, want 1", res.AnomaliesFound)
	}
}

func TestJobRun_ChildTimeout(t *testing.T) {
	src := threeChildren(monday)
	src.block["child-1"] = true
	cfg := DefaultConfig()
	cfg.ChildTimeout = 20 * time.Millisecond

	res, err := newTestJob(src, newFakeWriter(), nil, cfg).Run(context.Background(), RunOptions{Date: monday})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ChildrenFailed != 2 || res.AnomaliesFound != 2 {
		t.Errorf("result = %+v, want 2 failed (stuck and erroring) and child-3's 2 anomalies", res)
	}
}

func TestJobRun_PersistFailure(t *testing.T) {
	src := threeChildren(monday)
	w := newFakeWriter()
	w.err["child-3"] = errors.New("database is locked")

	res, err := newTestJob(src, w, nil, DefaultConfig()).Run(context.Background(), RunOptions{Date: monday})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.AnomaliesFound != 1 || res.ChildrenFailed != 2 {
		t.Errorf("result = %+v, want 1 found and 2 failed", res)
	}
}

type panicSource struct{ *fakeSource }

func (p panicSource) Baselines(ctx context.Context, childID string) ([]usage.MetricBaseline, error) {
	if childID == "child-1" {
		panic("nil map")
	}
	return p.fakeSource.Baselines(ctx, childID)
}

func TestJobRun_PanicIsolated(t *testing.T) {
	src := threeChildren(monday)
	ps := panicSource{src}
	job := NewJob(src, NewDetector(src, ps), newFakeWriter(), nil, zap.NewNop(), DefaultConfig())

	res, err := job.Run(context.Background(), RunOptions{Date: monday})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ChildrenProcessed != 3 || res.AnomaliesFound != 2 {
		t.Errorf("result = %+v, want 3 processed and child-3's 2 anomalies", res)
	}
}

func TestJobRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestJob(threeChildren(monday), newFakeWriter(), nil, DefaultConfig()).
		Run(ctx, RunOptions{Date: monday})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

type failingLister struct{}

func (failingLister) ChildIDs(context.Context) ([]string, error) {
	return nil, errors.New("no such table: children")
}

func TestJobRun_ListChildrenError(t *testing.T) {
	src := newFakeSource()
	job := NewJob(failingLister{}, NewDetector(src, src), newFakeWriter(), nil, zap.NewNop(), DefaultConfig())
	if _, err := job.Run(context.Background(), RunOptions{Date: monday}); err == nil {
		t.Error("Run() should fail when children cannot be listed")
	}
}

func TestJobRun_NoChildren(t *testing.T) {
	src := newFakeSource()
	res, err := newTestJob(src, newFakeWriter(), nil, DefaultConfig()).Run(context.Background(), RunOptions{Date: monday})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ChildrenProcessed != 0 || res.AnomaliesFound != 0 {
		t.Errorf("result = %+v, want zeros", res)
	}
}
