package detection

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/seancwalsh/flynn/pkg/plugin"
	"github.com/seancwalsh/flynn/pkg/usage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ChildLister returns every known child id.
type ChildLister interface {
	ChildIDs(ctx context.Context) ([]string, error)
}

// AnomalyWriter persists one child's anomalies for a date and returns the
// rows written.
type AnomalyWriter interface {
	PersistAnomalies(ctx context.Context, childID string, date time.Time, anomalies []usage.Anomaly, policy DuplicatePolicy) ([]usage.Anomaly, error)
}

type asyncPublisher interface {
	PublishAsync(ctx context.Context, event plugin.Event)
}

// RunOptions overrides the job defaults for a single run.
type RunOptions struct {
	Date   time.Time // zero means yesterday (UTC)
	Config *Config   // nil means the job's configuration
}

// JobResult summarizes a detection run.
type JobResult struct {
	Date              string        `json:"date"`
	ChildrenProcessed int           `json:"children_processed"` // includes failed children
	ChildrenFailed    int           `json:"children_failed"`
	AnomaliesFound    int           `json:"anomalies_found"`
	Duration          time.Duration `json:"duration_ns"`
}

// Job scans every child for one day and persists what it finds. A failing
// child is logged and skipped; it never aborts the batch.
type Job struct {
	children  ChildLister
	detector  *Detector
	writer    AnomalyWriter
	publisher asyncPublisher
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

// NewJob creates a detection job. publisher may be nil.
func NewJob(children ChildLister, detector *Detector, writer AnomalyWriter, publisher asyncPublisher, logger *zap.Logger, cfg Config) *Job {
	return &Job{
		children:  children,
		detector:  detector,
		writer:    writer,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run executes one detection pass. It returns an error only when the run
// cannot start: invalid configuration, a cancelled context, or a failure to
// list children.
func (j *Job) Run(ctx context.Context, opts RunOptions) (JobResult, error) {
	cfg := j.cfg
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if err := cfg.Validate(); err != nil {
		runsTotal.WithLabelValues("invalid_config").Inc()
		return JobResult{}, err
	}

	date := opts.Date
	if date.IsZero() {
		date = dayOf(j.now()).AddDate(0, 0, -1)
	}
	date = dayOf(date)
	result := JobResult{Date: date.Format(usage.DateLayout)}

	if err := ctx.Err(); err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return result, fmt.Errorf("start detection run: %w", err)
	}

	start := j.now()
	ids, err := j.children.ChildIDs(ctx)
	if err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return result, fmt.Errorf("list children: %w", err)
	}

	j.logger.Info("detection run started",
		zap.String("date", result.Date),
		zap.Int("children", len(ids)),
		zap.Int("workers", cfg.Workers),
		zap.String("duplicate_policy", string(cfg.DuplicatePolicy)),
	)

	var found, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for _, childID := range ids {
		g.Go(func() error {
			n, err := j.runChild(ctx, childID, date, cfg)
			if err != nil {
				failed.Add(1)
				childrenTotal.WithLabelValues("failed").Inc()
				j.logger.Warn("child detection failed",
					zap.String("child_id", childID),
					zap.String("date", result.Date),
					zap.Error(err),
				)
				return nil
			}
			found.Add(int64(n))
			childrenTotal.WithLabelValues("ok").Inc()
			return nil
		})
	}
	_ = g.Wait()

	result.ChildrenProcessed = len(ids)
	result.ChildrenFailed = int(failed.Load())
	result.AnomaliesFound = int(found.Load())
	result.Duration = j.now().Sub(start)

	runsTotal.WithLabelValues("ok").Inc()
	runDuration.Observe(result.Duration.Seconds())

	j.logger.Info("detection run completed",
		zap.String("date", result.Date),
		zap.Int("children_processed", result.ChildrenProcessed),
		zap.Int("children_failed", result.ChildrenFailed),
		zap.Int("anomalies_found", result.AnomaliesFound),
		zap.Duration("duration", result.Duration),
	)
	j.publish(ctx, TopicRunCompleted, result)
	return result, nil
}

// runChild detects and persists one child's anomalies under the per-child
// deadline. A panic in either step is reported as that child's error.
func (j *Job) runChild(ctx context.Context, childID string, date time.Time, cfg Config) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if cfg.ChildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ChildTimeout)
		defer cancel()
	}

	anomalies, err := j.detector.Detect(ctx, childID, date, cfg.Config)
	if err != nil {
		return 0, err
	}
	written, err := j.writer.PersistAnomalies(ctx, childID, date, anomalies, cfg.DuplicatePolicy)
	if err != nil {
		return 0, fmt.Errorf("persist anomalies: %w", err)
	}

	for _, a := range written {
		anomaliesTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
		j.logger.Info("anomaly detected",
			zap.String("child_id", childID),
			zap.String("metric", string(a.MetricName)),
			zap.String("type", string(a.Type)),
			zap.String("severity", string(a.Severity)),
			zap.Float64("expected", a.ExpectedValue),
			zap.Float64("actual", a.ActualValue),
			zap.Float64("deviation_score", a.DeviationScore),
		)
		j.publish(ctx, TopicAnomalyDetected, a)
	}
	return len(written), nil
}

func (j *Job) publish(ctx context.Context, topic string, payload any) {
	if j.publisher == nil {
		return
	}
	// Subscribers outlive the per-child deadline.
	j.publisher.PublishAsync(context.WithoutCancel(ctx), plugin.Event{
		Topic:   topic,
		Source:  "detection",
		Payload: payload,
	})
}
