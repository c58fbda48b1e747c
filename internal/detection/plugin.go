// Package detection implements Flynn's once-daily usage anomaly scan: it
// tests every child's usage for a day against that child's baselines,
// persists what it finds and tracks each anomaly's acknowledgment and
// resolution.
package detection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/seancwalsh/flynn/pkg/plugin"
	"github.com/seancwalsh/flynn/pkg/roles"
	"github.com/seancwalsh/flynn/pkg/usage"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin         = (*Module)(nil)
	_ plugin.HTTPProvider   = (*Module)(nil)
	_ plugin.HealthChecker  = (*Module)(nil)
	_ plugin.Validator      = (*Module)(nil)
	_ roles.AnomalyProvider = (*Module)(nil)
)

// ErrRunInProgress is returned when a run is requested while another one
// is still executing.
var ErrRunInProgress = errors.New("detection run already in progress")

// errNoStore is returned by operations that need the database when the
// module was initialized without one.
var errNoStore = errors.New("detection store not initialized")

// Module implements the detection plugin.
type Module struct {
	logger *zap.Logger
	cfg    Config
	store  *UsageStore
	job    *Job
	now    func() time.Time

	runMu sync.Mutex // held for the duration of a run

	statusMu  sync.RWMutex
	lastRun   *JobResult
	lastRunAt time.Time
	lastErr   error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new detection plugin instance.
func New() *Module {
	return &Module{now: time.Now}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "detection",
		Version:     "0.1.0",
		Description: "Daily usage anomaly detection against per-child baselines",
		Roles:       []string{roles.RoleAnomalyDetection},
		Required:    true,
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal detection config: %w", err)
		}
	}

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "detection", migrations()); err != nil {
			return fmt.Errorf("detection migrations: %w", err)
		}
		m.store = NewUsageStore(deps.Store.DB())
		var pub asyncPublisher
		if deps.Bus != nil {
			pub = deps.Bus
		}
		m.job = NewJob(m.store, NewDetector(m.store, m.store), m.store, pub, m.logger, m.cfg)
	}

	m.logger.Info("detection module initialized",
		zap.Float64("warning_threshold", m.cfg.WarningThreshold),
		zap.Float64("critical_threshold", m.cfg.CriticalThreshold),
		zap.Int("min_sample_days", m.cfg.MinSampleDays),
		zap.Bool("day_of_week_adjustment", m.cfg.EnableDayOfWeekAdjustment),
		zap.Int("workers", m.cfg.Workers),
		zap.String("duplicate_policy", string(m.cfg.DuplicatePolicy)),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

func (m *Module) Start(_ context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.store != nil {
		if m.cfg.ScheduleEnabled {
			m.startScheduler()
		}
		if m.cfg.AnomalyRetention > 0 && m.cfg.MaintenanceInterval > 0 {
			m.startMaintenance()
		}
	}
	m.logger.Info("detection module started",
		zap.Bool("schedule_enabled", m.cfg.ScheduleEnabled),
		zap.String("run_at", m.cfg.RunAt),
	)
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("detection module stopped")
	return nil
}

// Run executes one detection pass. Concurrent calls fail fast with
// ErrRunInProgress instead of queueing.
func (m *Module) Run(ctx context.Context, opts RunOptions) (JobResult, error) {
	if m.job == nil {
		return JobResult{}, errNoStore
	}
	if !m.runMu.TryLock() {
		return JobResult{}, ErrRunInProgress
	}
	defer m.runMu.Unlock()

	res, err := m.job.Run(ctx, opts)

	m.statusMu.Lock()
	m.lastRunAt = m.now().UTC()
	m.lastErr = err
	if err == nil {
		m.lastRun = &res
	}
	m.statusMu.Unlock()
	return res, err
}

// Store returns the module's store, or nil before Init with a database.
func (m *Module) Store() *UsageStore {
	return m.store
}

// -- plugin.HealthChecker --

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if m.store == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: errNoStore.Error()}
	}

	m.statusMu.RLock()
	defer m.statusMu.RUnlock()

	details := map[string]string{
		"schedule_enabled": strconv.FormatBool(m.cfg.ScheduleEnabled),
		"workers":          strconv.Itoa(m.cfg.Workers),
	}
	status := plugin.HealthStatus{Status: "healthy", Details: details}
	if !m.lastRunAt.IsZero() {
		details["last_run_at"] = m.lastRunAt.Format(time.RFC3339)
	}
	if m.lastRun != nil {
		details["last_run_date"] = m.lastRun.Date
		details["children_processed"] = strconv.Itoa(m.lastRun.ChildrenProcessed)
		details["children_failed"] = strconv.Itoa(m.lastRun.ChildrenFailed)
		details["anomalies_found"] = strconv.Itoa(m.lastRun.AnomaliesFound)
	}
	if m.lastErr != nil {
		status.Status = "degraded"
		status.Message = m.lastErr.Error()
	}
	return status
}

// -- roles.AnomalyProvider --

// UnacknowledgedAnomalies implements roles.AnomalyProvider.
func (m *Module) UnacknowledgedAnomalies(ctx context.Context, childID string, limit int) ([]usage.Anomaly, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.Unacknowledged(ctx, childID, limit)
}

// RecentAnomalies implements roles.AnomalyProvider.
func (m *Module) RecentAnomalies(ctx context.Context, childID string, days int) ([]usage.Anomaly, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.Recent(ctx, childID, days)
}
