package detection

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// nextRun returns the first occurrence of offset past midnight UTC that is
// strictly after now.
func nextRun(now time.Time, offset time.Duration) time.Time {
	next := dayOf(now).Add(offset)
	if !next.After(now.UTC()) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// startScheduler launches a goroutine that runs detection for the previous
// day once a day at run_at.
func (m *Module) startScheduler() {
	offset, err := parseRunAt(m.cfg.RunAt)
	if err != nil {
		m.logger.Error("detection schedule disabled", zap.Error(err))
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			next := nextRun(m.now(), offset)
			m.logger.Debug("next detection run scheduled", zap.Time("at", next))
			timer := time.NewTimer(next.Sub(m.now()))

			select {
			case <-m.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				m.runScheduled()
			}
		}
	}()
}

func (m *Module) runScheduled() {
	_, err := m.Run(m.ctx, RunOptions{})
	switch {
	case errors.Is(err, ErrRunInProgress):
		m.logger.Info("scheduled detection skipped: run already in progress")
	case err != nil:
		m.logger.Error("scheduled detection failed", zap.Error(err))
	}
}

// startMaintenance launches a background goroutine that periodically purges
// resolved anomalies past the retention window.
func (m *Module) startMaintenance() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.runMaintenance()
			}
		}
	}()
}

// runMaintenance executes a single maintenance cycle.
func (m *Module) runMaintenance() {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()

	cutoff := m.now().Add(-m.cfg.AnomalyRetention)
	deleted, err := m.store.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		m.logger.Warn("failed to delete resolved anomalies", zap.Error(err))
	} else if deleted > 0 {
		m.logger.Info("purged resolved anomalies", zap.Int64("count", deleted))
	}
}
