package detection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/seancwalsh/flynn/pkg/usage"
)

// ErrNotFound is returned when an anomaly id does not exist.
var ErrNotFound = errors.New("anomaly not found")

// UsageStore provides database access for the detection plugin: read access
// to the aggregated usage inputs and read/write access to anomalies.
type UsageStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewUsageStore creates a new UsageStore backed by the given database.
func NewUsageStore(db *sql.DB) *UsageStore {
	return &UsageStore{db: db, now: time.Now}
}

// -- Children --

// AddChild registers a child id. Adding an existing child is a no-op.
func (s *UsageStore) AddChild(ctx context.Context, childID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO children (id, created_at) VALUES (?, ?)`,
		childID, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("add child: %w", err)
	}
	return nil
}

// ChildIDs returns every known child id.
func (s *UsageStore) ChildIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM children ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan child row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// -- Snapshots --

// UpsertSnapshot writes a child's daily totals. Used by seeding and tests;
// production snapshots come from the upstream aggregator.
func (s *UsageStore) UpsertSnapshot(ctx context.Context, snap *usage.DailyMetricSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO daily_metric_snapshots (
			child_id, date, total_taps, unique_symbols, session_count
		) VALUES (?, ?, ?, ?, ?)`,
		snap.ChildID, snap.Date.Format(usage.DateLayout),
		snap.TotalTaps, snap.UniqueSymbols, snap.SessionCount,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Snapshot returns the child's totals for date, or nil when the day has no
// snapshot.
func (s *UsageStore) Snapshot(ctx context.Context, childID string, date time.Time) (*usage.DailyMetricSnapshot, error) {
	snap := usage.DailyMetricSnapshot{ChildID: childID, Date: dayOf(date)}
	err := s.db.QueryRowContext(ctx, `
		SELECT total_taps, unique_symbols, session_count
		FROM daily_metric_snapshots WHERE child_id = ? AND date = ?`,
		childID, date.Format(usage.DateLayout),
	).Scan(&snap.TotalTaps, &snap.UniqueSymbols, &snap.SessionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &snap, nil
}

// -- Baselines --

// UpsertBaseline inserts or replaces a child's baseline for one metric.
func (s *UsageStore) UpsertBaseline(ctx context.Context, b *usage.MetricBaseline) error {
	var factors sql.NullString
	if len(b.DayOfWeekFactors) > 0 {
		raw, err := json.Marshal(b.DayOfWeekFactors)
		if err != nil {
			return fmt.Errorf("marshal day_of_week_factors: %w", err)
		}
		factors = sql.NullString{String: string(raw), Valid: true}
	}
	updatedAt := b.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO metric_baselines (
			child_id, metric_name, mean, std_dev, sample_days, day_of_week_factors, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ChildID, string(b.MetricName), b.Mean, b.StdDev, b.SampleDays, factors, updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert baseline: %w", err)
	}
	return nil
}

// Baselines returns all baselines for a child. A row with a negative
// standard deviation or unreadable day-of-week factors is an error.
func (s *UsageStore) Baselines(ctx context.Context, childID string) ([]usage.MetricBaseline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT child_id, metric_name, mean, std_dev, sample_days, day_of_week_factors, updated_at
		FROM metric_baselines WHERE child_id = ? ORDER BY metric_name`,
		childID,
	)
	if err != nil {
		return nil, fmt.Errorf("get baselines: %w", err)
	}
	defer rows.Close()

	var baselines []usage.MetricBaseline
	for rows.Next() {
		var b usage.MetricBaseline
		var metric string
		var factors sql.NullString
		if err := rows.Scan(
			&b.ChildID, &metric, &b.Mean, &b.StdDev, &b.SampleDays, &factors, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan baseline row: %w", err)
		}
		b.MetricName = usage.MetricName(metric)
		if b.StdDev < 0 {
			return nil, fmt.Errorf("baseline %s/%s: negative std_dev %v", childID, metric, b.StdDev)
		}
		if factors.Valid && factors.String != "" {
			if b.DayOfWeekFactors, err = decodeFactors(factors.String); err != nil {
				return nil, fmt.Errorf("baseline %s/%s: %w", childID, metric, err)
			}
		}
		baselines = append(baselines, b)
	}
	return baselines, rows.Err()
}

// decodeFactors accepts keys in any case or as full day names.
func decodeFactors(raw string) (map[usage.DayKey]float64, error) {
	var in map[string]float64
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("unmarshal day_of_week_factors: %w", err)
	}
	out := make(map[usage.DayKey]float64, len(in))
	for k, v := range in {
		day, ok := usage.ParseDayKey(k)
		if !ok {
			return nil, fmt.Errorf("unknown day-of-week key %q", k)
		}
		out[day] = v
	}
	return out, nil
}

// -- Anomalies --

// PersistAnomalies stores a child's detections for date in one transaction
// and returns the rows actually written, with ID and DetectedAt set.
// Expected, actual and deviation values are stored rounded to 4 decimals.
func (s *UsageStore) PersistAnomalies(ctx context.Context, childID string, date time.Time, anomalies []usage.Anomaly, policy DuplicatePolicy) ([]usage.Anomaly, error) {
	if len(anomalies) == 0 && policy != PolicyReplace {
		return nil, nil
	}
	day := date.Format(usage.DateLayout)
	detectedAt := s.now().UTC()

	var written []usage.Anomaly
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if policy == PolicyReplace {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM anomalies WHERE child_id = ? AND detected_for_date = ?`,
				childID, day,
			); err != nil {
				return fmt.Errorf("clear previous anomalies: %w", err)
			}
		}

		for _, a := range anomalies {
			if policy == PolicySkip {
				var n int
				if err := tx.QueryRowContext(ctx, `
					SELECT COUNT(*) FROM anomalies
					WHERE child_id = ? AND metric_name = ? AND detected_for_date = ?`,
					childID, string(a.MetricName), day,
				).Scan(&n); err != nil {
					return fmt.Errorf("check existing anomaly: %w", err)
				}
				if n > 0 {
					continue
				}
			}

			if a.ID == "" {
				a.ID = uuid.New().String()
			}
			a.ChildID = childID
			a.DetectedForDate = dayOf(date)
			a.DetectedAt = detectedAt
			a.ExpectedValue = round4(a.ExpectedValue)
			a.ActualValue = round4(a.ActualValue)
			a.DeviationScore = round4(a.DeviationScore)

			var factor sql.NullFloat64
			if a.Context.DayOfWeekFactor != nil {
				factor = sql.NullFloat64{Float64: *a.Context.DayOfWeekFactor, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO anomalies (
					id, child_id, type, severity, metric_name,
					expected_value, actual_value, deviation_score,
					baseline_mean, baseline_std_dev, baseline_period_days, day_of_week_factor,
					detected_for_date, detected_at, acknowledged
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
				a.ID, childID, string(a.Type), string(a.Severity), string(a.MetricName),
				a.ExpectedValue, a.ActualValue, a.DeviationScore,
				a.Context.BaselineMean, a.Context.BaselineStdDev, a.Context.BaselinePeriodDays, factor,
				day, detectedAt,
			); err != nil {
				return fmt.Errorf("insert anomaly: %w", err)
			}
			written = append(written, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

const anomalyColumns = `
	id, child_id, type, severity, metric_name,
	expected_value, actual_value, deviation_score,
	baseline_mean, baseline_std_dev, baseline_period_days, day_of_week_factor,
	detected_for_date, detected_at,
	acknowledged, acknowledged_at, acknowledged_by, resolved_at, resolution`

// GetAnomaly returns a single anomaly by id.
func (s *UsageStore) GetAnomaly(ctx context.Context, id string) (*usage.Anomaly, error) {
	return getAnomaly(ctx, s.db, id)
}

// Unacknowledged returns a child's unacknowledged anomalies, newest first.
func (s *UsageStore) Unacknowledged(ctx context.Context, childID string, limit int) ([]usage.Anomaly, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+anomalyColumns+`
		FROM anomalies WHERE child_id = ? AND acknowledged = 0
		ORDER BY detected_at DESC, rowid DESC LIMIT ?`,
		childID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unacknowledged anomalies: %w", err)
	}
	return scanAnomalies(rows)
}

// Recent returns every anomaly detected for the last days days (relative to
// today, UTC), newest first, regardless of lifecycle state.
func (s *UsageStore) Recent(ctx context.Context, childID string, days int) ([]usage.Anomaly, error) {
	cutoff := dayOf(s.now()).AddDate(0, 0, -days).Format(usage.DateLayout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+anomalyColumns+`
		FROM anomalies WHERE child_id = ? AND detected_for_date >= ?
		ORDER BY detected_for_date DESC, detected_at DESC, rowid DESC`,
		childID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent anomalies: %w", err)
	}
	return scanAnomalies(rows)
}

// Acknowledge records that userID has seen the anomaly. Acknowledging an
// already acknowledged anomaly keeps the first acknowledgment and succeeds.
func (s *UsageStore) Acknowledge(ctx context.Context, id, userID string) (*usage.Anomaly, error) {
	return s.mutate(ctx, id, func(a *usage.Anomaly, now time.Time) bool {
		return a.Acknowledge(userID, now)
	})
}

// Resolve closes the anomaly with a free-text resolution. No prior
// acknowledgment is needed; resolving twice keeps the first resolution.
func (s *UsageStore) Resolve(ctx context.Context, id, resolution string) (*usage.Anomaly, error) {
	return s.mutate(ctx, id, func(a *usage.Anomaly, now time.Time) bool {
		return a.Resolve(resolution, now)
	})
}

// mutate loads the anomaly, applies fn and writes the lifecycle fields back
// when fn reports a change.
func (s *UsageStore) mutate(ctx context.Context, id string, fn func(a *usage.Anomaly, now time.Time) bool) (*usage.Anomaly, error) {
	var out *usage.Anomaly
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := getAnomaly(ctx, tx, id)
		if err != nil {
			return err
		}
		out = a
		if !fn(a, s.now().UTC()) {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE anomalies SET
				acknowledged = ?, acknowledged_at = ?, acknowledged_by = ?,
				resolved_at = ?, resolution = ?
			WHERE id = ?`,
			boolInt(a.Acknowledged), a.AcknowledgedAt, nullString(a.AcknowledgedBy),
			a.ResolvedAt, nullString(a.Resolution), id,
		)
		if err != nil {
			return fmt.Errorf("update anomaly lifecycle: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteResolvedBefore deletes resolved anomalies resolved before the given
// time. Returns the number of rows deleted.
func (s *UsageStore) DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM anomalies WHERE resolved_at IS NOT NULL AND resolved_at < ?`,
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete resolved anomalies: %w", err)
	}
	return result.RowsAffected()
}

// -- helpers --

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getAnomaly(ctx context.Context, q queryer, id string) (*usage.Anomaly, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+anomalyColumns+` FROM anomalies WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get anomaly: %w", err)
	}
	list, err := scanAnomalies(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

func scanAnomalies(rows *sql.Rows) ([]usage.Anomaly, error) {
	defer rows.Close()

	var anomalies []usage.Anomaly
	for rows.Next() {
		var (
			a                       usage.Anomaly
			typ, severity, metric   string
			factor                  sql.NullFloat64
			forDate                 string
			acked                   int
			ackedAt, resolvedAt     sql.NullTime
			ackedBy, resolutionText sql.NullString
		)
		if err := rows.Scan(
			&a.ID, &a.ChildID, &typ, &severity, &metric,
			&a.ExpectedValue, &a.ActualValue, &a.DeviationScore,
			&a.Context.BaselineMean, &a.Context.BaselineStdDev, &a.Context.BaselinePeriodDays, &factor,
			&forDate, &a.DetectedAt,
			&acked, &ackedAt, &ackedBy, &resolvedAt, &resolutionText,
		); err != nil {
			return nil, fmt.Errorf("scan anomaly row: %w", err)
		}
		a.Type = usage.AnomalyType(typ)
		a.Severity = usage.Severity(severity)
		a.MetricName = usage.MetricName(metric)
		if factor.Valid {
			f := factor.Float64
			a.Context.DayOfWeekFactor = &f
		}
		d, err := time.Parse(usage.DateLayout, forDate)
		if err != nil {
			return nil, fmt.Errorf("parse detected_for_date %q: %w", forDate, err)
		}
		a.DetectedForDate = d
		a.Acknowledged = acked != 0
		if ackedAt.Valid {
			t := ackedAt.Time
			a.AcknowledgedAt = &t
		}
		a.AcknowledgedBy = ackedBy.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			a.ResolvedAt = &t
		}
		a.Resolution = resolutionText.String
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

func (s *UsageStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// dayOf truncates t to midnight UTC of its calendar day.
func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
