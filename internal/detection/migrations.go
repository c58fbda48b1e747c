package detection

import (
	"database/sql"

	"github.com/seancwalsh/flynn/pkg/plugin"
)

// migrations returns the detection module's database migrations.
// children, daily_metric_snapshots and metric_baselines are written by the
// upstream aggregator; detection only reads them.
func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create usage and anomaly tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS children (
						id          TEXT PRIMARY KEY,
						created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,

					`CREATE TABLE IF NOT EXISTS daily_metric_snapshots (
						child_id       TEXT    NOT NULL,
						date           TEXT    NOT NULL,
						total_taps     INTEGER NOT NULL DEFAULT 0 CHECK (total_taps >= 0),
						unique_symbols INTEGER NOT NULL DEFAULT 0 CHECK (unique_symbols >= 0),
						session_count  INTEGER NOT NULL DEFAULT 0 CHECK (session_count >= 0),
						PRIMARY KEY (child_id, date)
					)`,

					`CREATE TABLE IF NOT EXISTS metric_baselines (
						child_id            TEXT    NOT NULL,
						metric_name         TEXT    NOT NULL,
						mean                REAL    NOT NULL DEFAULT 0,
						std_dev             REAL    NOT NULL DEFAULT 0,
						sample_days         INTEGER NOT NULL DEFAULT 0,
						day_of_week_factors TEXT,
						updated_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						PRIMARY KEY (child_id, metric_name)
					)`,

					`CREATE TABLE IF NOT EXISTS anomalies (
						id                   TEXT PRIMARY KEY,
						child_id             TEXT    NOT NULL,
						type                 TEXT    NOT NULL,
						severity             TEXT    NOT NULL,
						metric_name          TEXT    NOT NULL,
						expected_value       REAL    NOT NULL,
						actual_value         REAL    NOT NULL,
						deviation_score      REAL    NOT NULL,
						baseline_mean        REAL    NOT NULL,
						baseline_std_dev     REAL    NOT NULL,
						baseline_period_days INTEGER NOT NULL,
						day_of_week_factor   REAL,
						detected_for_date    TEXT    NOT NULL,
						detected_at          DATETIME NOT NULL,
						acknowledged         INTEGER NOT NULL DEFAULT 0,
						acknowledged_at      DATETIME,
						acknowledged_by      TEXT,
						resolved_at          DATETIME,
						resolution           TEXT
					)`,
					`CREATE INDEX IF NOT EXISTS idx_anomalies_child_detected ON anomalies(child_id, detected_at)`,
					`CREATE INDEX IF NOT EXISTS idx_anomalies_child_date ON anomalies(child_id, detected_for_date, metric_name)`,
					`CREATE INDEX IF NOT EXISTS idx_anomalies_unacked ON anomalies(child_id, acknowledged)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
