package detection

import (
	"errors"
	"fmt"
	"time"

	"github.com/seancwalsh/flynn/internal/detection/anomaly"
)

// ErrInvalidConfig is returned when a detection run is started with
// configuration that cannot produce meaningful results.
var ErrInvalidConfig = errors.New("invalid detection config")

// DuplicatePolicy decides what happens when a date is detected twice for
// the same child.
type DuplicatePolicy string

const (
	// PolicyAppend inserts every detection, keeping re-detections as history.
	PolicyAppend DuplicatePolicy = "append"
	// PolicySkip does not insert an anomaly when one already exists for the
	// same child, metric and date.
	PolicySkip DuplicatePolicy = "skip"
	// PolicyReplace deletes the child's anomalies for the date before
	// inserting the new ones, in the same transaction.
	PolicyReplace DuplicatePolicy = "replace"
)

// Valid reports whether p is a known policy.
func (p DuplicatePolicy) Valid() bool {
	switch p {
	case PolicyAppend, PolicySkip, PolicyReplace:
		return true
	}
	return false
}

// Config holds configuration for the detection plugin.
type Config struct {
	anomaly.Config `mapstructure:",squash"`

	Workers         int             `mapstructure:"workers"`          // concurrent children per run; 1 is sequential
	ChildTimeout    time.Duration   `mapstructure:"child_timeout"`    // per-child deadline; 0 disables
	DuplicatePolicy DuplicatePolicy `mapstructure:"duplicate_policy"` // append, skip or replace

	ScheduleEnabled     bool          `mapstructure:"schedule_enabled"`
	RunAt               string        `mapstructure:"run_at"` // daily run time, HH:MM UTC
	AnomalyRetention    time.Duration `mapstructure:"anomaly_retention"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

// DefaultConfig returns the detection defaults.
func DefaultConfig() Config {
	return Config{
		Config:              anomaly.DefaultConfig(),
		Workers:             1,
		ChildTimeout:        30 * time.Second,
		DuplicatePolicy:     PolicyAppend,
		ScheduleEnabled:     true,
		RunAt:               "02:00",
		AnomalyRetention:    365 * 24 * time.Hour,
		MaintenanceInterval: time.Hour,
	}
}

// Validate checks the whole configuration. Called once per run and once
// when the plugin is initialized.
func (c Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers %d must be at least 1", ErrInvalidConfig, c.Workers)
	}
	if c.ChildTimeout < 0 {
		return fmt.Errorf("%w: child_timeout %v must not be negative", ErrInvalidConfig, c.ChildTimeout)
	}
	if !c.DuplicatePolicy.Valid() {
		return fmt.Errorf("%w: unknown duplicate_policy %q", ErrInvalidConfig, c.DuplicatePolicy)
	}
	if c.ScheduleEnabled {
		if _, err := parseRunAt(c.RunAt); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// parseRunAt parses an "HH:MM" time of day into an offset from midnight.
func parseRunAt(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("run_at %q must be HH:MM: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
