// Package anomaly implements the statistical test behind usage anomaly
// detection: a day-of-week adjusted Z-score against a child's own baseline,
// mapped to a severity and a metric-specific anomaly type.
package anomaly

import (
	"errors"
	"fmt"
	"math"

	"github.com/seancwalsh/flynn/pkg/usage"
)

// ErrInvalidThresholds is returned by Config.Validate.
var ErrInvalidThresholds = errors.New("invalid detector thresholds")

// Config holds the caller-overridable detection parameters.
type Config struct {
	WarningThreshold          float64 `mapstructure:"warning_threshold" json:"warning_threshold"`
	CriticalThreshold         float64 `mapstructure:"critical_threshold" json:"critical_threshold"`
	MinSampleDays             int     `mapstructure:"min_sample_days" json:"min_sample_days"`
	EnableDayOfWeekAdjustment bool    `mapstructure:"enable_day_of_week_adjustment" json:"enable_day_of_week_adjustment"`
}

// DefaultConfig returns warning at |Z| >= 2, critical at |Z| >= 3, a
// seven-day warm-up, and day-of-week adjustment enabled.
func DefaultConfig() Config {
	return Config{
		WarningThreshold:          2.0,
		CriticalThreshold:         3.0,
		MinSampleDays:             7,
		EnableDayOfWeekAdjustment: true,
	}
}

// Validate rejects threshold combinations that would produce meaningless
// classifications.
func (c Config) Validate() error {
	switch {
	case c.WarningThreshold <= 0 || math.IsNaN(c.WarningThreshold):
		return fmt.Errorf("%w: warning threshold %v must be positive", ErrInvalidThresholds, c.WarningThreshold)
	case c.CriticalThreshold <= c.WarningThreshold || math.IsNaN(c.CriticalThreshold):
		return fmt.Errorf("%w: critical threshold %v must exceed warning threshold %v",
			ErrInvalidThresholds, c.CriticalThreshold, c.WarningThreshold)
	case c.MinSampleDays < 1:
		return fmt.Errorf("%w: min sample days %d must be at least 1", ErrInvalidThresholds, c.MinSampleDays)
	}
	return nil
}

// Sufficient reports whether a baseline has enough history to be tested.
func (c Config) Sufficient(b usage.MetricBaseline) bool {
	return b.SampleDays >= c.MinSampleDays
}

// Classification is the outcome of a triggered test.
type Classification struct {
	Type     usage.AnomalyType
	Severity usage.Severity
	ZScore   float64
	Expected float64 // baseline mean after the day-of-week factor
	Actual   float64

	// Factor is the day-of-week factor applied, nil when none was.
	Factor *float64
}

// DeviationScore is |Z|.
func (c Classification) DeviationScore() float64 {
	return math.Abs(c.ZScore)
}

// ExpectedValue returns the expectation for the baseline on day: the mean
// scaled by the day's factor when adjustment is enabled and a factor is
// stored, otherwise the raw mean. The applied factor is returned, or nil.
func ExpectedValue(b usage.MetricBaseline, day usage.DayKey, adjust bool) (float64, *float64) {
	if adjust {
		if f, ok := b.Factor(day); ok {
			return b.Mean * f, &f
		}
	}
	return b.Mean, nil
}

// ZScore returns (actual - expected) / stdDev. A non-positive stdDev yields
// 0: without variance no deviation is statistically meaningful.
func ZScore(actual, expected, stdDev float64) float64 {
	if stdDev <= 0 {
		return 0
	}
	return (actual - expected) / stdDev
}

// SeverityFor maps |Z| onto the configured thresholds. It reports false
// below the warning threshold.
func SeverityFor(absZ float64, cfg Config) (usage.Severity, bool) {
	switch {
	case absZ >= cfg.CriticalThreshold:
		return usage.SeverityCritical, true
	case absZ >= cfg.WarningThreshold:
		return usage.SeverityWarning, true
	default:
		return "", false
	}
}

// TypeFor returns the anomaly label for a metric and direction. Metrics
// without a dedicated label fall back to usage_drop / usage_spike.
func TypeFor(metric usage.MetricName, decrease bool) usage.AnomalyType {
	switch metric {
	case usage.MetricUniqueSymbols:
		if decrease {
			return usage.TypeVocabularyRegression
		}
		return usage.TypeVocabularyExpansion
	case usage.MetricSessionCount:
		if decrease {
			return usage.TypeSessionDrop
		}
		return usage.TypeSessionSpike
	default:
		if decrease {
			return usage.TypeUsageDrop
		}
		return usage.TypeUsageSpike
	}
}

// Classify tests one observed value against its baseline. It is pure and
// reports false when the deviation does not reach the warning threshold.
func Classify(actual float64, b usage.MetricBaseline, day usage.DayKey, cfg Config) (Classification, bool) {
	expected, factor := ExpectedValue(b, day, cfg.EnableDayOfWeekAdjustment)
	z := ZScore(actual, expected, b.StdDev)

	severity, ok := SeverityFor(math.Abs(z), cfg)
	if !ok {
		return Classification{}, false
	}

	return Classification{
		Type:     TypeFor(b.MetricName, z < 0),
		Severity: severity,
		ZScore:   z,
		Expected: expected,
		Actual:   actual,
		Factor:   factor,
	}, true
}
