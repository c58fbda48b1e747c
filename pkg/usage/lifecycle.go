package usage

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// LifecycleState is the caregiver-facing state of an anomaly, derived from
// its acknowledgment and resolution fields.
type LifecycleState string

const (
	StateOpen         LifecycleState = "open"
	StateAcknowledged LifecycleState = "acknowledged"
	StateResolved     LifecycleState = "resolved"
)

// LifecycleAction is a mutation applied to an anomaly after detection.
type LifecycleAction string

const (
	ActionAcknowledge LifecycleAction = "acknowledge"
	ActionResolve     LifecycleAction = "resolve"
)

// NextState returns the state reached by applying action in state from.
// Acknowledge and resolve are independent: both are reachable directly from
// open, and resolved is terminal.
func NextState(from LifecycleState, action LifecycleAction) LifecycleState {
	if from == StateResolved {
		return StateResolved
	}
	switch action {
	case ActionResolve:
		return StateResolved
	case ActionAcknowledge:
		return StateAcknowledged
	default:
		return from
	}
}

// State derives the lifecycle state from the stored fields.
func (a *Anomaly) State() LifecycleState {
	switch {
	case a.ResolvedAt != nil:
		return StateResolved
	case a.Acknowledged:
		return StateAcknowledged
	default:
		return StateOpen
	}
}

// Acknowledge marks the anomaly as seen by userID. It reports whether any
// field changed; acknowledging twice keeps the first acknowledgment.
func (a *Anomaly) Acknowledge(userID string, at time.Time) bool {
	if a.Acknowledged {
		return false
	}
	a.Acknowledged = true
	a.AcknowledgedAt = &at
	a.AcknowledgedBy = userID
	return true
}

// Resolve closes the anomaly with a free-text resolution. It does not require
// a prior acknowledgment. It reports whether any field changed; resolving an
// already resolved anomaly keeps the original resolution.
func (a *Anomaly) Resolve(resolution string, at time.Time) bool {
	if a.ResolvedAt != nil {
		return false
	}
	a.ResolvedAt = &at
	a.Resolution = resolution
	return true
}

var metricLabels = map[MetricName]string{
	MetricTotalTaps:     "Total taps",
	MetricUniqueSymbols: "Unique symbols used",
	MetricSessionCount:  "Sessions",
}

// Message renders the one-line, caregiver-facing description of the anomaly
// that digest and notification consumers embed, for example:
//
//	Total taps dropped to 60 (expected about 100) on 2026-03-02 (critical)
func (a *Anomaly) Message() string {
	label, ok := metricLabels[a.MetricName]
	if !ok {
		label = string(a.MetricName)
	}
	verb := "rose to"
	if a.ActualValue < a.ExpectedValue {
		verb = "dropped to"
	}
	return fmt.Sprintf("%s %s %s (expected about %s) on %s (%s)",
		label, verb, formatValue(a.ActualValue), formatValue(a.ExpectedValue),
		a.DetectedForDate.Format(DateLayout), a.Severity)
}

// formatValue prints at most one decimal and drops a trailing ".0".
func formatValue(v float64) string {
	return strconv.FormatFloat(math.Round(v*10)/10, 'f', -1, 64)
}
