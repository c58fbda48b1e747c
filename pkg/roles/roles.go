// Package roles defines typed contracts for plugin roles.
// Plugins that fill a role (declared via PluginInfo.Roles) should implement
// the corresponding interface so callers can use type-safe access via
// PluginResolver.ResolveByRole followed by a type assertion.
package roles

import (
	"context"

	"github.com/seancwalsh/flynn/pkg/usage"
)

// Role name constants match the strings used in PluginInfo.Roles.
const (
	RoleAnomalyDetection = "anomaly_detection"
	RoleNotification     = "notification"
)

// AnomalyProvider is implemented by plugins that detect and store usage
// anomalies. Downstream consumers such as digest generators resolve it via
// PluginResolver.ResolveByRole(RoleAnomalyDetection).
type AnomalyProvider interface {
	// UnacknowledgedAnomalies returns a child's open anomalies, newest first.
	UnacknowledgedAnomalies(ctx context.Context, childID string, limit int) ([]usage.Anomaly, error)

	// RecentAnomalies returns anomalies detected for the last days days,
	// newest first, regardless of acknowledgment.
	RecentAnomalies(ctx context.Context, childID string, days int) ([]usage.Anomaly, error)
}

// Notification represents a message to be delivered by a Notifier.
type Notification struct {
	Topic    string         `json:"topic"`
	Summary  string         `json:"summary"`
	Severity usage.Severity `json:"severity,omitempty"`
	ChildID  string         `json:"child_id,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Notifier is implemented by plugins that deliver caregiver alerts.
type Notifier interface {
	// Notify delivers a notification. Implementations may suppress delivery
	// (quiet hours, severity floor) and return nil.
	Notify(ctx context.Context, n Notification) error
}
