// Package notify delivers caregiver alerts for detected anomalies to an
// HTTP webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/seancwalsh/flynn/internal/detection"
	"github.com/seancwalsh/flynn/internal/version"
	"github.com/seancwalsh/flynn/pkg/plugin"
	"github.com/seancwalsh/flynn/pkg/roles"
	"github.com/seancwalsh/flynn/pkg/usage"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
	_ plugin.Validator       = (*Module)(nil)
	_ plugin.HealthChecker   = (*Module)(nil)
	_ roles.Notifier         = (*Module)(nil)
)

// ErrDelivery is returned by Notify when the webhook could not be reached or
// answered with an error status.
var ErrDelivery = errors.New("webhook delivery failed")

// Config holds the notify plugin configuration.
type Config struct {
	Enabled         bool           `mapstructure:"enabled"`
	URL             string         `mapstructure:"url"`
	Timeout         time.Duration  `mapstructure:"timeout"`
	MinSeverity     usage.Severity `mapstructure:"min_severity"`
	QuietHoursStart string         `mapstructure:"quiet_hours_start"` // HH:MM, empty disables
	QuietHoursEnd   string         `mapstructure:"quiet_hours_end"`
	Timezone        string         `mapstructure:"timezone"` // IANA name quiet hours are evaluated in
}

// DefaultConfig returns the notify defaults: enabled, warning and above, no
// quiet hours.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Timeout:     10 * time.Second,
		MinSeverity: usage.SeverityWarning,
		Timezone:    "UTC",
	}
}

// Module implements the webhook notifier plugin.
type Module struct {
	logger *zap.Logger
	cfg    Config
	client *http.Client
	quiet  quietHours
	now    func() time.Time

	mu       sync.Mutex
	lastErr  error
	lastSent time.Time
}

// New creates a new notify plugin instance.
func New() *Module {
	return &Module{now: time.Now}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "notify",
		Version:      "0.1.0",
		Description:  "Posts caregiver alerts to a webhook when anomalies are detected",
		Dependencies: []string{"detection"},
		Roles:        []string{roles.RoleNotification},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal notify config: %w", err)
		}
	}

	quiet, err := m.cfg.quietHours()
	if err != nil {
		return err
	}
	m.quiet = quiet
	m.client = &http.Client{Timeout: m.cfg.Timeout}

	if m.cfg.Enabled && m.cfg.URL == "" {
		m.logger.Warn("notify URL not configured; notifications will be dropped",
			zap.String("component", "notify"),
		)
	}

	m.logger.Info("notify module initialized",
		zap.String("url", m.cfg.URL),
		zap.Duration("timeout", m.cfg.Timeout),
		zap.Bool("enabled", m.cfg.Enabled),
		zap.String("min_severity", string(m.cfg.MinSeverity)),
		zap.Bool("quiet_hours", m.quiet.enabled()),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	if m.cfg.MinSeverity.Rank() == 0 {
		return fmt.Errorf("unknown min_severity %q", m.cfg.MinSeverity)
	}
	if m.cfg.Timeout <= 0 {
		return fmt.Errorf("timeout %v must be positive", m.cfg.Timeout)
	}
	_, err := m.cfg.quietHours()
	return err
}

func (m *Module) Start(_ context.Context) error {
	m.logger.Info("notify module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("notify module stopped")
	return nil
}

// Subscriptions implements plugin.EventSubscriber.
func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Topic: detection.TopicAnomalyDetected, Handler: m.handleAnomaly},
	}
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	details := map[string]string{"enabled": fmt.Sprint(m.cfg.Enabled)}
	if !m.lastSent.IsZero() {
		details["last_sent_at"] = m.lastSent.UTC().Format(time.RFC3339)
	}
	if m.lastErr != nil {
		return plugin.HealthStatus{Status: "degraded", Message: m.lastErr.Error(), Details: details}
	}
	return plugin.HealthStatus{Status: "healthy", Details: details}
}

// WebhookPayload is the JSON body sent to the webhook URL.
type WebhookPayload struct {
	Event        string             `json:"event"`
	Source       string             `json:"source"`
	Timestamp    string             `json:"timestamp"`
	Notification roles.Notification `json:"notification"`
}

func (m *Module) handleAnomaly(ctx context.Context, event plugin.Event) {
	var a usage.Anomaly
	switch p := event.Payload.(type) {
	case usage.Anomaly:
		a = p
	case *usage.Anomaly:
		a = *p
	default:
		m.logger.Warn("unexpected anomaly event payload",
			zap.String("topic", event.Topic),
			zap.String("type", fmt.Sprintf("%T", event.Payload)),
		)
		return
	}

	if err := m.Notify(ctx, notificationFor(event.Topic, &a)); err != nil {
		m.logger.Warn("anomaly notification failed",
			zap.String("anomaly_id", a.ID),
			zap.String("child_id", a.ChildID),
			zap.Error(err),
		)
	}
}

func notificationFor(topic string, a *usage.Anomaly) roles.Notification {
	return roles.Notification{
		Topic:    topic,
		Summary:  a.Message(),
		Severity: a.Severity,
		ChildID:  a.ChildID,
		Meta: map[string]any{
			"anomaly_id":        a.ID,
			"type":              a.Type,
			"metric":            a.MetricName,
			"deviation_score":   a.DeviationScore,
			"detected_for_date": a.DetectedForDate.Format(usage.DateLayout),
		},
	}
}

// Notify implements roles.Notifier. Notifications below min_severity or
// inside quiet hours are suppressed and return nil.
func (m *Module) Notify(ctx context.Context, n roles.Notification) error {
	if reason := m.suppressReason(n); reason != "" {
		notificationsTotal.WithLabelValues("suppressed").Inc()
		m.logger.Debug("notification suppressed",
			zap.String("topic", n.Topic),
			zap.String("child_id", n.ChildID),
			zap.String("reason", reason),
		)
		return nil
	}

	body, err := json.Marshal(WebhookPayload{
		Event:        n.Topic,
		Source:       "flynn",
		Timestamp:    m.now().UTC().Format(time.RFC3339),
		Notification: n,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	err = m.send(ctx, body)
	m.mu.Lock()
	m.lastErr = err
	if err == nil {
		m.lastSent = m.now()
	}
	m.mu.Unlock()

	if err != nil {
		notificationsTotal.WithLabelValues("failed").Inc()
		return err
	}
	notificationsTotal.WithLabelValues("sent").Inc()
	m.logger.Debug("notification delivered",
		zap.String("topic", n.Topic),
		zap.String("child_id", n.ChildID),
	)
	return nil
}

func (m *Module) suppressReason(n roles.Notification) string {
	switch {
	case !m.cfg.Enabled:
		return "disabled"
	case m.cfg.URL == "":
		return "no url"
	case n.Severity != "" && n.Severity.Rank() < m.cfg.MinSeverity.Rank():
		return "below min_severity"
	case m.quiet.contains(m.now()):
		return "quiet hours"
	}
	return ""
}

func (m *Module) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Flynn-Notify/"+version.Short())

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", ErrDelivery, resp.StatusCode)
	}
	return nil
}
