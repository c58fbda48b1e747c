package usage

import (
	"testing"
	"time"
)

func TestNextState(t *testing.T) {
	tests := []struct {
		from   LifecycleState
		action LifecycleAction
		want   LifecycleState
	}{
		{StateOpen, ActionAcknowledge, StateAcknowledged},
		{StateOpen, ActionResolve, StateResolved},
		{StateAcknowledged, ActionAcknowledge, StateAcknowledged},
		{StateAcknowledged, ActionResolve, StateResolved},
		{StateResolved, ActionAcknowledge, StateResolved},
		{StateResolved, ActionResolve, StateResolved},
		{StateOpen, "snooze", StateOpen},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.action), func(t *testing.T) {
			if got := NextState(tt.from, tt.action); got != tt.want {
				t.Errorf("NextState(%s, %s) = %s, want %s", tt.from, tt.action, got, tt.want)
			}
		})
	}
}

func TestAnomaly_Lifecycle(t *testing.T) {
	t1 := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	var a Anomaly
	if a.State() != StateOpen {
		t.Fatalf("new anomaly state = %s, want open", a.State())
	}

	if !a.Acknowledge("caregiver-1", t1) {
		t.Error("first Acknowledge should report a change")
	}
	if a.Acknowledge("caregiver-2", t2) {
		t.Error("second Acknowledge should be a no-op")
	}
	if a.AcknowledgedBy != "caregiver-1" || !a.AcknowledgedAt.Equal(t1) {
		t.Errorf("acknowledgment overwritten: by=%q at=%v", a.AcknowledgedBy, a.AcknowledgedAt)
	}
	if a.State() != StateAcknowledged {
		t.Errorf("state = %s, want acknowledged", a.State())
	}

	if !a.Resolve("new device", t1) {
		t.Error("first Resolve should report a change")
	}
	if a.Resolve("something else", t2) {
		t.Error("second Resolve should be a no-op")
	}
	if a.Resolution != "new device" || !a.ResolvedAt.Equal(t1) {
		t.Errorf("resolution overwritten: %q at %v", a.Resolution, a.ResolvedAt)
	}
	if a.State() != StateResolved {
		t.Errorf("state = %s, want resolved", a.State())
	}
}

func TestAnomaly_ResolveWithoutAcknowledge(t *testing.T) {
	var a Anomaly
	a.Resolve("sick day", time.Now())
	if a.State() != StateResolved {
		t.Errorf("state = %s, want resolved", a.State())
	}
	if a.Acknowledged {
		t.Error("resolve must not set acknowledged")
	}
}

func TestAnomaly_Message(t *testing.T) {
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		a    Anomaly
		want string
	}{
		{
			name: "drop",
			a: Anomaly{MetricName: MetricTotalTaps, ExpectedValue: 100, ActualValue: 60,
				Severity: SeverityCritical, DetectedForDate: date},
			want: "Total taps dropped to 60 (expected about 100) on 2026-03-02 (critical)",
		},
		{
			name: "rise with decimals",
			a: Anomaly{MetricName: MetricUniqueSymbols, ExpectedValue: 21.04, ActualValue: 35.62,
				Severity: SeverityWarning, DetectedForDate: date},
			want: "Unique symbols used rose to 35.6 (expected about 21) on 2026-03-02 (warning)",
		},
		{
			name: "unknown metric falls back to name",
			a: Anomaly{MetricName: "words_per_minute", ExpectedValue: 4, ActualValue: 9,
				Severity: SeverityWarning, DetectedForDate: date},
			want: "words_per_minute rose to 9 (expected about 4) on 2026-03-02 (warning)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Message(); got != tt.want {
				t.Errorf("Message() = %q, want %q", got, tt.want)
			}
		})
	}
}
