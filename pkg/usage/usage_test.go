package usage

import (
	"testing"
	"time"
)

func TestDayKeyFor(t *testing.T) {
	// 2026-03-01 is a Sunday.
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	want := []DayKey{Sunday, Monday, Tuesday, Wednesday, Thursday, Friday, Saturday}
	for i, w := range want {
		if got := DayKeyFor(start.AddDate(0, 0, i)); got != w {
			t.Errorf("DayKeyFor(+%d) = %s, want %s", i, got, w)
		}
	}
}

func TestParseDayKey(t *testing.T) {
	tests := []struct {
		in     string
		want   DayKey
		wantOK bool
	}{
		{"mon", Monday, true},
		{"Mon", Monday, true},
		{" wednesday ", Wednesday, true},
		{"thurs", Thursday, true},
		{"SAT", Saturday, true},
		{"su", "", false},
		{"monkey", "", false},
		{"", "", false},
		{"funday", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseDayKey(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseDayKey(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSnapshotValue(t *testing.T) {
	s := DailyMetricSnapshot{TotalTaps: 120, UniqueSymbols: 34, SessionCount: 5}
	for metric, want := range map[MetricName]float64{
		MetricTotalTaps:     120,
		MetricUniqueSymbols: 34,
		MetricSessionCount:  5,
	} {
		got, ok := s.Value(metric)
		if !ok || got != want {
			t.Errorf("Value(%s) = %v, %v; want %v", metric, got, ok, want)
		}
	}
	if _, ok := s.Value("words_per_minute"); ok {
		t.Error("Value of an untracked metric reported ok")
	}
}

func TestBaselineFactor(t *testing.T) {
	var b MetricBaseline
	if _, ok := b.Factor(Monday); ok {
		t.Error("nil factor map reported a factor")
	}
	b.DayOfWeekFactors = map[DayKey]float64{Saturday: 0.6}
	if f, ok := b.Factor(Saturday); !ok || f != 0.6 {
		t.Errorf("Factor(sat) = %v, %v", f, ok)
	}
	if _, ok := b.Factor(Monday); ok {
		t.Error("missing day reported a factor")
	}
}

func TestSeverityRank(t *testing.T) {
	if SeverityCritical.Rank() <= SeverityWarning.Rank() {
		t.Error("critical must outrank warning")
	}
	if Severity("info").Rank() != 0 {
		t.Error("unknown severity must rank 0")
	}
}
