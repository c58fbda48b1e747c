package notify

import (
	"fmt"
	"time"
)

// quietHours is a daily window, in minutes past local midnight, during which
// notifications are held back. start == end means no window. A window with
// start > end wraps midnight.
type quietHours struct {
	start, end int
	loc        *time.Location
}

func (q quietHours) enabled() bool {
	return q.start != q.end
}

func (q quietHours) contains(t time.Time) bool {
	if !q.enabled() {
		return false
	}
	local := t.In(q.loc)
	m := local.Hour()*60 + local.Minute()
	if q.start < q.end {
		return m >= q.start && m < q.end
	}
	return m >= q.start || m < q.end
}

func (c Config) quietHours() (quietHours, error) {
	loc := time.UTC
	if c.Timezone != "" {
		l, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return quietHours{}, fmt.Errorf("notify timezone %q: %w", c.Timezone, err)
		}
		loc = l
	}
	if c.QuietHoursStart == "" && c.QuietHoursEnd == "" {
		return quietHours{loc: loc}, nil
	}
	start, err := minuteOfDay(c.QuietHoursStart)
	if err != nil {
		return quietHours{}, fmt.Errorf("quiet_hours_start: %w", err)
	}
	end, err := minuteOfDay(c.QuietHoursEnd)
	if err != nil {
		return quietHours{}, fmt.Errorf("quiet_hours_end: %w", err)
	}
	return quietHours{start: start, end: end, loc: loc}, nil
}

func minuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%q must be HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
