// Package seed writes deterministic demo usage data: children, daily
// snapshots and the baselines derived from them. The last seeded day carries
// deliberate deviations for some children so a detection run over it finds
// anomalies.
package seed

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/seancwalsh/flynn/pkg/usage"
)

// Writer is the subset of the usage store the seeder needs.
type Writer interface {
	AddChild(ctx context.Context, childID string) error
	UpsertSnapshot(ctx context.Context, snap *usage.DailyMetricSnapshot) error
	UpsertBaseline(ctx context.Context, b *usage.MetricBaseline) error
}

// Options controls how much data is seeded.
type Options struct {
	Children int       // number of demo children
	Days     int       // history days per child, excluding the detection day
	End      time.Time // detection day; zero means yesterday UTC
	Seed     uint64    // random source seed
}

// DefaultOptions returns four children with four weeks of history.
func DefaultOptions() Options {
	return Options{Children: 4, Days: 28, Seed: 42}
}

// Summary reports what Demo wrote.
type Summary struct {
	Children  []string  `json:"children"`
	Snapshots int       `json:"snapshots"`
	Baselines int       `json:"baselines"`
	End       time.Time `json:"end"`
}

// profile is the typical daily usage of a demo child.
type profile struct {
	taps, symbols, sessions float64
	weekend                 float64 // multiplier on Saturday and Sunday
}

var profiles = []profile{
	{taps: 420, symbols: 38, sessions: 9, weekend: 0.7},
	{taps: 180, symbols: 22, sessions: 5, weekend: 1.2},
	{taps: 610, symbols: 55, sessions: 12, weekend: 0.6},
	{taps: 95, symbols: 14, sessions: 3, weekend: 1.0},
}

// deviation is applied to the detection day of every child whose index
// selects it.
type deviation struct {
	taps, symbols, sessions float64
}

var deviations = []deviation{
	{taps: 1, symbols: 1, sessions: 1},      // typical day
	{taps: 0.4, symbols: 0.8, sessions: 1},  // usage drop
	{taps: 1.1, symbols: 1.7, sessions: 1},  // vocabulary expansion
	{taps: 1, symbols: 1, sessions: 2.2},    // session spike
	{taps: 1, symbols: 0.45, sessions: 0.9}, // vocabulary regression
}

// Demo seeds opts.Children children. It is idempotent: children are inserted
// if missing and snapshots and baselines are upserted, so re-running with
// the same options rewrites the same values.
func Demo(ctx context.Context, w Writer, opts Options) (Summary, error) {
	if opts.Children < 1 || opts.Days < 1 {
		return Summary{}, fmt.Errorf("seed needs at least one child and one day, got %d and %d", opts.Children, opts.Days)
	}
	end := opts.End
	if end.IsZero() {
		end = time.Now().UTC().AddDate(0, 0, -1)
	}
	y, m, d := end.UTC().Date()
	end = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	sum := Summary{End: end}
	for i := range opts.Children {
		childID := fmt.Sprintf("demo-child-%02d", i+1)
		if err := w.AddChild(ctx, childID); err != nil {
			return sum, fmt.Errorf("add child %s: %w", childID, err)
		}

		rng := rand.New(rand.NewPCG(opts.Seed, uint64(i))) //nolint:gosec // demo data
		p := profiles[i%len(profiles)]

		history := make([]usage.DailyMetricSnapshot, 0, opts.Days)
		for day := opts.Days; day >= 1; day-- {
			snap := simulate(rng, childID, end.AddDate(0, 0, -day), p, deviation{1, 1, 1})
			if err := w.UpsertSnapshot(ctx, &snap); err != nil {
				return sum, fmt.Errorf("seed snapshot %s: %w", childID, err)
			}
			history = append(history, snap)
		}

		last := simulate(rng, childID, end, p, deviations[i%len(deviations)])
		if err := w.UpsertSnapshot(ctx, &last); err != nil {
			return sum, fmt.Errorf("seed snapshot %s: %w", childID, err)
		}
		sum.Snapshots += len(history) + 1

		for _, metric := range usage.TrackedMetrics {
			b := Baseline(childID, metric, history)
			b.UpdatedAt = end
			if err := w.UpsertBaseline(ctx, &b); err != nil {
				return sum, fmt.Errorf("seed baseline %s/%s: %w", childID, metric, err)
			}
			sum.Baselines++
		}
		sum.Children = append(sum.Children, childID)
	}
	return sum, nil
}

// simulate draws one day of usage around the profile, scaled for weekends
// and by dev.
func simulate(rng *rand.Rand, childID string, date time.Time, p profile, dev deviation) usage.DailyMetricSnapshot {
	scale := 1.0
	if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
		scale = p.weekend
	}
	draw := func(mean, factor float64) int {
		v := mean * scale * (1 + rng.NormFloat64()*0.08) * factor
		return max(0, int(math.Round(v)))
	}
	return usage.DailyMetricSnapshot{
		ChildID:       childID,
		Date:          date,
		TotalTaps:     draw(p.taps, dev.taps),
		UniqueSymbols: draw(p.symbols, dev.symbols),
		SessionCount:  draw(p.sessions, dev.sessions),
	}
}

// Baseline computes the rolling statistics of metric over history: mean,
// sample standard deviation, and per-weekday factors relative to the mean.
func Baseline(childID string, metric usage.MetricName, history []usage.DailyMetricSnapshot) usage.MetricBaseline {
	b := usage.MetricBaseline{ChildID: childID, MetricName: metric}

	var total float64
	byDay := make(map[usage.DayKey][]float64)
	values := make([]float64, 0, len(history))
	for i := range history {
		v, ok := history[i].Value(metric)
		if !ok {
			continue
		}
		values = append(values, v)
		total += v
		key := usage.DayKeyFor(history[i].Date)
		byDay[key] = append(byDay[key], v)
	}
	b.SampleDays = len(values)
	if b.SampleDays == 0 {
		return b
	}
	b.Mean = total / float64(b.SampleDays)

	if b.SampleDays > 1 {
		var ss float64
		for _, v := range values {
			ss += (v - b.Mean) * (v - b.Mean)
		}
		b.StdDev = math.Sqrt(ss / float64(b.SampleDays-1))
	}

	if b.Mean > 0 {
		b.DayOfWeekFactors = make(map[usage.DayKey]float64, len(byDay))
		for key, vs := range byDay {
			var s float64
			for _, v := range vs {
				s += v
			}
			b.DayOfWeekFactors[key] = math.Round(s/float64(len(vs))/b.Mean*1000) / 1000
		}
	}
	return b
}
