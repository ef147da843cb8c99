package watchdog

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"content-pipeline/internal/config"
	"content-pipeline/internal/models"
)

// cronParser accepts standard 5-field expressions and descriptors like "@every 30m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Window is a daily range of wall-clock minutes in which a kind's absence is
// expected. End before Start wraps past midnight.
type Window struct {
	Start, End int
}

// ParseWindow reads "HH:MM-HH:MM".
func ParseWindow(s string) (Window, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Window{}, fmt.Errorf("blackout %q: want HH:MM-HH:MM", s)
	}
	start, err := parseClock(from)
	if err != nil {
		return Window{}, fmt.Errorf("blackout %q: %w", s, err)
	}
	end, err := parseClock(to)
	if err != nil {
		return Window{}, fmt.Errorf("blackout %q: %w", s, err)
	}
	if start == end {
		return Window{}, fmt.Errorf("blackout %q: empty window", s)
	}
	return Window{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether the wall-clock time of t falls in the window.
// Start is inclusive, End exclusive.
func (w Window) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

// Expectation is how often a job kind should run.
type Expectation struct {
	Enabled   bool
	Interval  time.Duration
	Schedule  cronlib.Schedule
	Tolerance time.Duration
	Blackout  []Window
}

// Deadline is the latest time the next run may start after lastRun before
// the kind counts as stale. A cron schedule takes precedence over Interval.
func (e Expectation) Deadline(lastRun time.Time) time.Time {
	if e.Schedule != nil {
		return e.Schedule.Next(lastRun).Add(e.Tolerance)
	}
	return lastRun.Add(e.Interval + e.Tolerance)
}

// Stale reports whether now is strictly past the deadline.
func (e Expectation) Stale(lastRun, now time.Time) bool {
	return now.After(e.Deadline(lastRun))
}

// InBlackout reports whether t (already in the configured zone) is inside
// any blackout window.
func (e Expectation) InBlackout(t time.Time) bool {
	for _, w := range e.Blackout {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// ExpectationsFromConfig parses the per-kind schedule settings.
func ExpectationsFromConfig(jobs map[models.JobKind]config.JobKindConfig) (map[models.JobKind]Expectation, error) {
	out := make(map[models.JobKind]Expectation, len(jobs))
	for kind, jc := range jobs {
		exp := Expectation{Enabled: jc.Enabled, Interval: jc.Interval, Tolerance: jc.Tolerance}
		if jc.Schedule != "" {
			sched, err := cronParser.Parse(jc.Schedule)
			if err != nil {
				return nil, fmt.Errorf("jobs.%s.schedule: %w", kind, err)
			}
			exp.Schedule = sched
		}
		for _, b := range jc.Blackout {
			w, err := ParseWindow(b)
			if err != nil {
				return nil, fmt.Errorf("jobs.%s: %w", kind, err)
			}
			exp.Blackout = append(exp.Blackout, w)
		}
		out[kind] = exp
	}
	return out, nil
}
