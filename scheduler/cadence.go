/*
Package scheduler runs the named automation jobs on fixed cadences.

PURPOSE:
  One long-lived dispatcher ticks the configured cadences and runs each
  due job on a bounded worker pool. Every invocation is recorded as a
  JobRun; a named lock (the unfinished JobRun row) guarantees at most
  one concurrent run per job.

DESIGN:
  - Cadences are explicit configuration passed in at construction, not
    ambient global registration, so the dispatcher is testable with a
    synthetic clock by calling Dispatch directly.
  - All cadences are UTC. Daylight saving does not move job times.
  - A job that panics or times out is recorded as failed; the
    dispatcher itself never crashes and the next tick still fires.

SEE ALSO:
  - dispatcher.go: lock acquisition and run execution
  - jobs.go: the production job list binding engines to cadences
*/
package scheduler

import (
	"fmt"
	"time"
)

// =============================================================================
// CADENCE - When a job fires, always UTC
// =============================================================================

type Schedule interface {
	// Next returns the first firing time strictly after the given time.
	Next(after time.Time) time.Time
	String() string
}

// Hourly fires at the given minute of every hour.
func Hourly(minute int) Schedule { return hourly{minute: minute} }

// Daily fires once a day at hour:minute UTC.
func Daily(hour, minute int) Schedule { return daily{hour: hour, minute: minute} }

// Weekly fires once a week on the given weekday at hour:minute UTC.
func Weekly(weekday time.Weekday, hour, minute int) Schedule {
	return weekly{weekday: weekday, hour: hour, minute: minute}
}

// Monthly fires on the given day of the month at hour:minute UTC.
// Days past a month's end resolve to that month's last day.
func Monthly(day, hour, minute int) Schedule {
	return monthly{day: day, hour: hour, minute: minute}
}

type hourly struct{ minute int }

func (h hourly) Next(after time.Time) time.Time {
	t := after.UTC().Truncate(time.Hour).Add(time.Duration(h.minute) * time.Minute)
	if !t.After(after) {
		t = t.Add(time.Hour)
	}
	return t
}

func (h hourly) String() string { return fmt.Sprintf("hourly at :%02d", h.minute) }

type daily struct{ hour, minute int }

func (d daily) Next(after time.Time) time.Time {
	u := after.UTC()
	t := time.Date(u.Year(), u.Month(), u.Day(), d.hour, d.minute, 0, 0, time.UTC)
	if !t.After(after) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func (d daily) String() string { return fmt.Sprintf("daily at %02d:%02d UTC", d.hour, d.minute) }

type weekly struct {
	weekday time.Weekday
	hour    int
	minute  int
}

func (w weekly) Next(after time.Time) time.Time {
	u := after.UTC()
	t := time.Date(u.Year(), u.Month(), u.Day(), w.hour, w.minute, 0, 0, time.UTC)
	for t.Weekday() != w.weekday || !t.After(after) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func (w weekly) String() string {
	return fmt.Sprintf("weekly on %s at %02d:%02d UTC", w.weekday, w.hour, w.minute)
}

type monthly struct{ day, hour, minute int }

func (m monthly) Next(after time.Time) time.Time {
	u := after.UTC()
	t := m.inMonth(u.Year(), u.Month())
	if !t.After(after) {
		t = m.inMonth(u.Year(), u.Month()+1)
	}
	return t
}

// inMonth builds the firing time for one month, clamping the day to the
// month's length so "day 31" fires on the 30th/28th where needed.
func (m monthly) inMonth(year int, month time.Month) time.Time {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	day := m.day
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month, day, m.hour, m.minute, 0, 0, time.UTC)
}

func (m monthly) String() string {
	return fmt.Sprintf("monthly on day %d at %02d:%02d UTC", m.day, m.hour, m.minute)
}
