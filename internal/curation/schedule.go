package curation

import (
	"strings"
	"time"
)

// UnscheduledLabel is the activity label for timestamps outside every
// configured window. It is a real label, not an error.
const UnscheduledLabel = "unscheduled"

// ActivityAt resolves the activity label for a timestamp. One-off activity
// log entries for that date are checked first; a covering entry overrides
// the recurring schedule. Otherwise the recurring schedule decides.
func (c Config) ActivityAt(t time.Time) string {
	date := t.Format("2006-01-02")
	minute := t.Hour()*60 + t.Minute()

	best := ""
	bestStart := -1
	for _, e := range c.ActivityLog {
		if e.Date != date {
			continue
		}
		start, err := parseClock(e.Start)
		if err != nil {
			continue
		}
		end, err := parseClock(e.End)
		if err != nil {
			continue
		}
		if minute >= start && minute < end && start >= bestStart {
			best = e.Label
			bestStart = start
		}
	}
	if best != "" {
		return best
	}

	return c.Schedule.ActivityAt(t)
}

// ActivityAt resolves the activity label for a timestamp by interval
// containment against the recurring schedule alone.
//
// When windows overlap, the containing window with the latest start time
// wins; among windows with identical starts, the later-defined entry wins.
// This makes "Mon 09:00-17:00 work" plus "Mon 12:00-13:00 lunch-run"
// resolve 12:30 to "lunch-run" without any ordering requirement on the
// document.
func (s Schedule) ActivityAt(t time.Time) string {
	day := dayKey(t.Weekday())
	minute := t.Hour()*60 + t.Minute()

	best := UnscheduledLabel
	bestStart := -1
	for _, a := range s.Activities {
		if !containsDay(a.Days, day) {
			continue
		}
		for _, w := range a.Windows {
			start, err := parseClock(w.Start)
			if err != nil {
				continue
			}
			end, err := parseClock(w.End)
			if err != nil {
				continue
			}
			if minute >= start && minute < end && start >= bestStart {
				best = a.Label
				bestStart = start
			}
		}
	}
	return best
}

func containsDay(days []string, day string) bool {
	for _, d := range days {
		if strings.ToLower(d) == day {
			return true
		}
	}
	return false
}

func dayKey(d time.Weekday) string {
	return strings.ToLower(d.String()[:3])
}
