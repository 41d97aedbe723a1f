// Package schedule expands a date range and a time of day into send times.
package schedule

import (
	"fmt"
	"iter"
	"time"
)

const (
	DateLayout      = "2006-01-02"
	TimeOfDayLayout = "15:04"
)

// TimeOfDay is a wall clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM" in 24 hour form.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parsed, err := time.Parse(TimeOfDayLayout, s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

// ParseDate parses a "YYYY-MM-DD" calendar date in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return d, nil
}

// Expand yields one instant per calendar day from start to end inclusive, at
// the given time of day in loc. Only the calendar dates of start and end are
// used. Nothing is yielded when end is before start.
//
// Days are stepped with AddDate so a daylight saving change keeps the wall
// clock time rather than drifting by an hour.
func Expand(start, end time.Time, at TimeOfDay, loc *time.Location) iter.Seq[time.Time] {
	if loc == nil {
		loc = time.UTC
	}

	first := civilDate(start, loc)
	last := civilDate(end, loc)

	return func(yield func(time.Time) bool) {
		for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
			ts := time.Date(day.Year(), day.Month(), day.Day(), at.Hour, at.Minute, 0, 0, loc)
			if !yield(ts) {
				return
			}
		}
	}
}

// civilDate returns midnight of t's calendar date, interpreted in loc.
func civilDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
