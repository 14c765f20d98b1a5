package domain

import (
	"fmt"
	"math"
	"time"
)

// MinutesUnlimited is the "no restriction constrains this" value. It is
// large enough that it never wins a min() against a real remaining-minutes
// figure.
const MinutesUnlimited = math.MaxInt32

// WindowWeekDaySpan is a permitted span of clock time within one day,
// expressed as minutes since midnight. The span covers [Start, End);
// End must be strictly greater than Start.
type WindowWeekDaySpan struct {
	ID    int64
	Start int
	End   int
}

const minutesPerDay = 24 * 60

// Validate rejects spans that cannot describe a clock interval.
func (s WindowWeekDaySpan) Validate() error {
	if s.Start < 0 || s.End > minutesPerDay {
		return fmt.Errorf("%w: span %s outside 00:00-24:00", ErrMalformedSchedule, s)
	}
	if s.End <= s.Start {
		return fmt.Errorf("%w: span %s has end <= start", ErrMalformedSchedule, s)
	}
	return nil
}

// MinutesLeft returns whole minutes until the span closes, rounded up, or 0
// if the moment falls outside the span. Strictly inside the span the result
// is always at least 1; at End and beyond it is exactly 0.
func (s WindowWeekDaySpan) MinutesLeft(t time.Time) int {
	sec := t.Hour()*3600 + t.Minute()*60 + t.Second()
	if sec < s.Start*60 || sec >= s.End*60 {
		return 0
	}
	return (s.End*60 - sec + 59) / 60
}

func (s WindowWeekDaySpan) String() string {
	return fmt.Sprintf("%02d%02d-%02d%02d", s.Start/60, s.Start%60, s.End/60, s.End%60)
}

// WindowWeekDay holds the spans permitted on one ISO weekday (1=Monday).
// Spans are kept sorted by start and assumed non-overlapping; if overlapping
// spans are configured anyway, MinutesLeft takes the most permissive answer.
type WindowWeekDay struct {
	Day   int
	Spans []WindowWeekDaySpan
}

// MinutesLeft returns the minutes left in whichever span contains the
// moment, or 0 when no span does. An empty day is locked all day.
func (d WindowWeekDay) MinutesLeft(t time.Time) int {
	left := 0
	for _, span := range d.Spans {
		if m := span.MinutesLeft(t); m > left {
			left = m
		}
	}
	return left
}

// WindowWeek is a named recurring weekly schedule: exactly seven days,
// indexed by ISO weekday. A WindowWeek with all-empty days denies access at
// every instant; that is distinct from a group carrying no window at all.
type WindowWeek struct {
	ID   int64
	Name string
	Days [7]WindowWeekDay
}

// Validate checks the construction-time invariants: all seven days present
// with the right weekday numbers, every span well formed.
func (w *WindowWeek) Validate() error {
	for i, day := range w.Days {
		if day.Day != i+1 {
			return fmt.Errorf("%w: window %q day %d has weekday %d", ErrMalformedSchedule, w.Name, i+1, day.Day)
		}
		for _, span := range day.Spans {
			if err := span.Validate(); err != nil {
				return fmt.Errorf("window %q day %d: %w", w.Name, i+1, err)
			}
		}
	}
	return nil
}

// DayFor returns the schedule for the ISO weekday of t.
func (w *WindowWeek) DayFor(t time.Time) WindowWeekDay {
	return w.Days[ISOWeekday(t)-1]
}

// MinutesLeft returns the whole minutes remaining before the currently-open
// span closes, or 0 when t falls inside no span of its weekday.
func (w *WindowWeek) MinutesLeft(t time.Time) int {
	return w.DayFor(t).MinutesLeft(t)
}

// WindowMinutesLeft answers the window question for a whole group: a group
// with no window is unlimited, a group whose window is locked right now
// gets 0.
func (g ProgramGroup) WindowMinutesLeft(t time.Time) int {
	if g.Window == nil {
		return MinutesUnlimited
	}
	return g.Window.MinutesLeft(t)
}

// ISOWeekday maps t to 1=Monday..7=Sunday.
func ISOWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
