// Package reminders keeps the assistant's timed reminders. Reminders are
// created by the model through reply fields or edited by hand, persisted to
// a JSON file, and armed on the shared scheduler one session day at a time.
package reminders

import (
	"fmt"
	"strings"
	"time"
)

// Interval is how often a repeating reminder recurs.
type Interval string

const (
	Day       Interval = "day"
	Week      Interval = "week"
	Fortnight Interval = "fortnight"
	Month     Interval = "month"
	Quarter   Interval = "quarter"
	Year      Interval = "year"
)

// Intervals lists every valid interval.
var Intervals = []Interval{Day, Week, Fortnight, Month, Quarter, Year}

// ParseInterval validates an interval name. The empty string means Day.
func ParseInterval(s string) (Interval, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Day, nil
	}
	for _, iv := range Intervals {
		if string(iv) == s {
			return iv, nil
		}
	}
	return "", fmt.Errorf("invalid repeat interval %q", s)
}

// Next returns t advanced by one interval. Month-based intervals keep the
// day of month, clamped to the last day of shorter months.
func (iv Interval) Next(t time.Time) time.Time {
	switch iv {
	case Day:
		return t.AddDate(0, 0, 1)
	case Week:
		return t.AddDate(0, 0, 7)
	case Fortnight:
		return t.AddDate(0, 0, 14)
	case Month:
		return addMonths(t, 1)
	case Quarter:
		return addMonths(t, 3)
	case Year:
		return addMonths(t, 12)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// Adverb returns the interval as used in "Added weekly reminder".
func (iv Interval) Adverb() string {
	switch iv {
	case Day:
		return "daily"
	case Fortnight:
		return "fortnightly"
	case Quarter:
		return "quarterly"
	default:
		return string(iv) + "ly"
	}
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(d, last)-1)
}

// Reminder is one stored reminder.
type Reminder struct {
	ID             string    `json:"id"`
	Time           time.Time `json:"time"`
	Text           string    `json:"text"`
	Repeat         bool      `json:"repeat"`
	RepeatInterval Interval  `json:"repeat_interval,omitempty"`
}

// SameAs reports whether r and o share the (time, text, repeat) triple that
// identifies a duplicate.
func (r Reminder) SameAs(o Reminder) bool {
	return r.Time.Equal(o.Time) && r.Text == o.Text && r.Repeat == o.Repeat
}

// NextAfter returns the first occurrence of a repeating reminder strictly
// after now, at least one interval past r.Time.
func (r Reminder) NextAfter(now time.Time) time.Time {
	next := r.RepeatInterval.Next(r.Time)
	for !next.After(now) {
		next = r.RepeatInterval.Next(next)
	}
	return next
}

func (r Reminder) String() string {
	s := fmt.Sprintf("%s: %s", r.Time.Format(time.RFC3339), r.Text)
	if r.Repeat {
		s += fmt.Sprintf(" (repeats every %s)", r.RepeatInterval)
	}
	return s
}
