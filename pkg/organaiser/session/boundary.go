package session

import (
	"fmt"
	"time"
)

// DateLayout is the on-disk date format of session logs.
const DateLayout = "2006-01-02"

// Clock is a time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (or "HH:MM:SS", seconds ignored).
func ParseClock(s string) (Clock, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
		}
	}
	return Clock{}, fmt.Errorf("invalid time of day %q", s)
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Before reports whether c is earlier in the day than o.
func (c Clock) Before(o Clock) bool {
	return c.minutes() < o.minutes()
}

func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

// On returns the instant at clock c on the given date in loc.
func (c Clock) On(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, loc)
}

// DefaultNoonCutoff decides whether a rollover time belongs to the evening
// of the session's own date or the early morning of the next one.
var DefaultNoonCutoff = Clock{Hour: 12}

// Boundary describes when one session's day ends and the next begins.
type Boundary struct {
	Rollover   Clock
	NoonCutoff Clock
	Location   *time.Location
}

// NewBoundary returns a Boundary using DefaultNoonCutoff.
func NewBoundary(rollover Clock, loc *time.Location) Boundary {
	return Boundary{Rollover: rollover, NoonCutoff: DefaultNoonCutoff, Location: loc}
}

func (b Boundary) loc() *time.Location {
	if b.Location == nil {
		return time.Local
	}
	return b.Location
}

// Day truncates t to midnight of its calendar date in the boundary's
// location.
func (b Boundary) Day(t time.Time) time.Time {
	y, m, d := t.In(b.loc()).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, b.loc())
}

// Today returns the session date for the instant now. A rollover at or
// after the cutoff starts the next date early; one before the cutoff keeps
// the previous date running past midnight.
func (b Boundary) Today(now time.Time) time.Time {
	now = now.In(b.loc())
	today := b.Day(now)
	current := Clock{Hour: now.Hour(), Minute: now.Minute()}

	if !b.Rollover.Before(b.NoonCutoff) {
		if !current.Before(b.Rollover) {
			today = today.AddDate(0, 0, 1)
		}
	} else if current.Before(b.Rollover) {
		today = today.AddDate(0, 0, -1)
	}
	return today
}

// NextRollover returns the instant the session for date ends.
func (b Boundary) NextRollover(date time.Time) time.Time {
	if b.Rollover.Before(b.NoonCutoff) {
		return b.Rollover.On(date.AddDate(0, 0, 1), b.loc())
	}
	return b.Rollover.On(date, b.loc())
}

// ParseDate parses a session date in the boundary's location.
func (b Boundary) ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, b.loc())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}
