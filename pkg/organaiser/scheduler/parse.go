package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// naiveLayouts are accepted without a zone offset and interpreted in the
// caller's location.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseTime parses a time as the model or an operator writes it. Supports
// relative durations ("5m", "1h30m"), Unix epoch seconds, RFC 3339, naive
// date-times (interpreted in loc) and "15:04" (today, or tomorrow if that
// time has passed).
func ParseTime(value string, now time.Time, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)

	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return now.Add(d), nil
	}

	if len(value) >= 10 && isDigits(value) {
		if epoch, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Unix(epoch, 0).In(loc), nil
		}
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}

	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}

	if t, err := time.Parse("15:04", value); err == nil {
		target := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if target.Before(now) {
			target = target.AddDate(0, 0, 1)
		}
		return target, nil
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", value)
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
