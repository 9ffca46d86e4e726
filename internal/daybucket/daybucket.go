// Package daybucket normalizes timestamps to canonical UTC calendar days.
// Every component that groups records by day must go through this package;
// local-time bucketing would silently split or merge days.
package daybucket

import (
	"errors"
	"strings"
	"time"
)

var ErrInvalidDate = errors.New("invalid date")

const dayLayout = "2006-01-02"

// Normalize truncates t to UTC midnight of its calendar day.
func Normalize(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Key returns the grouping key for t's UTC calendar day, formatted YYYY-MM-DD.
func Key(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// ParseDay parses a day expressed as YYYY-MM-DD or RFC3339 and returns its
// UTC midnight. Returns ErrInvalidDate when the input parses to no valid
// instant.
func ParseDay(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, ErrInvalidDate
	}
	if parsed, err := time.Parse(dayLayout, trimmed); err == nil {
		return Normalize(parsed), nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return Normalize(parsed), nil
	}
	return time.Time{}, ErrInvalidDate
}

// EndOfDay returns the inclusive upper bound of t's UTC calendar day.
func EndOfDay(t time.Time) time.Time {
	return Normalize(t).Add(24*time.Hour - time.Nanosecond)
}

// Today returns the current UTC calendar day at midnight.
func Today() time.Time {
	return Normalize(time.Now().UTC())
}
