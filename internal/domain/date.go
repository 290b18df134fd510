package domain

import (
	"fmt"
	"strings"
	"time"
)

// Date is a calendar day with no time zone attached. Records are keyed by it.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses an ISO-8601 calendar date (YYYY-MM-DD).
func ParseDate(value string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(value))
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", value, err)
	}
	return DateOf(t), nil
}

// MustParseDate is ParseDate for literals in tests and fixtures.
func MustParseDate(value string) Date {
	d, err := ParseDate(value)
	if err != nil {
		panic(err)
	}
	return d
}

// String renders the ISO-8601 form.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Time returns midnight UTC of the day, the form stored in DATE columns.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// AddDays returns the date n days later (earlier when n is negative).
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	return d.Time().Before(other.Time())
}

// After reports whether d is strictly later than other.
func (d Date) After(other Date) bool {
	return d.Time().After(other.Time())
}

// Within reports whether d lies in the inclusive range [start, end].
func (d Date) Within(start, end Date) bool {
	return !d.Before(start) && !d.After(end)
}

// MarshalText implements encoding.TextMarshaler.
func (d Date) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte(""), nil
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(text []byte) error {
	if len(strings.TrimSpace(string(text))) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
