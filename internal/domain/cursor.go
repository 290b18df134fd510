package domain

import "time"

// Cursor marks the last session of a page; sessions are listed by start time, newest first.
type Cursor struct {
	StartTime time.Time
	ID        string
}

// DefaultSessionPageSize and MaxSessionPageSize bound session listings.
const (
	DefaultSessionPageSize = 20
	MaxSessionPageSize     = 100
)

// Before reports whether the session sorts after the cursor, i.e. belongs to the next page.
func (c Cursor) Before(s ActivitySession) bool {
	if s.StartTime.Equal(c.StartTime) {
		return s.ID < c.ID
	}
	return s.StartTime.Before(c.StartTime)
}

// ClampPageSize applies the default and maximum session page sizes.
func ClampPageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultSessionPageSize
	case limit > MaxSessionPageSize:
		return MaxSessionPageSize
	default:
		return limit
	}
}
