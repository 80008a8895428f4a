// Package system provides a real clock implementation.
package system

import "time"

// Clock implements catalog.Clock using time.Now. Timestamps are truncated to
// microseconds so values survive a round trip through Postgres and SQLite.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time at microsecond precision.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
