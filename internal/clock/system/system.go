// Package system provides a real clock implementation.
package system

import "time"

// Clock implements crawler.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to microseconds, the finest
// precision every supported store round-trips.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
