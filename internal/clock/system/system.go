// Package system provides the wall clock used for job timestamps.
package system

import "time"

// Clock implements geoexport.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to milliseconds, the precision
// every job store keeps.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
