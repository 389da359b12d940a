package engine

import "time"

// Clock supplies wall-clock time to the state machine. Audit ordering never
// depends on it; the audit seq does that.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
