// Package clock lets time-driven code (decision timeouts, retry backoff) run
// against a controllable clock in tests.
package clock

import "time"

// Clock is the subset of the time package the coordinator depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real delegates to the time package.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time { return time.Now().UTC() }

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep mirrors time.Sleep.
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
