// Package clock lets the operation queue, retry wrapper and periodic flusher
// run against a manual clock in tests.
package clock

import "time"

// Clock is the time source used by the persistence pipeline.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real is the wall clock.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep mirrors time.Sleep.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Since returns the time elapsed on c since t.
func Since(c Clock, t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return c.Now().Sub(t)
}
