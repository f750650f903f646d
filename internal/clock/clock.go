// Package clock abstracts wall time and delayed callbacks so timer-driven
// protocols (keepalives, debounce, backoff, polling) can be driven
// deterministically in tests.
package clock

import "time"

// Timer is a cancellable handle to a scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing. It returns false if the
	// callback already fired or the timer was already stopped.
	Stop() bool
}

// Clock provides the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// New returns a Clock backed by the time package.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Stop stops t if it is non-nil. It is safe to call with a nil handle.
func Stop(t Timer) {
	if t != nil {
		t.Stop()
	}
}
