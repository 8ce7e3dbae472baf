// Package clock provides the virtualizable time and single-thread task
// scheduling primitives the invalidation core is built on. Production code
// uses SystemClock, which wraps the real wall clock and a single worker
// goroutine; tests use the deterministic Sim clock in sim.go so that
// scenarios can advance time in exact steps without sleeping.
package clock

import "time"

// Clock reports the current time and lets callers sleep until woken by
// AfterFunc. Implementations must be safe for concurrent use.
type Clock interface {
	// Now returns the current time as seen by this clock.
	Now() time.Time

	// AfterFunc schedules fn to run once after duration d elapses, as
	// measured by this clock, and returns a handle that can cancel it.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a handle to a scheduled, cancellable callback.
type Timer interface {
	// Stop prevents the timer from firing, if it has not already.
	// Returns false if the timer already fired or was already stopped.
	Stop() bool
}

// Scheduler runs posted work items on a single logical thread, one at a
// time, in the order they become runnable. The invalidation core relies on
// this serialization instead of locking its own state.
type Scheduler interface {
	// Post enqueues fn to run on the scheduler's logical thread as soon as
	// it is next free. Post never blocks the caller and never runs fn
	// inline on the calling goroutine.
	Post(fn func())
}
