package invalidation

import (
	"time"

	"github.com/hydro78704/invalidation-client/internal/clock"
)

// Throttler enforces two sliding-window rate limits — a short, fine-
// grained one and a longer, coarse one — on how often the protocol
// handler is allowed to signal that outbound data is ready. It never
// drops data: a request that arrives too fast is simply delayed until
// both windows have room, and any further requests that arrive while one
// is already delayed collapse into it rather than scheduling a second
// wakeup.
type Throttler struct {
	clock clock.Clock
	fire  func()

	fineLimit  int
	fineWindow time.Duration
	fineTimes  []time.Time

	coarseLimit  int
	coarseWindow time.Duration
	coarseTimes  []time.Time

	deferredTimer   clock.Timer
	deferredPending bool
}

// NewThrottler builds a Throttler with the given window sizes. fire is
// called, on whatever goroutine Request or a deferred timer runs on,
// every time a request is allowed through — immediately, or after a
// delay once the windows have room.
func NewThrottler(c clock.Clock, fineLimit int, fineWindow time.Duration, coarseLimit int, coarseWindow time.Duration, fire func()) *Throttler {
	return &Throttler{
		clock:        c,
		fire:         fire,
		fineLimit:    fineLimit,
		fineWindow:   fineWindow,
		coarseLimit:  coarseLimit,
		coarseWindow: coarseWindow,
	}
}

// Request asks the throttler to call fire as soon as both rate-limit
// windows allow it. If a deferred signal is already pending, this call
// is absorbed into it.
func (t *Throttler) Request() {
	if t.deferredPending {
		return
	}

	now := t.clock.Now()
	t.prune(now)

	if len(t.fineTimes) < t.fineLimit && len(t.coarseTimes) < t.coarseLimit {
		t.record(now)
		t.fire()
		return
	}

	delay := t.earliestOpening(now).Sub(now)
	if delay < 0 {
		delay = 0
	}

	t.deferredPending = true
	t.deferredTimer = t.clock.AfterFunc(delay, func() {
		t.deferredPending = false
		now := t.clock.Now()
		t.prune(now)
		t.record(now)
		t.fire()
	})
}

// prune drops timestamps that have aged out of their window.
func (t *Throttler) prune(now time.Time) {
	t.fineTimes = dropBefore(t.fineTimes, now.Add(-t.fineWindow))
	t.coarseTimes = dropBefore(t.coarseTimes, now.Add(-t.coarseWindow))
}

func (t *Throttler) record(now time.Time) {
	t.fineTimes = append(t.fineTimes, now)
	t.coarseTimes = append(t.coarseTimes, now)
}

// earliestOpening returns the earliest instant at which both windows will
// have room, assuming prune has already been called for now.
func (t *Throttler) earliestOpening(now time.Time) time.Time {
	earliest := now
	if len(t.fineTimes) >= t.fineLimit {
		opens := t.fineTimes[0].Add(t.fineWindow)
		if opens.After(earliest) {
			earliest = opens
		}
	}
	if len(t.coarseTimes) >= t.coarseLimit {
		opens := t.coarseTimes[0].Add(t.coarseWindow)
		if opens.After(earliest) {
			earliest = opens
		}
	}
	return earliest
}

func dropBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return times[i:]
}
