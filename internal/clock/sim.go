package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Sim is a deterministic Clock and Scheduler used by tests. Time only
// advances when Advance is called; posted work and timer callbacks run
// synchronously on the calling goroutine, in a single logical thread, which
// matches the scheduler-thread-confinement model the invalidation core
// assumes in production.
type Sim struct {
	mu    sync.Mutex
	now   time.Time
	timers simTimerHeap
	nextID uint64
	posted []func()
}

// NewSim creates a simulated clock starting at an arbitrary fixed epoch.
func NewSim() *Sim {
	return &Sim{now: time.Unix(1700000000, 0)}
}

// Now implements Clock.
func (s *Sim) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// AfterFunc implements Clock.
func (s *Sim) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	t := &simTimer{id: s.nextID, when: s.now.Add(d), fn: fn, sim: s}
	heap.Push(&s.timers, t)

	return t
}

// Post implements Scheduler. Posted work runs at the next Advance or RunReady
// call, before any timers due at the same instant.
func (s *Sim) Post(fn func()) {
	s.mu.Lock()
	s.posted = append(s.posted, fn)
	s.mu.Unlock()
}

// RunReady runs any already-posted work and any timers already due,
// without advancing time. It repeats until nothing further became ready, so
// work scheduled by one callback at the current instant also runs.
func (s *Sim) RunReady() {
	for s.runOnePass() {
	}
}

// Advance moves simulated time forward by d, running every posted task and
// every timer that becomes due along the way, in time order.
func (s *Sim) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.RunReady()

		s.mu.Lock()
		if len(s.timers) == 0 || s.timers[0].when.After(target) {
			s.now = target
			s.mu.Unlock()
			s.RunReady()
			return
		}

		next := heap.Pop(&s.timers).(*simTimer)
		s.now = next.when
		s.mu.Unlock()

		if !next.stopped() {
			next.fn()
		}
	}
}

// runOnePass drains posted work and fires any timer already due at the
// current instant. Returns true if anything ran.
func (s *Sim) runOnePass() bool {
	ran := false

	for {
		s.mu.Lock()
		if len(s.posted) == 0 {
			s.mu.Unlock()
			break
		}
		fn := s.posted[0]
		s.posted = s.posted[1:]
		s.mu.Unlock()

		fn()
		ran = true
	}

	for {
		s.mu.Lock()
		if len(s.timers) == 0 || s.timers[0].when.After(s.now) {
			s.mu.Unlock()
			break
		}
		next := heap.Pop(&s.timers).(*simTimer)
		s.mu.Unlock()

		if !next.stopped() {
			next.fn()
			ran = true
		}
	}

	return ran
}

type simTimer struct {
	id      uint64
	when    time.Time
	fn      func()
	sim     *Sim
	stopBit bool
}

func (t *simTimer) Stop() bool {
	t.sim.mu.Lock()
	defer t.sim.mu.Unlock()

	if t.stopBit {
		return false
	}
	t.stopBit = true

	return true
}

func (t *simTimer) stopped() bool {
	t.sim.mu.Lock()
	defer t.sim.mu.Unlock()
	return t.stopBit
}

// simTimerHeap is a min-heap of *simTimer ordered by when, then id for
// deterministic tie-breaking.
type simTimerHeap []*simTimer

func (h simTimerHeap) Len() int { return len(h) }

func (h simTimerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}

func (h simTimerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *simTimerHeap) Push(x any) {
	*h = append(*h, x.(*simTimer))
}

func (h *simTimerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
