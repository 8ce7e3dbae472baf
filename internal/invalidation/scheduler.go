package invalidation

import (
	"sync"
	"time"

	"github.com/hydro78704/invalidation-client/internal/clock"
)

// Well-known operation scheduler task names shared across the core's
// components.
const (
	taskBatching          = "batching"
	taskHeartbeat         = "heartbeat"
	taskPoll              = "poll"
	taskRegistrationRetry = "registration-retry"
	taskPersist           = "persist"
)

// operationScheduler maps named, idempotent delayed tasks onto the
// underlying clock and scheduler: asking to schedule a task that is
// already pending is a no-op, so the earliest requested delay always
// wins. Every task body ultimately runs through the scheduler's Post,
// keeping it on the core's single logical thread even though Schedule
// itself may be called from elsewhere.
type operationScheduler struct {
	clock clock.Clock
	sched clock.Scheduler

	mu      sync.Mutex
	pending map[string]clock.Timer
}

func newOperationScheduler(c clock.Clock, s clock.Scheduler) *operationScheduler {
	return &operationScheduler{clock: c, sched: s, pending: make(map[string]clock.Timer)}
}

// Schedule arranges for fn to run, on the scheduler thread, after delay —
// unless a task under this name is already pending, in which case the
// call is ignored and the existing timer keeps running.
func (o *operationScheduler) Schedule(name string, delay time.Duration, fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.pending[name]; exists {
		return
	}

	o.pending[name] = o.clock.AfterFunc(delay, func() {
		o.mu.Lock()
		delete(o.pending, name)
		o.mu.Unlock()
		o.sched.Post(fn)
	})
}

// Post runs fn once, on the scheduler thread, as soon as it is next free —
// with no delay and no name to collapse against. Used by entry points that
// need to hop onto the scheduler thread exactly once, such as inbound
// message delivery, rather than the idempotent named-task path Schedule
// provides.
func (o *operationScheduler) Post(fn func()) {
	o.sched.Post(fn)
}

// Cancel stops a pending task, if one is scheduled under this name.
func (o *operationScheduler) Cancel(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if t, ok := o.pending[name]; ok {
		t.Stop()
		delete(o.pending, name)
	}
}

// Pending reports whether a task is currently scheduled under this name.
func (o *operationScheduler) Pending(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pending[name]
	return ok
}
