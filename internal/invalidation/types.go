// Package invalidation implements the client-side core of the
// invalidation protocol: the state machine that tracks identity and
// session with the remote service, the registration manager that
// reconciles desired and confirmed object subscriptions, and the
// protocol handler that frames, batches, and throttles everything that
// crosses the wire. Every exported entry point is safe to call from any
// goroutine; internally, all state is confined to a single logical
// thread by posting through an operation scheduler rather than locking.
package invalidation

import (
	"sync"

	"github.com/hydro78704/invalidation-client/internal/wire"
)

// AckHandle is a one-shot, move-only completion token handed to the
// application alongside certain Listener upcalls. Invoking it tells the
// core the application has finished processing that event; what the core
// does in response depends on which upcall produced the handle. A second
// call to Ack is a silent no-op, and it is safe to call from any
// goroutine — the reaction it triggers always runs on the core's own
// scheduler thread.
type AckHandle struct {
	once sync.Once
	fire func()
}

func newAckHandle(fire func()) *AckHandle {
	return &AckHandle{fire: fire}
}

// Ack invokes the handle's single completion action, if it has not
// already fired.
func (h *AckHandle) Ack() {
	h.once.Do(func() {
		if h.fire != nil {
			h.fire()
		}
	})
}

// noopAckHandle returns an already-neutered handle for upcalls that carry
// one for interface consistency but have nothing to do when it fires.
func noopAckHandle() *AckHandle {
	return newAckHandle(nil)
}

// Listener receives the four upcalls a running core ever makes into the
// embedding application. Calls happen on the core's scheduler thread; a
// slow or blocking implementation stalls the core, so implementations
// should hand work off rather than doing it inline.
type Listener interface {
	// Invalidate delivers one object's new version. ack must eventually be
	// invoked; doing so authorizes the core to acknowledge the
	// invalidation to the server on its next outbound message.
	Invalidate(inv wire.Invalidation, ack *AckHandle)

	// InvalidateAll tells the application to treat every object it has
	// cached as stale, because the client lost too much state to name
	// them individually. The core keeps no per-invalidation state for
	// this handle to clear, so acking it has no effect on the core.
	InvalidateAll(ack *AckHandle)

	// RegistrationLost reports that the server no longer has one
	// particular registration on file; the application should re-express
	// interest if it still wants updates for that object.
	RegistrationLost(id wire.ObjectID, ack *AckHandle)

	// AllRegistrationsLost reports that every registration was dropped,
	// typically because the client itself was recreated server-side.
	AllRegistrationsLost(ack *AckHandle)
}

// registrationEntry is the registration manager's bookkeeping for one
// object: what the application currently wants (desired), what the
// server has most recently confirmed, and the sequence number attached
// to the operation currently in flight or last confirmed.
type registrationEntry struct {
	objectID       wire.ObjectID
	desired        wire.RegistrationOpType
	confirmed      bool
	confirmedOp    wire.RegistrationOpType
	sequenceNumber uint64
	inFlight       bool
}
