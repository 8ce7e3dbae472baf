package invalidation

import (
	"encoding/binary"
	"time"

	"github.com/hydro78704/invalidation-client/internal/stats"
	"github.com/hydro78704/invalidation-client/internal/wire"
)

// defaultRegistrationRetryDelay is how long an unconfirmed registration
// operation waits before being resent.
const defaultRegistrationRetryDelay = time.Minute

// RegistrationListener receives the registration manager's two upcalls,
// forwarded by the core to the application's Listener.
type RegistrationListener interface {
	RegistrationLost(id wire.ObjectID, ack *AckHandle)
	AllRegistrationsLost(ack *AckHandle)
}

// RegistrationManager reconciles what the application wants registered
// (desired) against what the server has most recently confirmed,
// assigning a fresh sequence number to every change in desire so stale
// server responses for superseded operations can be recognized and
// ignored.
type RegistrationManager struct {
	handler    *ProtocolHandler
	scheduler  *operationScheduler
	listener   RegistrationListener
	stats      *stats.Counters
	retryDelay time.Duration

	desired      map[wire.ObjectID]wire.RegistrationOpType
	entries      map[wire.ObjectID]*registrationEntry
	nextSequence uint64
}

// NewRegistrationManager builds a manager that sends through handler and
// retries unconfirmed operations every retryDelay (use
// defaultRegistrationRetryDelay for the normal 1-minute cadence).
func NewRegistrationManager(handler *ProtocolHandler, sched *operationScheduler, listener RegistrationListener, st *stats.Counters, retryDelay time.Duration) *RegistrationManager {
	return &RegistrationManager{
		handler:    handler,
		scheduler:  sched,
		listener:   listener,
		stats:      st,
		retryDelay: retryDelay,
		desired:    make(map[wire.ObjectID]wire.RegistrationOpType),
		entries:    make(map[wire.ObjectID]*registrationEntry),
	}
}

// Register records id as desired and sends a REGISTER operation for it.
func (m *RegistrationManager) Register(id wire.ObjectID) {
	m.setDesired(id, wire.RegisterOp)
}

// Unregister records id as no longer desired and sends an UNREGISTER
// operation for it.
func (m *RegistrationManager) Unregister(id wire.ObjectID) {
	m.setDesired(id, wire.UnregisterOp)
}

func (m *RegistrationManager) setDesired(id wire.ObjectID, op wire.RegistrationOpType) {
	m.desired[id] = op

	m.nextSequence++
	seq := m.nextSequence

	entry, ok := m.entries[id]
	if !ok {
		entry = &registrationEntry{objectID: id}
		m.entries[id] = entry
	}
	entry.desired = op
	entry.sequenceNumber = seq
	entry.inFlight = true

	if m.stats != nil {
		m.stats.RegistrationOp()
	}

	m.handler.SendRegistrations([]wire.RegisterOperation{{ObjectID: id, SequenceNumber: seq, Type: op}})
	m.scheduleRetry()
}

// isConfirmedRegistered reports whether the server has confirmed a
// REGISTER operation for id, whether or not an UNREGISTER has since been
// requested and is still unconfirmed.
func (m *RegistrationManager) isConfirmedRegistered(id wire.ObjectID) bool {
	e, ok := m.entries[id]
	return ok && e.confirmed && e.confirmedOp == wire.RegisterOp
}

// Summary returns the digest of the entries whose confirmed operation is
// REGISTER, for the outbound header.
func (m *RegistrationManager) Summary() wire.RegistrationSummary {
	var ids []wire.ObjectID
	for id, e := range m.entries {
		if e.confirmed && e.confirmedOp == wire.RegisterOp {
			ids = append(ids, id)
		}
	}
	return computeRegistrationSummary(ids)
}

// HandleRegistrationStatus applies one inbound message's registration
// results, matching each against the sequence number of the operation it
// answers so a result for an operation the application has since
// superseded is silently ignored.
func (m *RegistrationManager) HandleRegistrationStatus(results []wire.RegistrationResult) {
	for _, res := range results {
		entry, ok := m.entries[res.Operation.ObjectID]
		if !ok || res.Operation.SequenceNumber != entry.sequenceNumber {
			continue
		}
		entry.inFlight = false

		if res.Status.Code == wire.StatusSuccess {
			entry.confirmed = true
			entry.confirmedOp = res.Operation.Type

			if entry.desired == wire.UnregisterOp && entry.confirmedOp == wire.UnregisterOp {
				delete(m.entries, res.Operation.ObjectID)
				delete(m.desired, res.Operation.ObjectID)
			}
			continue
		}

		if res.Status.Code.IsPermanentFailure() {
			// Retrying a permanent failure is pointless; forget the desire
			// entirely rather than having the retry task resend it forever.
			// A fresh Register/Unregister call starts over with a new
			// sequence number.
			delete(m.entries, res.Operation.ObjectID)
			delete(m.desired, res.Operation.ObjectID)
			m.listener.RegistrationLost(res.Operation.ObjectID, noopAckHandle())
			continue
		}
		// Transient failures stay unconfirmed; the retry task resends them.
	}
}

// HandleRegistrationSyncRequest answers a server-initiated resync by
// sending the confirmed registration set back as a single opaque
// subtree.
func (m *RegistrationManager) HandleRegistrationSyncRequest() {
	var confirmed []*registrationEntry
	for _, e := range m.entries {
		if e.confirmed && e.confirmedOp == wire.RegisterOp {
			confirmed = append(confirmed, e)
		}
	}
	m.handler.SendRegistrationSyncSubtree(wire.RegistrationSubtree{Data: encodeRegistrationSubtree(confirmed)})
}

// Redrive resends every desired registration without discarding existing
// confirmed bookkeeping. Used on the first client identity assignment, on
// a warm start from persisted state, and by Reset.
func (m *RegistrationManager) Redrive() {
	ops := m.redriveOps()
	if len(ops) == 0 {
		return
	}
	m.handler.SendRegistrations(ops)
	m.scheduleRetry()
}

// Reset forgets all confirmed bookkeeping, tells the application every
// previous registration was lost, then redrives the full desired set with
// fresh sequence numbers. Used when the server assigns a new client
// identity after an earlier one, and when a session is re-established
// after INVALIDATE_SESSION.
func (m *RegistrationManager) Reset() {
	m.entries = make(map[wire.ObjectID]*registrationEntry)
	m.listener.AllRegistrationsLost(noopAckHandle())
	m.Redrive()
}

func (m *RegistrationManager) redriveOps() []wire.RegisterOperation {
	var ops []wire.RegisterOperation
	for id, op := range m.desired {
		m.nextSequence++
		seq := m.nextSequence

		entry, ok := m.entries[id]
		if !ok {
			entry = &registrationEntry{objectID: id}
			m.entries[id] = entry
		}
		entry.desired = op
		entry.sequenceNumber = seq
		entry.inFlight = true

		ops = append(ops, wire.RegisterOperation{ObjectID: id, SequenceNumber: seq, Type: op})
	}
	return ops
}

func (m *RegistrationManager) scheduleRetry() {
	m.scheduler.Schedule(taskRegistrationRetry, m.retryDelay, m.retryUnconfirmed)
}

// retryUnconfirmed resends every entry whose confirmed state does not
// match what the application currently desires, and reschedules itself
// if anything remains unconfirmed.
func (m *RegistrationManager) retryUnconfirmed() {
	var ops []wire.RegisterOperation
	for id, entry := range m.entries {
		if entry.confirmed && entry.confirmedOp == entry.desired {
			continue
		}
		entry.inFlight = true
		ops = append(ops, wire.RegisterOperation{ObjectID: id, SequenceNumber: entry.sequenceNumber, Type: entry.desired})
	}

	if len(ops) == 0 {
		return
	}

	if m.stats != nil {
		m.stats.Retry("registration")
	}
	m.handler.SendRegistrations(ops)
	m.scheduleRetry()
}

// encodeRegistrationSubtree packs a shard of the confirmed registration
// set into an opaque, length-prefixed blob: a count, followed by each
// entry's source, name, and sequence number.
func encodeRegistrationSubtree(entries []*registrationEntry) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(entries)))

	var tmp [8]byte
	for _, e := range entries {
		binary.BigEndian.PutUint32(tmp[:4], uint32(e.objectID.Source))
		buf = append(buf, tmp[:4]...)

		name := []byte(e.objectID.Name)
		binary.BigEndian.PutUint32(tmp[:4], uint32(len(name)))
		buf = append(buf, tmp[:4]...)
		buf = append(buf, name...)

		binary.BigEndian.PutUint64(tmp[:8], e.sequenceNumber)
		buf = append(buf, tmp[:8]...)
	}

	return buf
}
