package invalidation

import (
	"sort"
	"time"

	"github.com/hydro78704/invalidation-client/internal/clock"
	"github.com/hydro78704/invalidation-client/internal/logger"
	"github.com/hydro78704/invalidation-client/internal/stats"
	"github.com/hydro78704/invalidation-client/internal/transport"
	"github.com/hydro78704/invalidation-client/internal/wire"
)

// defaultBatchingDelay is how long the protocol handler waits after the
// first piece of outbound work arrives before composing a message, so a
// burst of Register/Ack calls within the window lands in one message.
const defaultBatchingDelay = 500 * time.Millisecond

const (
	protocolVersion = 1
	clientVersion   = 1
)

// ProtocolListener is the core's view from the protocol handler's
// perspective: the handler asks it for the fields every outbound message
// needs and delivers every inbound event to it, without holding any
// reference back the other way.
type ProtocolListener interface {
	// CurrentToken returns the session token to stamp on outbound
	// messages, or nil before one has been assigned.
	CurrentToken() []byte

	// CurrentRegistrationSummary returns the digest of the confirmed
	// registration set for the outbound header.
	CurrentRegistrationSummary() wire.RegistrationSummary

	// HandleIntervals applies the server's advertised poll/heartbeat
	// cadence, if present, and fires for every accepted inbound message
	// regardless of type.
	HandleIntervals(msg *wire.ServerToClientMessage)

	// HandleTokenChanged fires for every token-changing inbound message:
	// ASSIGN_CLIENT_ID, UPDATE_SESSION, INVALIDATE_SESSION, and
	// INVALIDATE_CLIENT_ID.
	HandleTokenChanged(msg *wire.ServerToClientMessage)

	// HandleInvalidations fires once per inbound message carrying one or
	// more invalidations.
	HandleInvalidations(invs []wire.Invalidation)

	// HandleInvalidateAll fires when an OBJECT_CONTROL message carries the
	// repeat flag telling the client to treat every registered object as
	// stale, rather than enumerating them individually.
	HandleInvalidateAll()

	// HandleRegistrationStatus fires once per inbound message carrying
	// one or more registration results.
	HandleRegistrationStatus(results []wire.RegistrationResult)

	// HandleRegistrationSyncRequest fires when the server asks the client
	// to resend its confirmed registrations as subtrees.
	HandleRegistrationSyncRequest()

	// HandleInfoMessage fires when the server asks for an out-of-band
	// telemetry message.
	HandleInfoMessage()
}

// ProtocolHandler owns outbound framing and batching and inbound
// dispatch. It assumes everything it does runs on a single logical
// thread, matching the core's scheduler-thread-confinement model, so it
// does no internal locking of its own.
type ProtocolHandler struct {
	transport transport.Transport
	throttler *Throttler
	scheduler *operationScheduler
	listener  ProtocolListener
	clock     clock.Clock
	stats     *stats.Counters

	clientType int32
	batchDelay time.Duration

	messageID uint64

	pendingRegistrations map[wire.ObjectID]wire.RegisterOperation
	pendingAcks          map[wire.AckedInvalidation]struct{}
	pendingSubtrees      []wire.RegistrationSubtree
	pendingInfo          *wire.InfoMessage

	pendingAction     wire.Action
	pendingNonce      []byte
	pendingClientID   []byte
	pendingExternalID *wire.ClientExternalID

	lastKnownServerTimeMs int64
}

// ThrottleConfig sets the two sliding-window rate limits applied to every
// outbound send.
type ThrottleConfig struct {
	FineLimit    int
	FineWindow   time.Duration
	CoarseLimit  int
	CoarseWindow time.Duration
}

// NewProtocolHandler builds a handler over t, gating every outbound send
// through a Throttler built from rl and using sched for its batching
// task. The caller (the Core, at construction) is responsible for wiring
// the handler as t's inbound handler via t.SetInboundHandler.
func NewProtocolHandler(t transport.Transport, sched *operationScheduler, listener ProtocolListener, c clock.Clock, st *stats.Counters, clientType int32, rl ThrottleConfig) *ProtocolHandler {
	h := &ProtocolHandler{
		transport:            t,
		scheduler:            sched,
		listener:             listener,
		clock:                c,
		stats:                st,
		clientType:           clientType,
		batchDelay:           defaultBatchingDelay,
		pendingRegistrations: make(map[wire.ObjectID]wire.RegisterOperation),
		pendingAcks:          make(map[wire.AckedInvalidation]struct{}),
		pendingAction:        wire.ActionObjectControl,
	}
	h.throttler = NewThrottler(c, rl.FineLimit, rl.FineWindow, rl.CoarseLimit, rl.CoarseWindow, h.composeAndDeposit)
	return h
}

// SendInitialize emits an ASSIGN_CLIENT_ID request carrying nonce and the
// application's external identity, bypassing the batching delay.
func (h *ProtocolHandler) SendInitialize(nonce []byte, extID wire.ClientExternalID) {
	h.pendingAction = wire.ActionAssignClientID
	h.pendingNonce = nonce
	h.pendingExternalID = &extID
	h.throttler.Request()
}

// SendUpdateSession emits an UPDATE_SESSION request for the given
// uniquifier, bypassing the batching delay.
func (h *ProtocolHandler) SendUpdateSession(uniquifier []byte) {
	h.pendingAction = wire.ActionUpdateSession
	h.pendingClientID = uniquifier
	h.throttler.Request()
}

// SendPoll emits a POLL_INVALIDATIONS request carrying whatever else is
// currently pending, bypassing the batching delay. Used for both the
// periodic poll and the heartbeat backstop.
func (h *ProtocolHandler) SendPoll() {
	h.pendingAction = wire.ActionPollInvalidations
	h.throttler.Request()
}

// SendInfoMessage attaches a telemetry payload to the next outbound
// message and requests it be sent immediately, bypassing batching.
func (h *ProtocolHandler) SendInfoMessage(info wire.InfoMessage) {
	h.pendingInfo = &info
	h.throttler.Request()
}

// SendRegistrations merges ops into the pending registration set, keyed
// by object id so a later call for the same id supersedes an earlier one,
// and schedules a batching run.
func (h *ProtocolHandler) SendRegistrations(ops []wire.RegisterOperation) {
	for _, op := range ops {
		h.pendingRegistrations[op.ObjectID] = op
	}
	h.scheduleBatch()
}

// SendInvalidationAck merges one acknowledgement into the pending set and
// schedules a batching run.
func (h *ProtocolHandler) SendInvalidationAck(ack wire.AckedInvalidation) {
	h.pendingAcks[ack] = struct{}{}
	h.scheduleBatch()
}

// SendRegistrationSyncSubtree queues one subtree of the confirmed
// registration set in response to a server-initiated sync request, and
// schedules a batching run.
func (h *ProtocolHandler) SendRegistrationSyncSubtree(subtree wire.RegistrationSubtree) {
	h.pendingSubtrees = append(h.pendingSubtrees, subtree)
	h.scheduleBatch()
}

// scheduleBatch arranges for the throttler to be asked for a send slot
// after the batching delay, unless a batching run is already pending.
func (h *ProtocolHandler) scheduleBatch() {
	h.scheduler.Schedule(taskBatching, h.batchDelay, func() {
		h.throttler.Request()
	})
}

// composeAndDeposit is the throttler's approved-send callback: it builds
// one outbound message from whatever is currently pending, hands it to
// the transport, and only then clears the pending state, so nothing
// accumulated between the request and the throttle opening is lost.
func (h *ProtocolHandler) composeAndDeposit() {
	msg := h.buildMessage()
	blob := wire.EncodeClientToServerMessage(msg)

	h.transport.Deposit(blob)
	if h.stats != nil {
		h.stats.MessageSent()
	}

	h.clearPending()
}

func (h *ProtocolHandler) buildMessage() *wire.ClientToServerMessage {
	h.messageID++
	now := h.clock.Now()
	h.lastKnownServerTimeMs = now.UnixMilli()

	msg := &wire.ClientToServerMessage{
		Header: wire.ClientHeader{
			ClientToken:         h.listener.CurrentToken(),
			RegistrationSummary: h.listener.CurrentRegistrationSummary(),
			ClientTimeMs:        now.UnixMilli(),
			MessageID:           h.messageID,
			ClientType:          h.clientType,
			ProtocolVersion:     protocolVersion,
			ClientVersion:       clientVersion,
		},
		Action:              h.pendingAction,
		Nonce:               h.pendingNonce,
		ClientID:            h.pendingClientID,
		ApplicationClientID: h.pendingExternalID,
		SyncSubtrees:        h.pendingSubtrees,
		Info:                h.pendingInfo,
	}

	if len(h.pendingRegistrations) > 0 {
		ops := make([]wire.RegisterOperation, 0, len(h.pendingRegistrations))
		for _, op := range h.pendingRegistrations {
			ops = append(ops, op)
		}
		sort.Slice(ops, func(i, j int) bool { return lessObjectID(ops[i].ObjectID, ops[j].ObjectID) })
		msg.RegisterOperations = ops
	}

	if len(h.pendingAcks) > 0 {
		acks := make([]wire.AckedInvalidation, 0, len(h.pendingAcks))
		for ack := range h.pendingAcks {
			acks = append(acks, ack)
		}
		sort.Slice(acks, func(i, j int) bool {
			if acks[i].ObjectID != acks[j].ObjectID {
				return lessObjectID(acks[i].ObjectID, acks[j].ObjectID)
			}
			return acks[i].Version < acks[j].Version
		})
		msg.AckedInvalidations = acks
	}

	return msg
}

func lessObjectID(a, b wire.ObjectID) bool {
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.Name < b.Name
}

func (h *ProtocolHandler) clearPending() {
	h.pendingRegistrations = make(map[wire.ObjectID]wire.RegisterOperation)
	h.pendingAcks = make(map[wire.AckedInvalidation]struct{})
	h.pendingSubtrees = nil
	h.pendingInfo = nil
	h.pendingAction = wire.ActionObjectControl
	h.pendingNonce = nil
	h.pendingClientID = nil
	h.pendingExternalID = nil
}

// HandleInboundMessage implements transport.InboundHandler. It returns
// immediately: the transport may call this from its own reader goroutine
// (QUIC's receiveLoop, for instance), so the blob is handed to the
// scheduler and decoded and dispatched on the core's single logical
// thread, the same thread every other mutation runs on.
func (h *ProtocolHandler) HandleInboundMessage(blob []byte) {
	h.scheduler.Post(func() { h.handleInboundMessageOnScheduler(blob) })
}

// handleInboundMessageOnScheduler decodes and validates the blob, verifies
// the session token on messages that carry one the same way every time,
// and dispatches to the listener. Token-changing messages
// (ASSIGN_CLIENT_ID, UPDATE_SESSION, INVALIDATE_SESSION,
// INVALIDATE_CLIENT_ID) skip the generic token check because the listener
// itself decides whether they apply to its current identity. Must only be
// called on the scheduler thread.
func (h *ProtocolHandler) handleInboundMessageOnScheduler(blob []byte) {
	msg, err := wire.DecodeServerToClientMessage(blob)
	if err != nil {
		if h.stats != nil {
			h.stats.Error("malformed-message")
		}
		logger.Warn("invalidation: dropping malformed inbound message", "error", err)
		return
	}

	if err := validateInbound(msg); err != nil {
		if h.stats != nil {
			h.stats.Error("validation")
		}
		logger.Warn("invalidation: dropping invalid inbound message", "error", err)
		return
	}

	if h.stats != nil {
		h.stats.MessageReceived()
	}

	switch msg.MessageType {
	case wire.MessageAssignClientID, wire.MessageUpdateSession, wire.MessageInvalidateSession, wire.MessageInvalidateClientID:
		h.listener.HandleIntervals(msg)
		h.listener.HandleTokenChanged(msg)
		return
	case wire.MessageObjectControl:
		current := h.listener.CurrentToken()
		if len(current) == 0 || string(current) != string(msg.SessionToken) {
			if h.stats != nil {
				h.stats.Error("token-mismatch")
			}
			logger.Debug("invalidation: dropping object-control message with stale token")
			return
		}
	}

	h.listener.HandleIntervals(msg)

	if len(msg.Invalidations) > 0 {
		h.listener.HandleInvalidations(msg.Invalidations)
	}
	if msg.InvalidateAllObjects {
		h.listener.HandleInvalidateAll()
	}
	if len(msg.RegistrationResults) > 0 {
		h.listener.HandleRegistrationStatus(msg.RegistrationResults)
	}
	if msg.RegistrationSyncRequest {
		h.listener.HandleRegistrationSyncRequest()
	}
	if msg.InfoRequest {
		h.listener.HandleInfoMessage()
	}
}
