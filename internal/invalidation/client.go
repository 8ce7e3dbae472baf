package invalidation

import (
	"crypto/rand"
	"fmt"
	"sort"
	"time"

	"github.com/hydro78704/invalidation-client/internal/clock"
	"github.com/hydro78704/invalidation-client/internal/logger"
	"github.com/hydro78704/invalidation-client/internal/persist"
	"github.com/hydro78704/invalidation-client/internal/stats"
	"github.com/hydro78704/invalidation-client/internal/transport"
	"github.com/hydro78704/invalidation-client/internal/wire"
)

// state is where the core sits in its identity/session lifecycle.
type state int

const (
	stateNoClient state = iota
	stateNoSession
	stateTokenValid
)

func (s state) String() string {
	switch s {
	case stateNoClient:
		return "NO_CLIENT"
	case stateNoSession:
		return "NO_SESSION"
	case stateTokenValid:
		return "TOKEN_VALID"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultPollInterval      = 60 * time.Second
	defaultHeartbeatInterval = 20 * time.Minute
	defaultPersistInterval   = 30 * time.Second
	nonceSize                = 16
)

// defaultThrottleConfig matches the pair of sliding-window rate limits
// every outbound send is gated by: a short burst allowance and a longer
// sustained ceiling.
var defaultThrottleConfig = ThrottleConfig{
	FineLimit:    1,
	FineWindow:   time.Second,
	CoarseLimit:  6,
	CoarseWindow: time.Minute,
}

// Config wires a Core to its collaborators. Listener, Transport, Clock,
// and Scheduler are required; everything else has a working default.
type Config struct {
	ExternalID wire.ClientExternalID
	ClientType int32

	Listener  Listener
	Transport transport.Transport
	Clock     clock.Clock
	Scheduler clock.Scheduler
	Stats     *stats.Counters

	// PersistStore, if set, enables warm starts: the core seeds its
	// identity and session from it at construction time and refreshes it
	// on a timer while a session is active.
	PersistStore *persist.Store

	// OnFatalError, if set, is called once when the transport reports an
	// unrecoverable failure (a stream error or the connection closing out
	// from under it). The Core treats this the same as a fatal internal
	// invariant violation: it cancels its own recurring work and does not
	// attempt to reconnect. May be called from any goroutine.
	OnFatalError func(err error)

	Throttle               ThrottleConfig
	RegistrationRetryDelay time.Duration
	PollInterval           time.Duration
	HeartbeatInterval      time.Duration
	PersistInterval        time.Duration
}

func (c *Config) setDefaults() {
	if c.Throttle == (ThrottleConfig{}) {
		c.Throttle = defaultThrottleConfig
	}
	if c.RegistrationRetryDelay == 0 {
		c.RegistrationRetryDelay = defaultRegistrationRetryDelay
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.PersistInterval == 0 {
		c.PersistInterval = defaultPersistInterval
	}
}

// Core is the client-side state machine: identity and session lifecycle,
// polling and heartbeat cadence, and invalidation delivery. All of its
// own state is touched only on its scheduler's logical thread: the
// application entry points (Register, Unregister, Start, Stop) post a
// continuation rather than mutating state directly, so they are safe to
// call from any goroutine, while the ProtocolListener and
// RegistrationListener methods are called on that thread and act directly.
type Core struct {
	cfg      Config
	clock    clock.Clock
	rawSched clock.Scheduler
	sched    *operationScheduler
	handler  *ProtocolHandler
	regMgr   *RegistrationManager
	listener Listener
	stats    *stats.Counters
	persist  *persist.Store

	state            state
	hadPriorIdentity bool
	uniquifier       []byte
	sessionToken     []byte
	outstandingNonce []byte
	fatal            bool

	pollInterval          time.Duration
	heartbeatInterval     time.Duration
	persistInterval       time.Duration
	lastKnownServerTimeMs int64
}

// New constructs a Core. It does not start communicating with the
// service until Start is called.
func New(cfg Config) (*Core, error) {
	if cfg.Listener == nil {
		return nil, fmt.Errorf("invalidation: Config.Listener is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("invalidation: Config.Transport is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("invalidation: Config.Clock is required")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("invalidation: Config.Scheduler is required")
	}

	cfg.setDefaults()

	c := &Core{
		cfg:               cfg,
		clock:             cfg.Clock,
		rawSched:          cfg.Scheduler,
		listener:          cfg.Listener,
		stats:             cfg.Stats,
		persist:           cfg.PersistStore,
		state:             stateNoClient,
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		persistInterval:   cfg.PersistInterval,
	}

	c.sched = newOperationScheduler(cfg.Clock, cfg.Scheduler)
	c.handler = NewProtocolHandler(cfg.Transport, c.sched, c, cfg.Clock, cfg.Stats, cfg.ClientType, cfg.Throttle)
	c.regMgr = NewRegistrationManager(c.handler, c.sched, c, cfg.Stats, cfg.RegistrationRetryDelay)
	cfg.Transport.SetInboundHandler(c.handler)
	cfg.Transport.RegisterFailureListener(c.onTransportFailure)

	if cfg.PersistStore != nil {
		if saved, ok, err := cfg.PersistStore.Load(); err != nil {
			logger.Warn("invalidation: failed to load persisted state", "error", err)
		} else if ok {
			c.uniquifier = saved.Uniquifier
			c.sessionToken = saved.SessionToken
			c.lastKnownServerTimeMs = saved.LastKnownServerTimeMs
			c.state = stateTokenValid
			c.hadPriorIdentity = true
		}
	}

	return c, nil
}

// post runs fn on the core's own scheduler thread.
func (c *Core) post(fn func()) {
	c.rawSched.Post(fn)
}

// Register asks the service to notify this client of changes to id.
func (c *Core) Register(id wire.ObjectID) {
	c.post(func() { c.regMgr.Register(id) })
}

// Unregister withdraws interest in id.
func (c *Core) Unregister(id wire.ObjectID) {
	c.post(func() { c.regMgr.Unregister(id) })
}

// Start begins the identity/session lifecycle: either resuming a warm
// start from persisted state, or requesting a fresh client identity.
// Either way it arranges for polling and heartbeat cadence to run
// continuously afterward.
func (c *Core) Start() {
	c.post(func() {
		if c.state == stateTokenValid {
			logger.Info("invalidation: warm start from persisted state")
			c.regMgr.Redrive()
		}

		c.pollTick()
		c.scheduleHeartbeat()
		c.schedulePersist()
	})
}

// Stop halts all recurring work. Outstanding outbound data already
// handed to the transport is unaffected.
func (c *Core) Stop() {
	c.post(func() {
		c.sched.Cancel(taskPoll)
		c.sched.Cancel(taskHeartbeat)
		c.sched.Cancel(taskBatching)
		c.sched.Cancel(taskRegistrationRetry)
		c.sched.Cancel(taskPersist)
	})
}

// onTransportFailure is registered with the transport at construction time
// and fires once, on whatever goroutine the transport reports its own death
// from, when the connection can no longer be used. There is no self-retry:
// the Core stops its own recurring work exactly as Stop does and forwards
// the error to the host, the same treatment SPEC_FULL.md gives any other
// fatal internal invariant violation.
func (c *Core) onTransportFailure(err error) {
	c.post(func() {
		if c.fatal {
			return
		}
		c.fatal = true

		logger.Error("invalidation: transport failed, ceasing operation", "error", err)
		if c.stats != nil {
			c.stats.Error("transport")
		}

		c.sched.Cancel(taskPoll)
		c.sched.Cancel(taskHeartbeat)
		c.sched.Cancel(taskBatching)
		c.sched.Cancel(taskRegistrationRetry)
		c.sched.Cancel(taskPersist)

		if c.cfg.OnFatalError != nil {
			c.cfg.OnFatalError(err)
		}
	})
}

// pollTick is the single recurring task that drives identity bootstrap,
// session re-establishment, and steady-state polling, branching on
// current state; whichever branch runs, it reschedules itself for
// pollInterval. HandleIntervals reschedules a pending tick when the server
// changes the interval, so a new interval counts from the message that
// carried it.
func (c *Core) pollTick() {
	switch c.state {
	case stateNoClient:
		c.sendAssignClientID()
	case stateNoSession:
		c.handler.SendUpdateSession(c.uniquifier)
	case stateTokenValid:
		c.handler.SendPoll()
	}
	c.schedulePoll()
}

func (c *Core) schedulePoll() {
	c.sched.Schedule(taskPoll, c.pollInterval, c.pollTick)
}

func (c *Core) sendAssignClientID() {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		logger.Error("invalidation: failed to generate nonce", "error", err)
		return
	}
	c.outstandingNonce = nonce
	c.handler.SendInitialize(nonce, c.cfg.ExternalID)
}

func (c *Core) heartbeatTick() {
	if c.state == stateTokenValid {
		c.handler.SendPoll()
	}
	c.scheduleHeartbeat()
}

func (c *Core) scheduleHeartbeat() {
	c.sched.Schedule(taskHeartbeat, c.heartbeatInterval, c.heartbeatTick)
}

func (c *Core) persistTick() {
	c.savePersistedState()
	c.schedulePersist()
}

func (c *Core) schedulePersist() {
	if c.persist == nil {
		return
	}
	c.sched.Schedule(taskPersist, c.persistInterval, c.persistTick)
}

func (c *Core) savePersistedState() {
	if c.persist == nil || c.state != stateTokenValid {
		return
	}
	err := c.persist.Save(persist.PersistedState{
		Uniquifier:            c.uniquifier,
		SessionToken:          c.sessionToken,
		LastKnownServerTimeMs: c.lastKnownServerTimeMs,
	})
	if err != nil {
		logger.Warn("invalidation: failed to persist state", "error", err)
	}
}

// CurrentToken implements ProtocolListener.
func (c *Core) CurrentToken() []byte { return c.sessionToken }

// CurrentRegistrationSummary implements ProtocolListener.
func (c *Core) CurrentRegistrationSummary() wire.RegistrationSummary { return c.regMgr.Summary() }

// HandleIntervals implements ProtocolListener, applying the server's
// advertised cadence and marking the instant as the client's latest
// observed contact with the service. A changed poll interval reschedules
// the pending poll to one new interval from now; a lengthened heartbeat
// interval does the same for the pending heartbeat, while a shortened one
// only applies from the next heartbeat tick.
func (c *Core) HandleIntervals(msg *wire.ServerToClientMessage) {
	if msg.HasNextPollIntervalMs {
		interval := time.Duration(msg.NextPollIntervalMs) * time.Millisecond
		changed := interval != c.pollInterval
		c.pollInterval = interval
		if changed && c.sched.Pending(taskPoll) {
			c.sched.Cancel(taskPoll)
			c.schedulePoll()
		}
	}
	if msg.HasNextHeartbeatMs {
		interval := time.Duration(msg.NextHeartbeatIntervalMs) * time.Millisecond
		lengthened := interval > c.heartbeatInterval
		c.heartbeatInterval = interval
		if lengthened && c.sched.Pending(taskHeartbeat) {
			c.sched.Cancel(taskHeartbeat)
			c.scheduleHeartbeat()
		}
	}
	c.lastKnownServerTimeMs = c.clock.Now().UnixMilli()
}

// HandleTokenChanged implements ProtocolListener.
func (c *Core) HandleTokenChanged(msg *wire.ServerToClientMessage) {
	switch msg.MessageType {
	case wire.MessageAssignClientID:
		c.onAssignClientID(msg)
	case wire.MessageUpdateSession:
		c.onUpdateSession(msg)
	case wire.MessageInvalidateSession:
		c.onInvalidateSession(msg)
	case wire.MessageInvalidateClientID:
		c.onInvalidateClientID(msg)
	}
}

func (c *Core) onAssignClientID(msg *wire.ServerToClientMessage) {
	if c.state != stateNoClient {
		logger.Debug("invalidation: ignoring assign-client-id response outside NO_CLIENT", "state", c.state)
		return
	}
	if len(c.outstandingNonce) == 0 || string(msg.Nonce) != string(c.outstandingNonce) {
		if c.stats != nil {
			c.stats.NonceMismatch()
		}
		logger.Debug("invalidation: ignoring assign-client-id response with mismatched nonce")
		return
	}
	if msg.AppClientID == nil || !msg.AppClientID.Equal(c.cfg.ExternalID) {
		logger.Debug("invalidation: ignoring assign-client-id response with mismatched external id")
		return
	}
	if msg.Status.Code != wire.StatusSuccess {
		logger.Warn("invalidation: assign-client-id failed", "status", msg.Status.Code)
		return
	}

	c.outstandingNonce = nil
	c.uniquifier = msg.ClientID
	c.sessionToken = msg.SessionToken
	c.state = stateTokenValid

	if c.hadPriorIdentity {
		c.regMgr.Reset()
	} else {
		c.regMgr.Redrive()
	}
	c.hadPriorIdentity = true
}

func (c *Core) onUpdateSession(msg *wire.ServerToClientMessage) {
	if c.state != stateNoSession {
		logger.Debug("invalidation: ignoring update-session response outside NO_SESSION", "state", c.state)
		return
	}
	if msg.Status.Code != wire.StatusSuccess {
		logger.Warn("invalidation: update-session failed, will retry on next poll", "status", msg.Status.Code)
		return
	}

	c.sessionToken = msg.SessionToken
	c.state = stateTokenValid
	c.regMgr.Reset()
}

func (c *Core) onInvalidateSession(msg *wire.ServerToClientMessage) {
	if c.state != stateTokenValid {
		return
	}
	if len(c.sessionToken) == 0 || string(msg.SessionToken) != string(c.sessionToken) {
		logger.Debug("invalidation: ignoring invalidate-session with stale token")
		return
	}

	c.state = stateNoSession
	c.sessionToken = nil
	c.handler.SendUpdateSession(c.uniquifier)
}

func (c *Core) onInvalidateClientID(msg *wire.ServerToClientMessage) {
	if len(c.uniquifier) == 0 || string(msg.ClientID) != string(c.uniquifier) {
		logger.Debug("invalidation: ignoring invalidate-client-id with stale client id")
		return
	}

	c.state = stateNoClient
	c.uniquifier = nil
	c.sessionToken = nil

	if c.persist != nil {
		if err := c.persist.Clear(); err != nil {
			logger.Warn("invalidation: failed to clear persisted state", "error", err)
		}
	}

	c.sendAssignClientID()
}

// HandleInvalidations implements ProtocolListener.
func (c *Core) HandleInvalidations(invs []wire.Invalidation) {
	for _, inv := range invs {
		if !c.regMgr.isConfirmedRegistered(inv.ObjectID) {
			logger.Debug("invalidation: dropping invalidation for unregistered object", "source", inv.ObjectID.Source, "name", inv.ObjectID.Name)
			continue
		}

		if c.stats != nil {
			c.stats.InvalidationDelivered()
		}

		target := wire.AckedInvalidation{ObjectID: inv.ObjectID, Version: inv.Version}
		ack := newAckHandle(func() {
			c.post(func() {
				if c.stats != nil {
					c.stats.AckedInvalidation()
				}
				c.handler.SendInvalidationAck(target)
			})
		})
		c.listener.Invalidate(inv, ack)
	}
}

// HandleInvalidateAll implements ProtocolListener. The server sets this
// flag when it has too much invalidation state to enumerate individually;
// the application is told to treat everything it has cached as stale.
func (c *Core) HandleInvalidateAll() {
	if c.stats != nil {
		c.stats.InvalidateAllReceived()
	}
	c.listener.InvalidateAll(noopAckHandle())
}

// HandleRegistrationStatus implements ProtocolListener.
func (c *Core) HandleRegistrationStatus(results []wire.RegistrationResult) {
	c.regMgr.HandleRegistrationStatus(results)
}

// HandleRegistrationSyncRequest implements ProtocolListener.
func (c *Core) HandleRegistrationSyncRequest() {
	c.regMgr.HandleRegistrationSyncRequest()
}

// HandleInfoMessage implements ProtocolListener. The performance-counter
// payload is a snapshot of the same counters a Prometheus scrape would see,
// so the two paths never disagree.
func (c *Core) HandleInfoMessage() {
	var perf []wire.KeyValue
	if c.stats != nil {
		snap := c.stats.Snapshot()
		perf = make([]wire.KeyValue, 0, len(snap))
		for key, value := range snap {
			perf = append(perf, wire.KeyValue{Key: key, Value: value})
		}
		sort.Slice(perf, func(i, j int) bool { return perf[i].Key < perf[j].Key })
	}

	c.handler.SendInfoMessage(wire.InfoMessage{
		PerformanceCounters: perf,
		ConfigParams: []wire.KeyValue{
			{Key: "poll_interval_ms", Value: c.pollInterval.Milliseconds()},
			{Key: "heartbeat_interval_ms", Value: c.heartbeatInterval.Milliseconds()},
		},
	})
}

// RegistrationLost implements RegistrationListener, forwarding straight
// to the application.
func (c *Core) RegistrationLost(id wire.ObjectID, ack *AckHandle) {
	c.listener.RegistrationLost(id, ack)
}

// AllRegistrationsLost implements RegistrationListener. Losing every
// registration also means every previously delivered invalidation could
// be stale, so this fires both upcalls the application sees.
func (c *Core) AllRegistrationsLost(ack *AckHandle) {
	c.listener.AllRegistrationsLost(ack)
	c.listener.InvalidateAll(noopAckHandle())
}
