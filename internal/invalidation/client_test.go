package invalidation

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hydro78704/invalidation-client/internal/clock"
	"github.com/hydro78704/invalidation-client/internal/persist"
	"github.com/hydro78704/invalidation-client/internal/stats"
	"github.com/hydro78704/invalidation-client/internal/transport"
	"github.com/hydro78704/invalidation-client/internal/wire"
)

// recordedInvalidation pairs an inbound invalidation with the ack handle the
// core delivered alongside it, so a test can invoke Ack later.
type recordedInvalidation struct {
	inv wire.Invalidation
	ack *AckHandle
}

// testListener is a Listener that just records every upcall for later
// assertions; it never blocks.
type testListener struct {
	invalidations        []recordedInvalidation
	invalidateAllCount   int
	registrationLost     []wire.ObjectID
	allRegistrationsLost int
}

func (l *testListener) Invalidate(inv wire.Invalidation, ack *AckHandle) {
	l.invalidations = append(l.invalidations, recordedInvalidation{inv: inv, ack: ack})
}

func (l *testListener) InvalidateAll(ack *AckHandle) {
	l.invalidateAllCount++
	ack.Ack()
}

func (l *testListener) RegistrationLost(id wire.ObjectID, ack *AckHandle) {
	l.registrationLost = append(l.registrationLost, id)
	ack.Ack()
}

func (l *testListener) AllRegistrationsLost(ack *AckHandle) {
	l.allRegistrationsLost++
	ack.Ack()
}

var testExternalID = wire.ClientExternalID{ClientType: 1, ApplicationClientID: []byte("app_name")}

// newTestCore builds a Core wired to a Fake transport and a simulated clock,
// with a fresh Prometheus registry so counters from one test never collide
// with another's.
func newTestCore(t *testing.T, mutate func(*Config)) (*Core, *transport.Fake, *clock.Sim, *testListener) {
	t.Helper()

	sim := clock.NewSim()
	ft := transport.NewFake()
	lst := &testListener{}

	counters, err := stats.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("stats.New: %v", err)
	}

	cfg := Config{
		ExternalID: testExternalID,
		ClientType: 1,
		Listener:   lst,
		Transport:  ft,
		Clock:      sim,
		Scheduler:  sim,
		Stats:      counters,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	core, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return core, ft, sim, lst
}

func takeMessage(t *testing.T, ft *transport.Fake) *wire.ClientToServerMessage {
	t.Helper()

	blob, ok := ft.TakeOutboundMessage()
	if !ok {
		t.Fatalf("expected a pending outbound message, found none")
	}

	msg, err := wire.DecodeClientToServerMessage(blob)
	if err != nil {
		t.Fatalf("decode outbound message: %v", err)
	}
	return msg
}

func deliver(sim *clock.Sim, ft *transport.Fake, msg *wire.ServerToClientMessage) {
	ft.Deliver(wire.EncodeServerToClientMessage(msg))
	sim.RunReady()
}

// assignResponse builds the ASSIGN_CLIENT_ID success reply to req, with the
// caller free to mutate the nonce or external id before delivery to exercise
// the mismatch paths.
func assignResponse(req *wire.ClientToServerMessage, uniquifier, sessionToken string) *wire.ServerToClientMessage {
	extID := testExternalID
	return &wire.ServerToClientMessage{
		MessageType:  wire.MessageAssignClientID,
		Status:       wire.Status{Code: wire.StatusSuccess},
		ClientID:     []byte(uniquifier),
		SessionToken: []byte(sessionToken),
		Nonce:        req.Nonce,
		AppClientID:  &extID,
	}
}

// establishSession drives a Core from NO_CLIENT to TOKEN_VALID via a
// successful ASSIGN_CLIENT_ID round trip, returning the assigned session
// token for later comparisons.
func establishSession(t *testing.T, core *Core, ft *transport.Fake, sim *clock.Sim) []byte {
	t.Helper()

	core.Start()
	sim.RunReady()

	req := takeMessage(t, ft)
	if req.Action != wire.ActionAssignClientID {
		t.Fatalf("first outbound action = %v, want ActionAssignClientID", req.Action)
	}

	resp := assignResponse(req, "uniquifier", "opaque_data")
	deliver(sim, ft, resp)

	return resp.SessionToken
}

// 1. Cold start assignment.
func TestClientColdStartAssignment(t *testing.T) {
	core, ft, sim, _ := newTestCore(t, nil)

	core.Start()
	sim.RunReady()

	req := takeMessage(t, ft)
	if req.Action != wire.ActionAssignClientID {
		t.Fatalf("action = %v, want ActionAssignClientID", req.Action)
	}
	if req.ApplicationClientID == nil || !req.ApplicationClientID.Equal(testExternalID) {
		t.Fatalf("external id = %+v, want %+v", req.ApplicationClientID, testExternalID)
	}
	if len(req.Nonce) == 0 {
		t.Fatalf("expected a non-empty nonce")
	}
	if len(req.Header.ClientToken) != 0 {
		t.Fatalf("expected no client token on the bootstrap request")
	}
	if len(req.RegisterOperations) != 0 || len(req.AckedInvalidations) != 0 {
		t.Fatalf("expected no registrations or acks on the bootstrap request")
	}

	deliver(sim, ft, assignResponse(req, "uniquifier", "opaque_data"))

	sim.Advance(defaultPollInterval)
	poll := takeMessage(t, ft)
	if poll.Action != wire.ActionPollInvalidations {
		t.Fatalf("action = %v, want ActionPollInvalidations", poll.Action)
	}
	if string(poll.Header.ClientToken) != "opaque_data" {
		t.Fatalf("client token = %q, want %q", poll.Header.ClientToken, "opaque_data")
	}
}

// 2. Mismatched assignment ignored.
func TestClientMismatchedAssignmentIgnored(t *testing.T) {
	core, ft, sim, _ := newTestCore(t, nil)

	core.Start()
	sim.RunReady()
	req := takeMessage(t, ft)

	wrongID := wire.ClientExternalID{ClientType: 1, ApplicationClientID: []byte("wrong-app-client-id")}
	deliver(sim, ft, &wire.ServerToClientMessage{
		MessageType:  wire.MessageAssignClientID,
		Status:       wire.Status{Code: wire.StatusSuccess},
		ClientID:     []byte("uniquifier"),
		SessionToken: []byte("opaque_data"),
		Nonce:        req.Nonce,
		AppClientID:  &wrongID,
	})

	sim.Advance(defaultPollInterval)
	retry := takeMessage(t, ft)
	if retry.Action != wire.ActionAssignClientID {
		t.Fatalf("action = %v, want ActionAssignClientID (no transition should have occurred)", retry.Action)
	}
}

// 3. Polling interval respected. A server-advertised interval takes effect
// as soon as it is learned: the pending poll is rescheduled to one new
// interval after the message that carried it.
func TestClientPollingIntervalRespected(t *testing.T) {
	core, ft, sim, _ := newTestCore(t, nil)
	establishSession(t, core, ft, sim)

	deliver(sim, ft, &wire.ServerToClientMessage{
		MessageType:           wire.MessageObjectControl,
		Status:                wire.Status{Code: wire.StatusSuccess},
		SessionToken:          []byte("opaque_data"),
		HasNextPollIntervalMs: true,
		NextPollIntervalMs:    10000,
	})

	sim.Advance(9999 * time.Millisecond)
	if ft.HasPending() {
		t.Fatalf("poll fired before the shortened interval elapsed")
	}

	sim.Advance(time.Millisecond)
	poll := takeMessage(t, ft)
	if poll.Action != wire.ActionPollInvalidations {
		t.Fatalf("action = %v, want ActionPollInvalidations", poll.Action)
	}

	deliver(sim, ft, &wire.ServerToClientMessage{
		MessageType:           wire.MessageObjectControl,
		Status:                wire.Status{Code: wire.StatusSuccess},
		SessionToken:          []byte("opaque_data"),
		HasNextPollIntervalMs: true,
		NextPollIntervalMs:    100000,
	})

	sim.Advance(99999 * time.Millisecond)
	if ft.HasPending() {
		t.Fatalf("poll fired before the lengthened interval elapsed")
	}

	sim.Advance(time.Millisecond)
	poll = takeMessage(t, ft)
	if poll.Action != wire.ActionPollInvalidations {
		t.Fatalf("action = %v, want ActionPollInvalidations", poll.Action)
	}

	sim.Advance(99999 * time.Millisecond)
	if ft.HasPending() {
		t.Fatalf("poll fired before the lengthened interval elapsed again")
	}

	sim.Advance(time.Millisecond)
	poll = takeMessage(t, ft)
	if poll.Action != wire.ActionPollInvalidations {
		t.Fatalf("action = %v, want ActionPollInvalidations", poll.Action)
	}
}

// findOp returns the register operation for id, failing the test if absent.
func findOp(t *testing.T, ops []wire.RegisterOperation, id wire.ObjectID) wire.RegisterOperation {
	t.Helper()
	for _, op := range ops {
		if op.ObjectID == id {
			return op
		}
	}
	t.Fatalf("no register operation found for %+v", id)
	return wire.RegisterOperation{}
}

// 4. Registration retry then partial ack.
func TestClientRegistrationRetryThenPartialAck(t *testing.T) {
	core, ft, sim, _ := newTestCore(t, nil)
	establishSession(t, core, ft, sim)

	bookmarks := wire.NewObjectID(1, []byte("BOOKMARKS"))
	history := wire.NewObjectID(1, []byte("HISTORY"))

	core.Register(bookmarks)
	core.Register(history)
	sim.RunReady()

	sim.Advance(time.Second)
	first := takeMessage(t, ft)
	if len(first.RegisterOperations) != 2 {
		t.Fatalf("register operations = %d, want 2", len(first.RegisterOperations))
	}
	bookmarksOp := findOp(t, first.RegisterOperations, bookmarks)
	historyOp := findOp(t, first.RegisterOperations, history)

	sim.Advance(defaultRegistrationRetryDelay)
	retried := takeMessage(t, ft)
	if len(retried.RegisterOperations) != 2 {
		t.Fatalf("register operations on retry = %d, want 2 (no response was ever sent)", len(retried.RegisterOperations))
	}

	deliver(sim, ft, &wire.ServerToClientMessage{
		MessageType:  wire.MessageObjectControl,
		Status:       wire.Status{Code: wire.StatusSuccess},
		SessionToken: []byte("opaque_data"),
		RegistrationResults: []wire.RegistrationResult{
			{Operation: historyOp, Status: wire.Status{Code: wire.StatusSuccess}},
		},
	})

	sim.Advance(defaultRegistrationRetryDelay)
	partial := takeMessage(t, ft)
	if len(partial.RegisterOperations) != 1 || partial.RegisterOperations[0].ObjectID != bookmarks {
		t.Fatalf("register operations on second retry = %+v, want exactly BOOKMARKS", partial.RegisterOperations)
	}

	deliver(sim, ft, &wire.ServerToClientMessage{
		MessageType:  wire.MessageObjectControl,
		Status:       wire.Status{Code: wire.StatusSuccess},
		SessionToken: []byte("opaque_data"),
		RegistrationResults: []wire.RegistrationResult{
			{Operation: bookmarksOp, Status: wire.Status{Code: wire.StatusSuccess}},
		},
	})

	// Polls keep going out on their own cadence; none of them may carry a
	// register operation now that both are confirmed.
	for i := 0; i < 2; i++ {
		sim.Advance(defaultRegistrationRetryDelay)
		after := takeMessage(t, ft)
		if len(after.RegisterOperations) != 0 {
			t.Fatalf("expected no further register operations once everything is confirmed, got %+v", after.RegisterOperations)
		}
	}
}

// 5. Session switch.
func TestClientSessionSwitch(t *testing.T) {
	core, ft, sim, lst := newTestCore(t, nil)
	establishSession(t, core, ft, sim)

	deliver(sim, ft, &wire.ServerToClientMessage{
		MessageType:  wire.MessageInvalidateSession,
		Status:       wire.Status{Code: wire.StatusSuccess},
		SessionToken: []byte("opaque_data"),
	})

	sim.Advance(time.Second)
	req := takeMessage(t, ft)
	if req.Action != wire.ActionUpdateSession {
		t.Fatalf("action = %v, want ActionUpdateSession", req.Action)
	}
	if string(req.ClientID) != "uniquifier" {
		t.Fatalf("client id = %q, want %q", req.ClientID, "uniquifier")
	}

	before := lst.allRegistrationsLost
	deliver(sim, ft, &wire.ServerToClientMessage{
		MessageType:  wire.MessageUpdateSession,
		Status:       wire.Status{Code: wire.StatusSuccess},
		SessionToken: []byte("NEW_OPAQUE_DATA"),
	})

	if lst.allRegistrationsLost != before+1 {
		t.Fatalf("AllRegistrationsLost calls = %d, want %d", lst.allRegistrationsLost, before+1)
	}
}

// 6. Garbage collection recovery.
func TestClientGarbageCollectionRecovery(t *testing.T) {
	core, ft, sim, _ := newTestCore(t, nil)
	establishSession(t, core, ft, sim)

	deliver(sim, ft, &wire.ServerToClientMessage{
		MessageType: wire.MessageInvalidateClientID,
		Status:      wire.Status{Code: wire.StatusSuccess},
		ClientID:    []byte("uniquifier"),
	})

	sim.Advance(time.Second)
	req := takeMessage(t, ft)
	if req.Action != wire.ActionAssignClientID {
		t.Fatalf("action = %v, want ActionAssignClientID", req.Action)
	}
}

func TestClientGarbageCollectionMismatchIgnored(t *testing.T) {
	core, ft, sim, _ := newTestCore(t, nil)
	establishSession(t, core, ft, sim)

	deliver(sim, ft, &wire.ServerToClientMessage{
		MessageType: wire.MessageInvalidateClientID,
		Status:      wire.Status{Code: wire.StatusSuccess},
		ClientID:    []byte("some-other-uniquifier"),
	})

	sim.Advance(time.Second)
	if ft.HasPending() {
		t.Fatalf("expected no outbound action after a mismatched invalidate-client-id")
	}
}

// 7. Deferred ack.
func TestClientDeferredAck(t *testing.T) {
	core, ft, sim, lst := newTestCore(t, nil)
	establishSession(t, core, ft, sim)

	bookmarks := wire.NewObjectID(1, []byte("BOOKMARKS"))
	core.Register(bookmarks)
	sim.RunReady()
	sim.Advance(time.Second)
	regReq := takeMessage(t, ft)
	regOp := findOp(t, regReq.RegisterOperations, bookmarks)

	deliver(sim, ft, &wire.ServerToClientMessage{
		MessageType:  wire.MessageObjectControl,
		Status:       wire.Status{Code: wire.StatusSuccess},
		SessionToken: []byte("opaque_data"),
		RegistrationResults: []wire.RegistrationResult{
			{Operation: regOp, Status: wire.Status{Code: wire.StatusSuccess}},
		},
	})

	deliver(sim, ft, &wire.ServerToClientMessage{
		MessageType:  wire.MessageObjectControl,
		Status:       wire.Status{Code: wire.StatusSuccess},
		SessionToken: []byte("opaque_data"),
		Invalidations: []wire.Invalidation{
			{ObjectID: bookmarks, Version: 5},
		},
	})

	if len(lst.invalidations) != 1 {
		t.Fatalf("invalidations delivered = %d, want 1", len(lst.invalidations))
	}
	if ft.HasPending() {
		t.Fatalf("expected no outbound acked_invalidation before the ack handle fires")
	}

	lst.invalidations[0].ack.Ack()
	sim.RunReady()
	sim.Advance(time.Second)

	acked := takeMessage(t, ft)
	if len(acked.AckedInvalidations) != 1 {
		t.Fatalf("acked invalidations = %d, want 1", len(acked.AckedInvalidations))
	}
	got := acked.AckedInvalidations[0]
	if got.ObjectID != bookmarks || got.Version != 5 {
		t.Fatalf("acked invalidation = %+v, want (BOOKMARKS, 5)", got)
	}
}

// 8. Throttle floor. Once the server drives both cadences down to
// effectively zero, the coarse rate limit — not the application — bounds how
// often the transport is actually signaled.
func TestClientThrottleFloor(t *testing.T) {
	core, ft, sim, _ := newTestCore(t, nil)
	establishSession(t, core, ft, sim)

	sent := 0
	ft.RegisterOutboundListener(func() { sent++ })

	deliver(sim, ft, &wire.ServerToClientMessage{
		MessageType:             wire.MessageObjectControl,
		Status:                  wire.Status{Code: wire.StatusSuccess},
		SessionToken:            []byte("opaque_data"),
		HasNextPollIntervalMs:   true,
		NextPollIntervalMs:      1,
		HasNextHeartbeatMs:      true,
		NextHeartbeatIntervalMs: 1,
	})

	sim.Advance(5 * time.Minute)

	if sent < 28 || sent > 30 {
		t.Fatalf("outbound signals over 5 minutes = %d, want between 28 and 30 (coarse limit %d/min)", sent, defaultThrottleConfig.CoarseLimit)
	}
}

// 9. Warm start from persisted state.
func TestClientWarmStartFromPersistedState(t *testing.T) {
	store, err := persist.Open(t.TempDir())
	if err != nil {
		t.Fatalf("persist.Open: %v", err)
	}
	defer store.Close()

	saved := persist.PersistedState{
		Uniquifier:            []byte("uniquifier"),
		SessionToken:          []byte("opaque_data"),
		LastKnownServerTimeMs: 1700000000000,
	}
	if err := store.Save(saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	core, ft, sim, _ := newTestCore(t, func(cfg *Config) {
		cfg.PersistStore = store
	})

	if core.state != stateTokenValid {
		t.Fatalf("state after warm start = %v, want TOKEN_VALID", core.state)
	}

	core.Start()
	sim.RunReady()

	first := takeMessage(t, ft)
	if first.Action == wire.ActionAssignClientID {
		t.Fatalf("warm start re-ran ASSIGN_CLIENT_ID, expected to skip it")
	}
	if string(first.Header.ClientToken) != "opaque_data" {
		t.Fatalf("client token = %q, want %q", first.Header.ClientToken, "opaque_data")
	}
}

// 10. A transport failure is fatal: it stops recurring work and reaches the
// host exactly once, with no self-retry.
func TestClientTransportFailureIsFatal(t *testing.T) {
	var gotErr error
	fatalCount := 0

	core, ft, sim, _ := newTestCore(t, func(cfg *Config) {
		cfg.OnFatalError = func(err error) {
			fatalCount++
			gotErr = err
		}
	})

	// Establish a client so poll/heartbeat/batching tasks are actually
	// scheduled, then break the transport.
	establishSession(t, core, ft, sim)

	failure := fmt.Errorf("connection reset")
	ft.Fail(failure)
	sim.RunReady()

	if fatalCount != 1 {
		t.Fatalf("OnFatalError calls = %d, want 1", fatalCount)
	}
	if gotErr != failure {
		t.Fatalf("OnFatalError err = %v, want %v", gotErr, failure)
	}

	// No further polling should ever be scheduled once the transport has
	// failed.
	sim.Advance(defaultPollInterval * 2)
	if ft.HasPending() {
		t.Fatalf("expected no further outbound messages after a fatal transport failure")
	}

	// A second failure report must not double-fire the callback.
	ft.Fail(fmt.Errorf("second failure"))
	sim.RunReady()
	if fatalCount != 1 {
		t.Fatalf("OnFatalError calls after a second Fail = %d, want still 1", fatalCount)
	}
}
