// Package client is the embedding application's entry point onto the
// invalidation protocol: dial the service, drive the client-side engine,
// and expose the small surface an application actually needs — Register,
// Unregister, and Close — without any of it needing to know about
// throttling, batching, or the state machine underneath.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hydro78704/invalidation-client/internal/clock"
	"github.com/hydro78704/invalidation-client/internal/invalidation"
	"github.com/hydro78704/invalidation-client/internal/logger"
	"github.com/hydro78704/invalidation-client/internal/persist"
	"github.com/hydro78704/invalidation-client/internal/stats"
	"github.com/hydro78704/invalidation-client/internal/transport"
	"github.com/hydro78704/invalidation-client/internal/wire"
)

// ObjectID names one object an application can register interest in.
type ObjectID = wire.ObjectID

// ExternalID is the application-supplied identity used to bootstrap a
// uniquifier from the service.
type ExternalID = wire.ClientExternalID

// Invalidation is one object's new version, delivered via Listener.Invalidate.
type Invalidation = wire.Invalidation

// Listener receives every upcall the running client makes: new
// invalidations, the invalidate-all fallback, and the two registration-loss
// signals. See internal/invalidation.Listener for the exact contract; it is
// re-exported here so callers never need to import an internal package.
type Listener = invalidation.Listener

// AckHandle is the one-shot completion token accompanying every Listener
// upcall.
type AckHandle = invalidation.AckHandle

// Config configures a Client end to end.
type Config struct {
	// ServerAddr is the QUIC endpoint to dial, e.g. "invalidation.example.com:443".
	ServerAddr string

	ExternalID ExternalID
	ClientType int32
	Listener   Listener

	// PersistPath, if set, enables warm starts: the client's identity and
	// session survive a process restart in a Pebble database rooted here.
	PersistPath string

	// Registerer receives the client's Prometheus counters. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	Throttle               invalidation.ThrottleConfig
	RegistrationRetryDelay time.Duration
	PollInterval           time.Duration
	HeartbeatInterval      time.Duration

	// OnFatalError, if set, is called once when the connection to the
	// service dies for good: a stream error, or the connection closing out
	// from under the client. There is no reconnection policy here — the
	// host decides whether and how to redial.
	OnFatalError func(err error)
}

// Client is a running connection to the invalidation service.
type Client struct {
	core      *invalidation.Core
	transport *transport.QUIC
	sched     *clock.SystemScheduler
	persist   *persist.Store
}

// Dial connects to cfg.ServerAddr and starts the invalidation engine
// running against it. The returned Client is already exchanging protocol
// messages in the background; call Register to express interest in
// objects.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Listener == nil {
		return nil, fmt.Errorf("client: Config.Listener is required")
	}

	t, err := transport.Dial(ctx, cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s:\n%w", cfg.ServerAddr, err)
	}

	var store *persist.Store
	if cfg.PersistPath != "" {
		store, err = persist.Open(cfg.PersistPath)
		if err != nil {
			logger.Warn("client: persisted state store unavailable, falling back to cold start", "path", cfg.PersistPath, "error", err)
			store = nil
		}
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counters, err := stats.New(reg)
	if err != nil {
		t.Close()
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("client: register counters:\n%w", err)
	}

	sched := clock.NewSystemScheduler()

	core, err := invalidation.New(invalidation.Config{
		ExternalID:             cfg.ExternalID,
		ClientType:             cfg.ClientType,
		Listener:               cfg.Listener,
		Transport:              t,
		Clock:                  clock.NewSystemClock(),
		Scheduler:              sched,
		Stats:                  counters,
		PersistStore:           store,
		Throttle:               cfg.Throttle,
		RegistrationRetryDelay: cfg.RegistrationRetryDelay,
		PollInterval:           cfg.PollInterval,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		OnFatalError:           cfg.OnFatalError,
	})
	if err != nil {
		sched.Close()
		t.Close()
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("client: construct core:\n%w", err)
	}

	c := &Client{core: core, transport: t, sched: sched, persist: store}
	c.core.Start()

	logger.Info("client: connected", "server", cfg.ServerAddr, "warm_start", cfg.PersistPath != "")

	return c, nil
}

// Register asks the service to notify this client of changes to id.
func (c *Client) Register(id ObjectID) {
	c.core.Register(id)
}

// Unregister withdraws interest in id.
func (c *Client) Unregister(id ObjectID) {
	c.core.Unregister(id)
}

// Close stops the engine and releases the transport and persisted-state
// store, if one was opened. Outstanding outbound data already handed to
// the transport is not guaranteed to be flushed.
func (c *Client) Close() error {
	c.core.Stop()
	c.sched.Close()

	err := c.transport.Close()

	if c.persist != nil {
		if perr := c.persist.Close(); perr != nil && err == nil {
			err = perr
		}
	}

	if err != nil {
		return fmt.Errorf("client: close:\n%w", err)
	}
	return nil
}
