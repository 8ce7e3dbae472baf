// Package transport provides the half-duplex byte-blob channel the
// protocol handler uses to talk to the remote invalidation service: a
// QUIC-based implementation for production, and an in-memory fake for
// tests. Both hold at most one outbound blob at a time and deliver inbound
// blobs one at a time, matching the single-threaded model the rest of the
// client is built on.
package transport

// InboundHandler receives inbound blobs as they arrive. A Transport
// delivers at most one call at a time, never concurrently with another.
type InboundHandler interface {
	HandleInboundMessage(blob []byte)
}

// Transport is the contract the protocol handler drives. Deposit stores
// the next outbound blob, replacing anything still unsent, and fires the
// registered outbound listener; TakeOutboundMessage is how that listener
// (or anyone else) retrieves it.
type Transport interface {
	// Deposit stores blob as the single pending outbound message,
	// discarding whatever was pending before, and invokes the registered
	// outbound listener, if any.
	Deposit(blob []byte)

	// TakeOutboundMessage removes and returns the pending outbound
	// message. ok is false if nothing was pending.
	TakeOutboundMessage() (blob []byte, ok bool)

	// RegisterOutboundListener registers cb to run every time Deposit
	// stores a message. A second call replaces the first registration.
	RegisterOutboundListener(cb func())

	// SetInboundHandler attaches the handler that receives every inbound
	// blob from here on. The protocol handler wires itself in through this
	// method at construction time, so the transport can be built before the
	// handler that will consume its inbound stream exists.
	SetInboundHandler(h InboundHandler)

	// RegisterFailureListener registers cb to run once, the first time this
	// transport hits an unrecoverable error: a stream failure or the
	// connection closing out from under it. There is no retry policy here —
	// a Transport dials once and reports its own death, leaving what to do
	// about it to whoever is holding the connection.
	RegisterFailureListener(cb func(err error))

	// Close releases any resources the transport holds.
	Close() error
}
