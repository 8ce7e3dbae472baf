package transport

import "sync"

// Fake is an in-memory Transport for tests. Deliver feeds bytes to the
// registered InboundHandler as if they had arrived over the wire; Sent
// returns a copy of the blobs taken so far through TakeOutboundMessage.
type Fake struct {
	mu       sync.Mutex
	pending  []byte
	hasBlob  bool
	listener func()
	inbound  InboundHandler
	failure  func(error)
	sent     [][]byte
	closed   bool
}

// NewFake creates a Fake transport with no inbound handler attached yet.
// Call SetInboundHandler before the peer under test can receive anything.
func NewFake() *Fake {
	return &Fake{}
}

// SetInboundHandler attaches the handler that Deliver will call.
func (f *Fake) SetInboundHandler(h InboundHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = h
}

// Deposit implements Transport.
func (f *Fake) Deposit(blob []byte) {
	f.mu.Lock()
	f.pending = blob
	f.hasBlob = true
	cb := f.listener
	f.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// TakeOutboundMessage implements Transport.
func (f *Fake) TakeOutboundMessage() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.hasBlob {
		return nil, false
	}

	blob := f.pending
	f.pending = nil
	f.hasBlob = false
	f.sent = append(f.sent, blob)

	return blob, true
}

// RegisterOutboundListener implements Transport.
func (f *Fake) RegisterOutboundListener(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = cb
}

// RegisterFailureListener implements Transport.
func (f *Fake) RegisterFailureListener(cb func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failure = cb
}

// Fail simulates the transport dying with err, invoking the registered
// failure listener the same way QUIC would on a stream error or a closed
// connection.
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	cb := f.failure
	f.mu.Unlock()

	if cb != nil {
		cb(err)
	}
}

// Close implements Transport.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Deliver simulates an inbound blob arriving from the peer.
func (f *Fake) Deliver(blob []byte) {
	f.mu.Lock()
	h := f.inbound
	f.mu.Unlock()

	if h != nil {
		h.HandleInboundMessage(blob)
	}
}

// Sent returns every blob that has been taken via TakeOutboundMessage so
// far, in order, for test assertions.
func (f *Fake) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// HasPending reports whether a deposited blob is still waiting to be
// taken.
func (f *Fake) HasPending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasBlob
}
