package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/hydro78704/invalidation-client/internal/logger"
	"github.com/hydro78704/invalidation-client/internal/wire"
)

const alpnProtocol = "invalidation/1"

// QUIC is the production Transport: a single client-initiated QUIC
// connection to the invalidation service. Unlike a peer-to-peer mesh node,
// it never listens, never reconnects, and never fans out to more than one
// remote endpoint — reconnection policy belongs to the host, not this
// package.
type QUIC struct {
	conn *quic.Conn

	mu       sync.Mutex
	pending  []byte
	hasBlob  bool
	listener func()

	inboundMu sync.Mutex
	inbound   InboundHandler

	failureMu    sync.Mutex
	failureCB    func(error)
	failureFired atomic.Bool

	closed atomic.Bool
}

// Dial opens a QUIC connection to addr and returns a ready-to-use
// Transport. The caller must call SetInboundHandler before the service can
// send anything meaningful; blobs that arrive before a handler is attached
// are logged and dropped.
func Dial(ctx context.Context, addr string) (*QUIC, error) {
	cert, err := generateClientCertificate()
	if err != nil {
		return nil, fmt.Errorf("transport: generate certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}
	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	t := &QUIC{conn: conn}

	go t.receiveLoop()

	return t, nil
}

// Deposit implements Transport. Besides invoking any externally registered
// observer, it drives its own send: a QUIC connection needs no outside
// help to notice that a blob is waiting and push it onto a stream.
func (t *QUIC) Deposit(blob []byte) {
	t.mu.Lock()
	t.pending = blob
	t.hasBlob = true
	cb := t.listener
	t.mu.Unlock()

	if cb != nil {
		cb()
	}

	go t.sendPending()
}

// sendPending takes whatever is currently buffered, if anything, and sends
// it. A concurrent call (from a second Deposit, or from an externally
// registered listener also draining the buffer) simply finds nothing left
// to take and returns.
func (t *QUIC) sendPending() {
	blob, ok := t.TakeOutboundMessage()
	if !ok {
		return
	}
	if err := t.Send(blob); err != nil {
		t.reportFailure(fmt.Errorf("transport: send: %w", err))
	}
}

// TakeOutboundMessage implements Transport. sendPending, which Deposit
// starts in its own goroutine, calls this and pushes the result onto a
// fresh unidirectional stream.
func (t *QUIC) TakeOutboundMessage() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasBlob {
		return nil, false
	}

	blob := t.pending
	t.pending = nil
	t.hasBlob = false

	return blob, true
}

// RegisterOutboundListener implements Transport. The listener is invoked
// synchronously from Deposit, so it must not block. Dial registers none:
// Deposit starts the send itself, so a listener is only an observer.
func (t *QUIC) RegisterOutboundListener(cb func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = cb
}

// SetInboundHandler implements Transport.
func (t *QUIC) SetInboundHandler(h InboundHandler) {
	t.inboundMu.Lock()
	defer t.inboundMu.Unlock()
	t.inbound = h
}

func (t *QUIC) getInboundHandler() InboundHandler {
	t.inboundMu.Lock()
	defer t.inboundMu.Unlock()
	return t.inbound
}

// RegisterFailureListener implements Transport.
func (t *QUIC) RegisterFailureListener(cb func(err error)) {
	t.failureMu.Lock()
	defer t.failureMu.Unlock()
	t.failureCB = cb
}

// reportFailure invokes the registered failure listener at most once, the
// first time this connection is found to be unusable. A Close initiated by
// the caller itself is not a failure.
func (t *QUIC) reportFailure(err error) {
	if t.closed.Load() {
		return
	}
	if !t.failureFired.CompareAndSwap(false, true) {
		return
	}

	t.failureMu.Lock()
	cb := t.failureCB
	t.failureMu.Unlock()

	if cb != nil {
		cb(err)
	} else {
		logger.Error("transport: connection failed with no failure listener registered", "error", err)
	}
}

// Close implements Transport.
func (t *QUIC) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.CloseWithError(0, "closed")
}

// Send opens a fresh unidirectional stream and writes one length-prefixed
// blob. sendPending calls it after TakeOutboundMessage returns something
// to send.
func (t *QUIC) Send(blob []byte) error {
	if t.closed.Load() {
		return fmt.Errorf("transport: connection is closed")
	}

	stream, err := t.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("transport: open stream: %w", err)
	}

	if err := wire.WriteFrame(stream, blob); err != nil {
		stream.Close()
		return fmt.Errorf("transport: write frame: %w", err)
	}

	return stream.Close()
}

// receiveLoop accepts inbound unidirectional streams one at a time and
// hands each payload to the inbound handler before accepting the next,
// preserving the half-duplex contract.
func (t *QUIC) receiveLoop() {
	for {
		stream, err := t.conn.AcceptUniStream(context.Background())
		if err != nil {
			if !t.closed.Load() {
				t.reportFailure(fmt.Errorf("transport: accept stream: %w", err))
			}
			return
		}

		blob, err := wire.ReadFrame(stream)
		if err != nil {
			t.reportFailure(fmt.Errorf("transport: read frame: %w", err))
			return
		}

		if inbound := t.getInboundHandler(); inbound != nil {
			inbound.HandleInboundMessage(blob)
		} else {
			logger.Debug("transport dropped inbound blob: no handler attached yet")
		}
	}
}

func generateClientCertificate() (tls.Certificate, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number: %w", err)
	}

	pub := priv.Public().(ed25519.PublicKey)
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: fmt.Sprintf("%x", pub[:8])},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return tls.X509KeyPair(certPEM, keyPEM)
}
