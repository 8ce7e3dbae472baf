package transport

import (
	"bytes"
	"testing"
)

type recordingHandler struct {
	received [][]byte
}

func (r *recordingHandler) HandleInboundMessage(blob []byte) {
	r.received = append(r.received, blob)
}

func TestFakeDepositThenTake(t *testing.T) {
	f := NewFake()

	if _, ok := f.TakeOutboundMessage(); ok {
		t.Fatalf("expected no pending message before any deposit")
	}

	f.Deposit([]byte("hello"))
	if !f.HasPending() {
		t.Fatalf("expected pending message after deposit")
	}

	blob, ok := f.TakeOutboundMessage()
	if !ok {
		t.Fatalf("expected a message to take")
	}
	if !bytes.Equal(blob, []byte("hello")) {
		t.Fatalf("got %q", blob)
	}

	if _, ok := f.TakeOutboundMessage(); ok {
		t.Fatalf("expected buffer to be empty after take")
	}
}

func TestFakeDepositReplacesUntakenMessage(t *testing.T) {
	f := NewFake()

	f.Deposit([]byte("first"))
	f.Deposit([]byte("second"))

	blob, ok := f.TakeOutboundMessage()
	if !ok || !bytes.Equal(blob, []byte("second")) {
		t.Fatalf("expected second deposit to win, got %q ok=%v", blob, ok)
	}
}

func TestFakeListenerFiresOnDeposit(t *testing.T) {
	f := NewFake()

	fired := 0
	f.RegisterOutboundListener(func() { fired++ })

	f.Deposit([]byte("a"))
	f.Deposit([]byte("b"))

	if fired != 2 {
		t.Fatalf("expected listener to fire once per deposit, got %d", fired)
	}
}

func TestFakeDeliverReachesInboundHandler(t *testing.T) {
	f := NewFake()
	h := &recordingHandler{}
	f.SetInboundHandler(h)

	f.Deliver([]byte("from-server"))

	if len(h.received) != 1 || !bytes.Equal(h.received[0], []byte("from-server")) {
		t.Fatalf("unexpected received messages: %v", h.received)
	}
}

func TestFakeSentRecordsTakenMessagesInOrder(t *testing.T) {
	f := NewFake()

	f.Deposit([]byte("one"))
	f.TakeOutboundMessage()
	f.Deposit([]byte("two"))
	f.TakeOutboundMessage()

	sent := f.Sent()
	if len(sent) != 2 || !bytes.Equal(sent[0], []byte("one")) || !bytes.Equal(sent[1], []byte("two")) {
		t.Fatalf("unexpected sent log: %v", sent)
	}
}
