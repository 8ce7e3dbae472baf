package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func TestClientToServerMessageRoundTrip(t *testing.T) {
	original := &ClientToServerMessage{
		Header: ClientHeader{
			ClientToken:         []byte("token-123"),
			RegistrationSummary: RegistrationSummary{Count: 3, Hash: 0xdeadbeef},
			ClientTimeMs:        1700000000123,
			MessageID:           42,
			ClientType:          7,
			ProtocolVersion:     3,
			ClientVersion:       1,
		},
		Action: ActionObjectControl,
		RegisterOperations: []RegisterOperation{
			{ObjectID: NewObjectID(1, []byte("obj-a")), SequenceNumber: 1, Type: RegisterOp},
			{ObjectID: NewObjectID(2, []byte("obj-b")), SequenceNumber: 2, Type: UnregisterOp},
		},
		AckedInvalidations: []AckedInvalidation{
			{ObjectID: NewObjectID(1, []byte("obj-a")), Version: 10},
		},
		Info: &InfoMessage{
			PerformanceCounters: []KeyValue{{Key: "queue_depth", Value: 5}},
		},
	}

	blob := EncodeClientToServerMessage(original)

	decoded, err := DecodeClientToServerMessage(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !reflect.DeepEqual(original, decoded) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", original, decoded)
	}
}

func TestClientToServerMessageRoundTripMinimal(t *testing.T) {
	original := &ClientToServerMessage{
		Header: ClientHeader{ClientType: 1, ProtocolVersion: 3},
		Action: ActionAssignClientID,
		Nonce:  []byte("nonce"),
	}

	blob := EncodeClientToServerMessage(original)
	decoded, err := DecodeClientToServerMessage(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Action != ActionAssignClientID || !bytes.Equal(decoded.Nonce, original.Nonce) {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
	if len(decoded.RegisterOperations) != 0 || decoded.ApplicationClientID != nil || decoded.Info != nil {
		t.Fatalf("expected empty optional fields, got %+v", decoded)
	}
}

func TestServerToClientMessageRoundTrip(t *testing.T) {
	original := &ServerToClientMessage{
		MessageType:  MessageObjectControl,
		Status:       Status{Code: StatusSuccess},
		ClientID:     []byte("client-9"),
		SessionToken: []byte("session-9"),
		Invalidations: []Invalidation{
			{ObjectID: NewObjectID(1, []byte("obj-a")), Version: 5, Payload: []byte("hint")},
			{ObjectID: NewObjectID(1, []byte("obj-b")), Version: -1},
		},
		RegistrationResults: []RegistrationResult{
			{
				Operation: RegisterOperation{ObjectID: NewObjectID(1, []byte("obj-a")), SequenceNumber: 1, Type: RegisterOp},
				Status:    Status{Code: StatusObjectUnknown, Description: "no such object"},
			},
		},
		HasNextPollIntervalMs: true,
		NextPollIntervalMs:    60000,
	}

	blob := EncodeServerToClientMessage(original)

	decoded, err := DecodeServerToClientMessage(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !reflect.DeepEqual(original, decoded) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", original, decoded)
	}
}

func TestServerToClientMessageInvalidateAllFlag(t *testing.T) {
	original := &ServerToClientMessage{
		MessageType:          MessageObjectControl,
		Status:               Status{Code: StatusSuccess},
		SessionToken:         []byte("session-9"),
		InvalidateAllObjects: true,
	}

	blob := EncodeServerToClientMessage(original)
	decoded, err := DecodeServerToClientMessage(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.MessageType != MessageObjectControl {
		t.Fatalf("expected message type to survive, got %v", decoded.MessageType)
	}
	if !decoded.InvalidateAllObjects {
		t.Fatalf("expected invalidate-all flag to survive round trip")
	}
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	m := &ClientToServerMessage{
		Header: ClientHeader{ClientType: 1},
		Action: ActionPollInvalidations,
	}
	blob := EncodeClientToServerMessage(m)

	if _, err := DecodeClientToServerMessage(blob[:len(blob)-1]); err == nil {
		t.Fatalf("expected truncated buffer to fail decoding")
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	m := &ClientToServerMessage{
		Header: ClientHeader{ClientType: 1},
		Action: ActionPollInvalidations,
	}
	blob := append(EncodeClientToServerMessage(m), 0xFF)

	if _, err := DecodeClientToServerMessage(blob); err == nil {
		t.Fatalf("expected trailing bytes to fail decoding")
	}
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello invalidation service")

	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestReadFrameRejectsOversizedPrefix(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7F, 0xFF, 0xFF, 0xFF}) // ~2GB claimed length

	if _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected oversized length prefix to be rejected")
	}
}
