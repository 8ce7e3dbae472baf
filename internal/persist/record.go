package persist

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
)

// minRecordSize is the smallest a well-formed record can be: the 4-byte
// root uOffset flatbuffers.GetUOffsetT reads unconditionally.
const minRecordSize = 4

// The persisted-state record is small and fixed-shape enough to build
// against the raw flatbuffers.Builder/Table API directly, the same way the
// donor codebase hand-assembles its own snapshot tables, without going
// through a schema compiler. Field order below fixes the vtable layout:
// slot 0 is uniquifier, slot 1 is session token, slot 2 is the server time.
const (
	fieldUniquifier            = 0
	fieldSessionToken          = 1
	fieldLastKnownServerTimeMs = 2
)

func encodeRecord(uniquifier, sessionToken []byte, lastKnownServerTimeMs int64) []byte {
	b := flatbuffers.NewBuilder(128)

	uniquifierOff := b.CreateByteVector(uniquifier)
	sessionTokenOff := b.CreateByteVector(sessionToken)

	b.StartObject(3)
	b.PrependUOffsetTSlot(fieldUniquifier, uniquifierOff, 0)
	b.PrependUOffsetTSlot(fieldSessionToken, sessionTokenOff, 0)
	b.PrependInt64Slot(fieldLastKnownServerTimeMs, lastKnownServerTimeMs, 0)
	offset := b.EndObject()

	b.Finish(offset)

	return b.FinishedBytes()
}

// record is a thin read-only view over an encoded blob, mirroring the shape
// of a generated flatbuffers accessor type.
type record struct {
	tab flatbuffers.Table
}

func decodeRecord(buf []byte) (*record, error) {
	if len(buf) < minRecordSize {
		return nil, fmt.Errorf("persist: record too short: %d bytes", len(buf))
	}

	n := flatbuffers.GetUOffsetT(buf)

	r := &record{}
	r.tab.Bytes = buf
	r.tab.Pos = n

	return r, nil
}

func (r *record) uniquifier() []byte {
	o := flatbuffers.UOffsetT(r.tab.Offset(flatbuffers.VOffsetT((fieldUniquifier + 2) * 2)))
	if o == 0 {
		return nil
	}
	return r.tab.ByteVector(o + r.tab.Pos)
}

func (r *record) sessionToken() []byte {
	o := flatbuffers.UOffsetT(r.tab.Offset(flatbuffers.VOffsetT((fieldSessionToken + 2) * 2)))
	if o == 0 {
		return nil
	}
	return r.tab.ByteVector(o + r.tab.Pos)
}

func (r *record) lastKnownServerTimeMs() int64 {
	o := flatbuffers.UOffsetT(r.tab.Offset(flatbuffers.VOffsetT((fieldLastKnownServerTimeMs + 2) * 2)))
	if o == 0 {
		return 0
	}
	return r.tab.GetInt64(o + r.tab.Pos)
}
