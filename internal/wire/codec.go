package wire

import (
	"encoding/binary"
	"fmt"
)

// maxBlobSize bounds any single encoded message, mirroring the donor
// codebase's own framing guard against a corrupt or hostile length prefix.
const maxBlobSize = 16 << 20

// encoder appends fixed- and variable-width fields to a growing buffer.
// Every multi-byte integer is written big-endian, matching the length
// prefix the outer framing already uses.
type encoder struct {
	buf []byte
}

func (e *encoder) putUint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) putUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putInt32(v int32) { e.putUint32(uint32(v)) }
func (e *encoder) putInt64(v int64) { e.putUint64(uint64(v)) }

func (e *encoder) putBool(v bool) {
	if v {
		e.putUint8(1)
	} else {
		e.putUint8(0)
	}
}

// putBytes writes a u32 length prefix followed by the bytes themselves.
func (e *encoder) putBytes(v []byte) {
	e.putUint32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) putString(v string) {
	e.putBytes([]byte(v))
}

func (e *encoder) bytes() []byte { return e.buf }

// decoder reads fields back off a fixed buffer, advancing a cursor and
// failing closed on truncation or an implausible length prefix.
type decoder struct {
	buf []byte
	pos int
}

func newDecoder(buf []byte) *decoder {
	return &decoder{buf: buf}
}

func (d *decoder) getUint8() (uint8, error) {
	if d.pos+1 > len(d.buf) {
		return 0, fmt.Errorf("wire: truncated uint8 at offset %d", d.pos)
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *decoder) getUint32() (uint32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, fmt.Errorf("wire: truncated uint32 at offset %d", d.pos)
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}

func (d *decoder) getUint64() (uint64, error) {
	if d.pos+8 > len(d.buf) {
		return 0, fmt.Errorf("wire: truncated uint64 at offset %d", d.pos)
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos : d.pos+8])
	d.pos += 8
	return v, nil
}

func (d *decoder) getInt32() (int32, error) {
	v, err := d.getUint32()
	return int32(v), err
}

func (d *decoder) getInt64() (int64, error) {
	v, err := d.getUint64()
	return int64(v), err
}

func (d *decoder) getBool() (bool, error) {
	v, err := d.getUint8()
	return v != 0, err
}

func (d *decoder) getBytes() ([]byte, error) {
	n, err := d.getUint32()
	if err != nil {
		return nil, err
	}
	if n > maxBlobSize {
		return nil, fmt.Errorf("wire: implausible length prefix %d", n)
	}
	if d.pos+int(n) > len(d.buf) {
		return nil, fmt.Errorf("wire: truncated bytes field, want %d, have %d", n, len(d.buf)-d.pos)
	}
	if n == 0 {
		return nil, nil
	}
	v := make([]byte, n)
	copy(v, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return v, nil
}

func (d *decoder) getString() (string, error) {
	b, err := d.getBytes()
	return string(b), err
}

func (d *decoder) done() bool { return d.pos == len(d.buf) }
