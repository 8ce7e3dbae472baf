package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const lengthPrefixSize = 4

// WriteFrame writes a length-prefixed blob: a 4-byte big-endian length
// followed by the blob itself. It is the one framing primitive both the
// client and the transport-level tests build on.
func WriteFrame(w io.Writer, blob []byte) error {
	if len(blob) > maxBlobSize {
		return fmt.Errorf("wire: frame too large: %d > %d", len(blob), maxBlobSize)
	}

	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(blob)))

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(blob); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed blob written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("wire: read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxBlobSize {
		return nil, fmt.Errorf("wire: frame too large: %d > %d", length, maxBlobSize)
	}

	blob := make([]byte, length)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}

	return blob, nil
}
