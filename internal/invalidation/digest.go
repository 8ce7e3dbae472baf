package invalidation

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/hydro78704/invalidation-client/internal/wire"
)

// summaryKey is the fixed key every client and the server hash member ids
// under. It only needs to be shared and stable, not secret — its purpose
// is to decorrelate this digest from BLAKE3's unkeyed output, not to
// authenticate anything.
var summaryKey = [32]byte{
	'i', 'n', 'v', 'a', 'l', 'i', 'd', 'a', 't', 'i', 'o', 'n', '-', 'c', 'l', 'i',
	'e', 'n', 't', '/', 'r', 'e', 'g', 'i', 's', 't', 'r', 'a', 't', 'i', 'o', 'n',
}

// summaryHash returns the 64-bit digest for one registration member: the
// first 8 bytes of a keyed BLAKE3 hash of its encoded object id.
func summaryHash(id wire.ObjectID) uint64 {
	h, err := blake3.NewKeyed(summaryKey[:])
	if err != nil {
		// summaryKey is a fixed, valid 32-byte key; NewKeyed can only fail
		// on key length.
		panic(fmt.Sprintf("invalidation: blake3 keyed hash: %v", err))
	}

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(id.Source))
	h.Write(buf[:])
	h.Write([]byte(id.Name))

	var out [8]byte
	copy(out[:], h.Sum(nil))
	return binary.BigEndian.Uint64(out[:])
}

// computeRegistrationSummary folds the member hashes of every confirmed
// registration into a single order-independent digest: the XOR of each
// member's summaryHash, alongside how many members were folded in.
func computeRegistrationSummary(confirmed []wire.ObjectID) wire.RegistrationSummary {
	var hash uint64
	for _, id := range confirmed {
		hash ^= summaryHash(id)
	}
	return wire.RegistrationSummary{Count: uint32(len(confirmed)), Hash: hash}
}
