package persist

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// stateKey is the single fixed key the persisted-state blob lives under.
// There is deliberately only ever one record in the store.
var stateKey = []byte("invalidation-client/persisted-state/v1")

// PersistedState is the small amount of client state worth surviving a
// process restart: the identity the service assigned the client, its most
// recently confirmed session, and the client-clock time (Unix milliseconds)
// of its last accepted message from the server.
type PersistedState struct {
	Uniquifier            []byte
	SessionToken          []byte
	LastKnownServerTimeMs int64
}

// Store persists and reloads a single PersistedState value, compressed with
// zstd before being written to Pebble. A Store is only usable once Open
// has returned it; an embedding application opts out of warm starts by
// giving the core no Store at all.
type Store struct {
	backend *store
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open opens (creating if necessary) a persisted-state store at path. A
// path is required; callers that don't want persistence should simply not
// construct a Store.
func Open(path string) (*Store, error) {
	backend, err := openStore(path)
	if err != nil {
		return nil, fmt.Errorf("persist: open store: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("persist: new zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("persist: new zstd decoder: %w", err)
	}

	return &Store{backend: backend, encoder: enc, decoder: dec}, nil
}

// Load returns the last saved state, or ok=false if nothing has been saved
// yet (including on a freshly created store).
func (s *Store) Load() (state PersistedState, ok bool, err error) {
	compressed, err := s.backend.get(stateKey)
	if err != nil {
		return PersistedState{}, false, fmt.Errorf("persist: read: %w", err)
	}
	if compressed == nil {
		return PersistedState{}, false, nil
	}

	blob, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return PersistedState{}, false, fmt.Errorf("persist: decompress: %w", err)
	}

	rec, err := decodeRecord(blob)
	if err != nil {
		return PersistedState{}, false, fmt.Errorf("persist: decode: %w", err)
	}

	state = PersistedState{
		Uniquifier:            rec.uniquifier(),
		SessionToken:          rec.sessionToken(),
		LastKnownServerTimeMs: rec.lastKnownServerTimeMs(),
	}

	return state, true, nil
}

// Save overwrites the persisted state with the given value.
func (s *Store) Save(state PersistedState) error {
	blob := encodeRecord(state.Uniquifier, state.SessionToken, state.LastKnownServerTimeMs)
	compressed := s.encoder.EncodeAll(blob, nil)

	if err := s.backend.set(stateKey, compressed); err != nil {
		return fmt.Errorf("persist: write: %w", err)
	}

	return nil
}

// Clear removes any saved state, forcing the next Load to report ok=false.
// Used when the client receives INVALIDATE_CLIENT_ID and its uniquifier is
// no longer valid for a warm start.
func (s *Store) Clear() error {
	if err := s.backend.delete(stateKey); err != nil {
		return fmt.Errorf("persist: clear: %w", err)
	}
	return nil
}

// Close releases the underlying database and compressor resources.
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.backend.close()
}
