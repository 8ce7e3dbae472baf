// Package persist provides an optional on-disk cache of the small amount of
// state a client needs to warm-start instead of bootstrapping from scratch:
// its uniquifier, its most recent session token, and the last server
// timestamp it observed. Registrations are deliberately not persisted here;
// the registration manager always re-derives its desired set from the
// embedding application at startup.
package persist

import (
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const defaultSyncInterval = 100 * time.Millisecond

// store is a minimal single-key-space Pebble wrapper. Unlike the donor
// codebase's general-purpose KV store, this one only ever holds a handful of
// fixed keys, so there is no need for prefix scanning or batches.
type store struct {
	db       *pebble.DB
	stopSync chan struct{}
	wg       sync.WaitGroup
}

func openStore(path string) (*store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(4 << 20),
		MemTableSize: 4 << 20,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &store{
		db:       db,
		stopSync: make(chan struct{}),
	}
	s.startSyncLoop()

	return s, nil
}

func (s *store) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

func (s *store) set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

func (s *store) delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

func (s *store) close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

func (s *store) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

func (s *store) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
