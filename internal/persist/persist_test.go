package persist

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})

	return s
}

func TestStoreLoadEmptyReportsNotOK(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false on an empty store")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := PersistedState{
		Uniquifier:            []byte("uniq-42"),
		SessionToken:          []byte("session-token-value"),
		LastKnownServerTimeMs: 1700000123456,
	}

	if err := s.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true after save")
	}

	if !bytes.Equal(got.Uniquifier, want.Uniquifier) {
		t.Errorf("uniquifier: got %q want %q", got.Uniquifier, want.Uniquifier)
	}
	if !bytes.Equal(got.SessionToken, want.SessionToken) {
		t.Errorf("session token: got %q want %q", got.SessionToken, want.SessionToken)
	}
	if got.LastKnownServerTimeMs != want.LastKnownServerTimeMs {
		t.Errorf("last known server time: got %d want %d", got.LastKnownServerTimeMs, want.LastKnownServerTimeMs)
	}
}

func TestStoreSaveOverwritesPreviousState(t *testing.T) {
	s := openTestStore(t)

	if err := s.Save(PersistedState{Uniquifier: []byte("first")}); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := s.Save(PersistedState{Uniquifier: []byte("second")}); err != nil {
		t.Fatalf("save second: %v", err)
	}

	got, ok, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if !bytes.Equal(got.Uniquifier, []byte("second")) {
		t.Errorf("expected overwritten value, got %q", got.Uniquifier)
	}
}

func TestStoreClearRemovesState(t *testing.T) {
	s := openTestStore(t)

	if err := s.Save(PersistedState{Uniquifier: []byte("will-be-cleared")}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}

	_, ok, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false after clear")
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s1.Save(PersistedState{Uniquifier: []byte("durable"), LastKnownServerTimeMs: 99}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected database directory to exist: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, ok, err := s2.Load()
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true after reopen")
	}
	if !bytes.Equal(got.Uniquifier, []byte("durable")) || got.LastKnownServerTimeMs != 99 {
		t.Fatalf("state did not survive reopen: %+v", got)
	}
}
