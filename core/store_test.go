package core

import (
	"path/filepath"
	"testing"
)

// TestBoltStoreInsertFetchDelete verifies the basic keyspace read/write
// contract.
func TestBoltStoreInsertFetchDelete(t *testing.T) {
	store := newTestStore(t)
	if err := store.Insert(KeyspaceBlocks, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := store.Fetch(KeyspaceBlocks, []byte("k"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("Fetch = %q, want %q", got, "v")
	}
	if err := store.Delete(KeyspaceBlocks, []byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Fetch(KeyspaceBlocks, []byte("k")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

// TestBoltStoreExists verifies Exists reports presence without a copy.
func TestBoltStoreExists(t *testing.T) {
	store := newTestStore(t)
	ok, err := store.Exists(KeyspaceBlocks, []byte("missing"))
	if err != nil || ok {
		t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
	}
	store.Insert(KeyspaceBlocks, []byte("present"), []byte("x"))
	ok, err = store.Exists(KeyspaceBlocks, []byte("present"))
	if err != nil || !ok {
		t.Fatalf("expected present key, got ok=%v err=%v", ok, err)
	}
}

// TestBoltStoreOpenRejectsVersionMismatch verifies reopening a store with
// a different expected version fails rather than silently proceeding.
func TestBoltStoreOpenRejectsVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := OpenBoltStore(path, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Close()

	if _, err := OpenBoltStore(path, 2); err != ErrVersionMismatch {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

// TestBoltStoreHealthPersists verifies SetHealth is durable across a
// reopen.
func TestBoltStoreHealthPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := OpenBoltStore(path, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SetHealth(HealthHealthy); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}
	s.Close()

	reopened, err := OpenBoltStore(path, 1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Health() != HealthHealthy {
		t.Fatalf("expected HealthHealthy to persist, got %v", reopened.Health())
	}
}

// TestBoltBatchCommitIsAllOrNothing verifies a batch's inserts and deletes
// become visible together after Commit.
func TestBoltBatchCommitIsAllOrNothing(t *testing.T) {
	store := newTestStore(t)
	store.Insert(KeyspaceBalances, []byte("a"), []byte("old"))

	b := store.BatchBegin()
	b.Insert(KeyspaceBalances, []byte("a"), []byte("new"))
	b.Insert(KeyspaceBalances, []byte("b"), []byte("fresh"))
	b.Delete(KeyspaceBalances, []byte("a"))
	b.Insert(KeyspaceBalances, []byte("a"), []byte("final"))
	if err := b.Commit(true); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := store.Fetch(KeyspaceBalances, []byte("a"))
	if err != nil || string(got) != "final" {
		t.Fatalf("expected final value for a, got %q err=%v", got, err)
	}
	got, err = store.Fetch(KeyspaceBalances, []byte("b"))
	if err != nil || string(got) != "fresh" {
		t.Fatalf("expected fresh value for b, got %q err=%v", got, err)
	}
}

// TestBoltStoreIterWalksAllEntries verifies Iter visits every key in a
// keyspace.
func TestBoltStoreIterWalksAllEntries(t *testing.T) {
	store := newTestStore(t)
	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		store.Insert(KeyspaceUnspent, []byte(k), []byte(v))
	}
	got := make(map[string]string)
	err := store.Iter(KeyspaceUnspent, func(key, value []byte) error {
		got[string(key)] = string(value)
		return nil
	})
	if err != nil {
		t.Fatalf("Iter: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("entry %s = %q, want %q", k, got[k], v)
		}
	}
}
