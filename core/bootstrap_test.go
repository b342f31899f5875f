package core

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestBootstrapLoadMissingSnapshotIsNotAnError(t *testing.T) {
	store := newTestStore(t)
	tangle := NewTangle(4, 0, store, nil)
	ledger := NewLedger(store)

	b := NewBootstrap(filepath.Join(t.TempDir(), "missing.snap"), tangle, ledger, store, nil, nil)
	if err := b.Load(); err != nil {
		t.Fatalf("Load with no snapshot file should be a no-op, got %v", err)
	}
}

func TestBootstrapLoadRestoresSnapshot(t *testing.T) {
	srcStore := newTestStore(t)
	srcTangle := NewTangle(4, 0, srcStore, nil)
	srcLedger := NewLedger(srcStore)

	sep := BlockID{0x05}
	srcTangle.AddSolidEntryPoint(sep)

	txID := BlockID{0x06}
	outputID := NewOutputID(txID, 0)
	co := &CreatedOutput{OutputID: outputID, Output: &TreasuryOutput{Value: 100}, BlockID: txID, MilestoneIndex: 2}
	batch := srcStore.BatchBegin()
	batch.Insert(KeyspaceCreatedOutputs, outputID[:], encodeCreatedOutput(co))
	batch.Insert(KeyspaceUnspent, outputID[:], []byte{})
	batch.Insert(KeyspaceLedgerIndex, ledgerIndexKey, u32Bytes(2))
	if err := batch.Commit(true); err != nil {
		t.Fatalf("seed batch commit: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, SnapshotFull, 1, srcTangle, srcLedger, srcStore); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	snapPath := filepath.Join(t.TempDir(), "restore.snap")
	if err := os.WriteFile(snapPath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write snapshot file: %v", err)
	}

	dstStore := newTestStore(t)
	dstTangle := NewTangle(4, 0, dstStore, nil)
	dstLedger := NewLedger(dstStore)

	b := NewBootstrap(snapPath, dstTangle, dstLedger, dstStore, nil, nil)
	if err := b.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !dstTangle.IsSolidEntryPoint(sep) {
		t.Error("expected restored snapshot's SEP to be present after Load")
	}
	idx, err := dstLedger.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if idx != 2 {
		t.Errorf("ledger index = %d, want 2", idx)
	}
	unspent, err := dstLedger.IsUnspent(outputID)
	if err != nil {
		t.Fatalf("IsUnspent: %v", err)
	}
	if !unspent {
		t.Error("expected restored output to be unspent")
	}
	got, err := dstLedger.FetchCreatedOutput(outputID)
	if err != nil {
		t.Fatalf("FetchCreatedOutput: %v", err)
	}
	if got.Output.Amount() != 100 {
		t.Errorf("restored output amount = %d, want 100", got.Output.Amount())
	}
}

func TestBootstrapLoadSkipsWhenLedgerNonEmpty(t *testing.T) {
	store := newTestStore(t)
	tangle := NewTangle(4, 0, store, nil)
	ledger := NewLedger(store)

	batch := store.BatchBegin()
	batch.Insert(KeyspaceLedgerIndex, ledgerIndexKey, u32Bytes(5))
	if err := batch.Commit(true); err != nil {
		t.Fatalf("seed batch commit: %v", err)
	}

	b := NewBootstrap(filepath.Join(t.TempDir(), "unused.snap"), tangle, ledger, store, nil, nil)
	if err := b.Load(); err != nil {
		t.Fatalf("Load should skip cleanly when ledger already has state, got %v", err)
	}
	idx, err := ledger.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if idx != 5 {
		t.Errorf("ledger index changed to %d, want unchanged 5", idx)
	}
}
