package core

import (
	"bytes"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := OpenBoltStore(path, 1)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotFullRoundTrip(t *testing.T) {
	store := newTestStore(t)
	tangle := NewTangle(4, 0, store, nil)
	ledger := NewLedger(store)

	sep := BlockID{0xAA}
	tangle.AddSolidEntryPoint(sep)

	txID := BlockID{0xBB}
	outputID := NewOutputID(txID, 0)
	co := &CreatedOutput{OutputID: outputID, Output: &TreasuryOutput{Value: 42}, BlockID: txID, MilestoneIndex: 3}

	batch := store.BatchBegin()
	batch.Insert(KeyspaceCreatedOutputs, outputID[:], encodeCreatedOutput(co))
	batch.Insert(KeyspaceUnspent, outputID[:], []byte{})
	diff := OutputDiff{MilestoneIndex: 3, Created: []OutputID{outputID}}
	batch.Insert(KeyspaceOutputDiffs, u32Bytes(3), encodeOutputDiff(diff))
	batch.Insert(KeyspaceLedgerIndex, ledgerIndexKey, u32Bytes(3))
	if err := batch.Commit(true); err != nil {
		t.Fatalf("seed batch commit: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, SnapshotFull, 7, tangle, ledger, store); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	hdr, seps, outputs, diffs, err := ReadSnapshot(&buf)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}

	if hdr.Version != snapshotVersion {
		t.Errorf("version = %d, want %d", hdr.Version, snapshotVersion)
	}
	if hdr.Kind != SnapshotFull {
		t.Errorf("kind = %v, want SnapshotFull", hdr.Kind)
	}
	if hdr.NetworkID != 7 {
		t.Errorf("network id = %d, want 7", hdr.NetworkID)
	}
	if hdr.LedgerIndex != 3 {
		t.Errorf("ledger index = %d, want 3", hdr.LedgerIndex)
	}
	if len(seps) != 1 || seps[0] != sep {
		t.Errorf("seps = %v, want [%v]", seps, sep)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output record, got %d", len(outputs))
	}
	if outputs[0].OutputID != outputID {
		t.Errorf("output id = %v, want %v", outputs[0].OutputID, outputID)
	}
	if outputs[0].Output.Amount() != 42 {
		t.Errorf("output amount = %d, want 42", outputs[0].Output.Amount())
	}
	if len(diffs) != 1 || diffs[0].MilestoneIndex != 3 {
		t.Fatalf("expected 1 milestone diff at index 3, got %v", diffs)
	}
	if len(diffs[0].Created) != 1 || diffs[0].Created[0] != outputID {
		t.Errorf("diff created set = %v, want [%v]", diffs[0].Created, outputID)
	}
}

func TestSnapshotDeltaOmitsOutputs(t *testing.T) {
	store := newTestStore(t)
	tangle := NewTangle(4, 0, store, nil)
	ledger := NewLedger(store)
	tangle.AddSolidEntryPoint(BlockID{0x01})

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, SnapshotDelta, 1, tangle, ledger, store); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	hdr, seps, outputs, diffs, err := ReadSnapshot(&buf)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if hdr.Kind != SnapshotDelta {
		t.Errorf("kind = %v, want SnapshotDelta", hdr.Kind)
	}
	if len(seps) != 1 {
		t.Errorf("expected 1 sep in delta snapshot, got %d", len(seps))
	}
	if outputs != nil {
		t.Errorf("expected nil outputs for a delta snapshot, got %v", outputs)
	}
	if diffs != nil {
		t.Errorf("expected nil diffs for a delta snapshot, got %v", diffs)
	}
}

func TestCompressDataRoundTrip(t *testing.T) {
	in := []byte("the quick brown fox jumps over the lazy dog")
	compressed, err := CompressData(in)
	if err != nil {
		t.Fatalf("CompressData: %v", err)
	}
	out, err := DecompressData(compressed)
	if err != nil {
		t.Fatalf("DecompressData: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatalf("round trip mismatch: got %q, want %q", out, in)
	}
}
