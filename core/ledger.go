package core

// UTXO ledger state (C9, spec.md §3/§4.8): CreatedOutput/ConsumedOutput
// bind an output to the block and milestone that produced or spent it.
// Ledger wraps the Store with the typed accessors white-flag confirmation
// needs — resolving an input, checking spent status, reading/advancing
// the ledger index — and leaves all ordering/atomicity to the Store's
// batch contract. No teacher file models a UTXO ledger (the teacher's
// `ledger.go` was an account-balance, WAL-replayed chain ledger); this is
// built directly from spec.md's data model, keeping the teacher's
// package-level `Ledger` type name and its "wrap the store, expose typed
// methods" shape.

import (
	"encoding/binary"
	"errors"
)

// CreatedOutput binds an output to the block and milestone that created it.
type CreatedOutput struct {
	OutputID       OutputID
	Output         Output
	BlockID        BlockID
	MilestoneIndex uint32
}

// ConsumedOutput binds a previously created output to the transaction
// block and milestone that spent it.
type ConsumedOutput struct {
	OutputID         OutputID
	TransactionBlock BlockID
	MilestoneIndex   uint32
}

// OutputDiff records one milestone's net ledger effect, enough to replay
// or roll back during snapshotting.
type OutputDiff struct {
	MilestoneIndex uint32
	Created        []OutputID
	Consumed       []OutputID
}

var ledgerIndexKey = []byte{}

// Ledger is the UTXO state machine wrapping a Store. Milestone application
// writes through Confirm (whiteflag.go), and Bootstrap.Load (bootstrap.go)
// writes snapshot-restored outputs and the ledger index in its own batch;
// Ledger itself only exposes reads and the low-level encode/decode helpers
// those batches need.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger { return &Ledger{store: store} }

// Index returns the current LedgerIndex: the highest milestone index
// whose white-flag confirmation has committed. A store with no ledger
// index yet (genesis) returns 0.
func (l *Ledger) Index() (uint32, error) {
	raw, err := l.store.Fetch(KeyspaceLedgerIndex, ledgerIndexKey)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// IsUnspent reports whether id is currently in the unspent set.
func (l *Ledger) IsUnspent(id OutputID) (bool, error) {
	return l.store.Exists(KeyspaceUnspent, id[:])
}

// IsSpent reports whether id has an on-disk ConsumedOutput record, i.e.
// was consumed by a previously committed milestone.
func (l *Ledger) IsSpent(id OutputID) (bool, error) {
	return l.store.Exists(KeyspaceConsumedOutputs, id[:])
}

// FetchCreatedOutput resolves an output from the committed store, used
// when an input wasn't created earlier in the current white-flag pass.
func (l *Ledger) FetchCreatedOutput(id OutputID) (*CreatedOutput, error) {
	raw, err := l.store.Fetch(KeyspaceCreatedOutputs, id[:])
	if err != nil {
		return nil, err
	}
	return decodeCreatedOutput(id, raw)
}

// Balance returns the address's current tracked balance (basic-output
// ownership only; see whiteflag.go's primaryAddress).
func (l *Ledger) Balance(addr Address) (uint64, error) {
	raw, err := l.store.Fetch(KeyspaceBalances, addr[:])
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw), nil
}

func encodeCreatedOutput(co *CreatedOutput) []byte {
	w := newWriter()
	w.writeRaw(co.BlockID[:])
	w.writeU32(co.MilestoneIndex)
	w.writeRaw(encodeOutput(co.Output))
	return w.Bytes()
}

func decodeCreatedOutput(id OutputID, data []byte) (*CreatedOutput, error) {
	r := newReader(data)
	blockRaw, err := r.readRaw(BlockIDLength)
	if err != nil {
		return nil, err
	}
	var blockID BlockID
	copy(blockID[:], blockRaw)
	ms, err := r.readU32()
	if err != nil {
		return nil, err
	}
	out, err := decodeOutput(r)
	if err != nil {
		return nil, err
	}
	return &CreatedOutput{OutputID: id, Output: out, BlockID: blockID, MilestoneIndex: ms}, nil
}

func encodeConsumedOutput(c *ConsumedOutput) []byte {
	w := newWriter()
	w.writeRaw(c.TransactionBlock[:])
	w.writeU32(c.MilestoneIndex)
	return w.Bytes()
}

func u32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
