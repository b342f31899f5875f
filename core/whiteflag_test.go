package core

import (
	"crypto/ed25519"
	"testing"
)

type whiteflagHarness struct {
	store  Store
	tangle *Tangle
	ledger *Ledger
	wf     *WhiteFlag
	sep    BlockID
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
	addr   Address
}

func newWhiteflagHarness(t *testing.T) *whiteflagHarness {
	t.Helper()
	store := newTestStore(t)
	tangle := NewTangle(4, 0, store, nil)
	ledger := NewLedger(store)
	bus := NewEventBus()
	wf := NewWhiteFlag(tangle, ledger, store, bus)

	sep := idAt(1)
	tangle.AddSolidEntryPoint(sep)

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := AddressFromPublicKey(pub)

	return &whiteflagHarness{store: store, tangle: tangle, ledger: ledger, wf: wf, sep: sep, pub: pub, priv: priv, addr: addr}
}

// seedOutput writes a pre-existing unspent output directly into the store,
// simulating ledger state from an earlier milestone.
func (h *whiteflagHarness) seedOutput(id OutputID, value uint64) {
	co := &CreatedOutput{OutputID: id, Output: h.basicOutputTo(value, h.addr), BlockID: id.TransactionID(), MilestoneIndex: 0}
	h.store.Insert(KeyspaceCreatedOutputs, id[:], encodeCreatedOutput(co))
	h.store.Insert(KeyspaceUnspent, id[:], []byte{})
}

func (h *whiteflagHarness) basicOutputTo(value uint64, addr Address) *BasicOutput {
	return &BasicOutput{outputCommon{
		Value:      value,
		Conditions: []UnlockCondition{{ConditionKind: UnlockConditionAddress, Address: addr}},
	}}
}

// spendingBlock builds a block carrying a transaction that spends input,
// producing one output of the same value back to the harness address.
func (h *whiteflagHarness) spendingBlock(input OutputID, value uint64) *Block {
	out := h.basicOutputTo(value, h.addr)
	essence := &TransactionEssence{
		NetworkID: 1,
		Inputs:    []OutputID{input},
		Outputs:   []Output{out},
	}
	essence.InputsCommitment = ComputeInputsCommitment([]Output{h.basicOutputTo(value, h.addr)})

	tx := &TransactionPayload{Essence: essence}
	hash := tx.EssenceHash()
	sig := ed25519.Sign(h.priv, hash[:])
	var unlock Unlock
	unlock.UnlockKind = UnlockSignature
	copy(unlock.PublicKey[:], h.pub)
	copy(unlock.Signature[:], sig)
	tx.Unlocks = []Unlock{unlock}

	return &Block{ProtocolVersion: 1, Parents: Parents{h.sep}, Payload: tx, Nonce: 1}
}

func (h *whiteflagHarness) insertAndGetID(b *Block) BlockID {
	id := b.ID()
	h.tangle.Insert(id, b)
	return id
}

func (h *whiteflagHarness) milestonePayload(index uint32, parents Parents, order, included []BlockID) *MilestonePayload {
	essence := &MilestoneEssence{
		Index:               index,
		Parents:             parents,
		InclusionMerkleRoot: MerkleRoot(included),
		AppliedMerkleRoot:   MerkleRoot(order),
	}
	hash := essence.Hash()
	sig := ed25519.Sign(h.priv, hash[:])
	return &MilestonePayload{Essence: essence, Signatures: [][]byte{sig}}
}

// TestWhiteFlagConfirmAppliesSingleTransaction verifies a simple spend
// commits the ledger effect and emits a milestone-confirmed event with no
// conflicts.
func TestWhiteFlagConfirmAppliesSingleTransaction(t *testing.T) {
	h := newWhiteflagHarness(t)
	genesisOutput := NewOutputID(idAt(200), 0)
	h.seedOutput(genesisOutput, 100)

	txBlock := h.spendingBlock(genesisOutput, 100)
	txID := h.insertAndGetID(txBlock)

	msBlockID := idAt(250)
	payload := h.milestonePayload(1, Parents{txID}, []BlockID{txID}, []BlockID{txID})

	event, err := h.wf.Confirm(msBlockID, payload)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if event.IncludedCount != 1 || event.ConflictingCount != 0 {
		t.Fatalf("unexpected event: %+v", event)
	}
	spent, err := h.ledger.IsSpent(genesisOutput)
	if err != nil || !spent {
		t.Fatalf("expected genesis output spent, ok=%v err=%v", spent, err)
	}
	idx, err := h.ledger.Index()
	if err != nil || idx != 1 {
		t.Fatalf("expected ledger index 1, got %d err=%v", idx, err)
	}
}

// TestWhiteFlagRejectsDoubleSpendWithinMilestone verifies two blocks in
// the same milestone's past cone spending the same input: the first
// succeeds and the second is marked conflicting, with the milestone still
// confirming overall.
func TestWhiteFlagRejectsDoubleSpendWithinMilestone(t *testing.T) {
	h := newWhiteflagHarness(t)
	genesisOutput := NewOutputID(idAt(200), 0)
	h.seedOutput(genesisOutput, 100)

	first := h.spendingBlock(genesisOutput, 100)
	first.Nonce = 1
	second := h.spendingBlock(genesisOutput, 100)
	second.Nonce = 2
	firstID := h.insertAndGetID(first)
	secondID := h.insertAndGetID(second)

	order := SortParents([]BlockID{firstID, secondID})
	winner, loser := order[0], order[1]

	payload := h.milestonePayload(1, order, []BlockID(order), []BlockID{winner})
	event, err := h.wf.Confirm(idAt(250), payload)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if event.IncludedCount != 1 || event.ConflictingCount != 1 {
		t.Fatalf("expected one included and one conflicting block, got %+v", event)
	}
	winnerVertex, _ := h.tangle.Get(winner)
	loserVertex, _ := h.tangle.Get(loser)
	if winnerVertex.Metadata.Conflicting {
		t.Fatalf("expected the first-ordered spend to be the winner")
	}
	if !loserVertex.Metadata.Conflicting || loserVertex.Metadata.ConflictReason != ConflictInputUtxoAlreadySpentInThisMilestone {
		t.Fatalf("expected the second spend marked conflicting with ConflictInputUtxoAlreadySpentInThisMilestone, got %+v", loserVertex.Metadata)
	}
}

// TestWhiteFlagRejectsDoubleSpendAcrossMilestones verifies an input spent
// by a committed milestone cannot be spent again in a later milestone.
func TestWhiteFlagRejectsDoubleSpendAcrossMilestones(t *testing.T) {
	h := newWhiteflagHarness(t)
	genesisOutput := NewOutputID(idAt(200), 0)
	h.seedOutput(genesisOutput, 100)

	firstBlock := h.spendingBlock(genesisOutput, 100)
	firstID := h.insertAndGetID(firstBlock)
	payload1 := h.milestonePayload(1, Parents{firstID}, []BlockID{firstID}, []BlockID{firstID})
	if _, err := h.wf.Confirm(idAt(250), payload1); err != nil {
		t.Fatalf("first Confirm: %v", err)
	}

	secondBlock := h.spendingBlock(genesisOutput, 100)
	secondBlock.Nonce = 99
	secondBlock.Parents = Parents{firstID}
	secondID := h.insertAndGetID(secondBlock)
	payload2 := h.milestonePayload(2, Parents{secondID}, []BlockID{secondID}, nil)

	event, err := h.wf.Confirm(idAt(251), payload2)
	if err != nil {
		t.Fatalf("second Confirm: %v", err)
	}
	if event.IncludedCount != 0 || event.ConflictingCount != 1 {
		t.Fatalf("expected the repeat spend rejected, got %+v", event)
	}
	v, _ := h.tangle.Get(secondID)
	if v.Metadata.ConflictReason != ConflictInputUtxoAlreadySpent {
		t.Fatalf("expected ConflictInputUtxoAlreadySpent, got %v", v.Metadata.ConflictReason)
	}
}

// TestWhiteFlagRejectsMerkleMismatchWithoutMutation verifies a milestone
// whose signed inclusion root does not match the computed one is rejected
// and the ledger is left untouched.
func TestWhiteFlagRejectsMerkleMismatchWithoutMutation(t *testing.T) {
	h := newWhiteflagHarness(t)
	genesisOutput := NewOutputID(idAt(200), 0)
	h.seedOutput(genesisOutput, 100)

	txBlock := h.spendingBlock(genesisOutput, 100)
	txID := h.insertAndGetID(txBlock)

	// Wrong inclusion root: claims nothing was included.
	payload := h.milestonePayload(1, Parents{txID}, []BlockID{txID}, nil)

	_, err := h.wf.Confirm(idAt(250), payload)
	if err == nil {
		t.Fatalf("expected ErrInvalidWhiteFlag")
	}
	if _, ok := err.(*ErrInvalidWhiteFlag); !ok {
		t.Fatalf("expected *ErrInvalidWhiteFlag, got %T: %v", err, err)
	}
	idx, err := h.ledger.Index()
	if err != nil || idx != 0 {
		t.Fatalf("expected ledger index untouched at 0, got %d err=%v", idx, err)
	}
	spent, err := h.ledger.IsSpent(genesisOutput)
	if err != nil || spent {
		t.Fatalf("expected genesis output still unspent, spent=%v err=%v", spent, err)
	}
}
