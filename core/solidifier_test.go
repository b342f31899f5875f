package core

import "testing"

type fakeRouter struct {
	txs  []*TransactionPayload
	mss  []*MilestonePayload
	tags []*TaggedDataPayload
}

func (f *fakeRouter) HandleTransaction(b *Block, tx *TransactionPayload)   { f.txs = append(f.txs, tx) }
func (f *fakeRouter) HandleMilestone(b *Block, ms *MilestonePayload)       { f.mss = append(f.mss, ms) }
func (f *fakeRouter) HandleTaggedData(b *Block, td *TaggedDataPayload)     { f.tags = append(f.tags, td) }

// TestSolidifierChainOfFiveOutOfOrder inserts a 5-block chain in reverse
// order (tip first, SEP-adjacent block last) and verifies every block
// still ends up solid once its ancestry is present, exercising the DFS
// walk's re-entry on each new insert.
func TestSolidifierChainOfFiveOutOfOrder(t *testing.T) {
	tangle := NewTangle(4, 0, nil, nil)
	requester := NewRequester(&stubDispatcher{}, 0, 0)
	router := &fakeRouter{}
	bus := NewEventBus()
	var solidified []BlockID
	bus.Subscribe(EventBlockSolidified, func(e any) {
		solidified = append(solidified, e.(BlockSolidifiedEvent).BlockID)
	})
	s := NewSolidifier(tangle, requester, bus, router, func() uint32 { return 0 })

	sep := BlockID{0xEE}
	tangle.AddSolidEntryPoint(sep)

	chain := make([]*Block, 5)
	parent := sep
	for i := range chain {
		b := &Block{ProtocolVersion: 1, Parents: Parents{parent}, Nonce: uint64(i + 1)}
		chain[i] = b
		parent = b.ID()
	}

	for i := len(chain) - 1; i >= 0; i-- {
		id := chain[i].ID()
		tangle.Insert(id, chain[i])
		s.OnBlockInserted(id)
	}

	for i, b := range chain {
		v, ok := tangle.Get(b.ID())
		if !ok || !v.Metadata.Solid {
			t.Fatalf("expected block %d solid, vertex present=%v", i, ok)
		}
	}
	if len(solidified) != len(chain) {
		t.Fatalf("expected %d solidified events, got %d", len(chain), len(solidified))
	}
}

// TestSolidifierRequestsMissingParent verifies a block whose parent has
// not arrived triggers a block request instead of solidifying.
func TestSolidifierRequestsMissingParent(t *testing.T) {
	tangle := NewTangle(4, 0, nil, nil)
	requester := NewRequester(&stubDispatcher{}, 0, 0)
	bus := NewEventBus()
	s := NewSolidifier(tangle, requester, bus, nil, func() uint32 { return 0 })

	missingParent := idAt(77)
	b := &Block{ProtocolVersion: 1, Parents: Parents{missingParent}, Nonce: 1}
	id := b.ID()
	tangle.Insert(id, b)
	s.OnBlockInserted(id)

	v, _ := tangle.Get(id)
	if v.Metadata.Solid {
		t.Fatalf("expected block to remain unsolid while its parent is missing")
	}
	blocks, _ := requester.Pending()
	if blocks != 1 {
		t.Fatalf("expected exactly one pending block request, got %d", blocks)
	}
}

// TestSolidifierDispatchesByPayloadKind verifies a solidified block's
// payload reaches the matching PayloadHandler method.
func TestSolidifierDispatchesByPayloadKind(t *testing.T) {
	tangle := NewTangle(4, 0, nil, nil)
	requester := NewRequester(&stubDispatcher{}, 0, 0)
	bus := NewEventBus()
	router := &fakeRouter{}
	s := NewSolidifier(tangle, requester, bus, router, func() uint32 { return 0 })

	sep := idAt(1)
	tangle.AddSolidEntryPoint(sep)
	b := &Block{ProtocolVersion: 1, Parents: Parents{sep}, Payload: &TaggedDataPayload{Tag: []byte("t")}, Nonce: 1}
	id := b.ID()
	tangle.Insert(id, b)
	s.OnBlockInserted(id)

	if len(router.tags) != 1 {
		t.Fatalf("expected tagged-data payload dispatched, got %d", len(router.tags))
	}
}
