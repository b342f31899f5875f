package core

// Solidifier & Payload Router (C8): bounded DFS walk from a new block
// toward Solid Entry Points, following spec.md §4.7's pseudocode, with a
// missing parent recorded as visited so the walk ends. The walk is idempotent (MarkSolid on an already-solid vertex
// is a no-op, see tangle.go) and interruption-safe (each stack frame only
// mutates its own vertex's solid flag, never a partial multi-vertex
// update).

import (
	"sync"
)

// PayloadHandler receives a block once it has solidified, dispatched by
// its payload kind.
type PayloadHandler interface {
	HandleTransaction(block *Block, tx *TransactionPayload)
	HandleMilestone(block *Block, ms *MilestonePayload)
	HandleTaggedData(block *Block, td *TaggedDataPayload)
}

// Solidifier watches tangle inserts and walks each new block's ancestry
// toward solidity.
type Solidifier struct {
	tangle     *Tangle
	requester  *Requester
	bus        *EventBus
	router     PayloadHandler
	currentMilestone func() uint32

	mu      sync.Mutex
	running map[BlockID]struct{} // in-flight walk dedup, not a visited set
}

// NewSolidifier wires the solidifier to its tangle, requester, event bus
// and payload router. currentMilestone supplies the hint attached to
// requests for missing parents.
func NewSolidifier(t *Tangle, r *Requester, bus *EventBus, router PayloadHandler, currentMilestone func() uint32) *Solidifier {
	return &Solidifier{
		tangle:           t,
		requester:        r,
		bus:              bus,
		router:           router,
		currentMilestone: currentMilestone,
		running:          make(map[BlockID]struct{}),
	}
}

// OnBlockInserted should be called after every Tangle.Insert; it runs the
// solidification walk from root toward SEPs. Concurrent walks for the
// same root collapse into one.
func (s *Solidifier) OnBlockInserted(root BlockID) {
	s.mu.Lock()
	if _, inFlight := s.running[root]; inFlight {
		s.mu.Unlock()
		return
	}
	s.running[root] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, root)
		s.mu.Unlock()
	}()

	s.solidify(root)
}

// solidify follows spec.md §4.7's pseudocode: a depth-first walk over
// parents only, stopping at SEPs, already-solid vertices, or
// already-visited ids within this walk. A missing parent is requested and
// recorded as visited; a vertex whose first unsolid parent was already
// visited stays unsolid instead of pushing that parent again.
func (s *Solidifier) solidify(root BlockID) {
	stack := []BlockID{root}
	visited := make(map[BlockID]struct{})

	for len(stack) > 0 {
		id := stack[len(stack)-1]

		if s.tangle.IsSolidEntryPoint(id) {
			stack = stack[:len(stack)-1]
			continue
		}
		if _, seen := visited[id]; seen {
			stack = stack[:len(stack)-1]
			continue
		}
		v, present := s.tangle.Get(id)
		if !present || v.Block == nil {
			s.requester.RequestBlock(id, s.currentMilestone())
			visited[id] = struct{}{}
			stack = stack[:len(stack)-1]
			continue
		}
		if v.Metadata.Solid {
			stack = stack[:len(stack)-1]
			continue
		}

		unsolidParent, found := s.firstUnsolidParent(v)
		if found {
			if _, seen := visited[unsolidParent]; seen {
				visited[id] = struct{}{}
				stack = stack[:len(stack)-1]
				continue
			}
			stack = append(stack, unsolidParent)
			continue
		}

		s.tangle.MarkSolid(id)
		visited[id] = struct{}{}
		s.bus.Publish(EventBlockSolidified, BlockSolidifiedEvent{BlockID: id})
		s.dispatch(id, v.Block)
		stack = stack[:len(stack)-1]
	}
}

func (s *Solidifier) firstUnsolidParent(v *Vertex) (BlockID, bool) {
	for _, p := range v.Block.Parents {
		if s.tangle.IsSolidEntryPoint(p) {
			continue
		}
		pv, present := s.tangle.Get(p)
		if !present || pv.Block == nil || !pv.Metadata.Solid {
			return p, true
		}
	}
	return BlockID{}, false
}

// dispatch routes a newly solid block's payload to the configured
// handler. Blocks with no payload are simply solid; nothing to route.
func (s *Solidifier) dispatch(id BlockID, block *Block) {
	if block.Payload == nil || s.router == nil {
		return
	}
	switch p := block.Payload.(type) {
	case *TransactionPayload:
		s.router.HandleTransaction(block, p)
	case *MilestonePayload:
		s.router.HandleMilestone(block, p)
	case *TaggedDataPayload:
		s.router.HandleTaggedData(block, p)
	}
}
