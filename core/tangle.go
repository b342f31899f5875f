package core

// Tangle (C6): a sharded, concurrent map BlockID -> Vertex (spec.md §4.5).
// Sharding maps the first byte of a BlockID to one of K partitions, each
// guarded by its own RWMutex; lookups, insertions and metadata updates
// only ever take partition locks, never a tangle-wide lock. This keeps
// parent-set updates (which touch several partitions per insert) free of
// deadlock by always acquiring partitions in ascending index order.

import (
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ConflictReason is the stable, on-wire/on-disk numeric conflict code
// spec.md §7 mandates. Values must never be renumbered.
type ConflictReason uint8

const (
	ConflictNone                                     ConflictReason = 0
	ConflictInputUtxoAlreadySpent                     ConflictReason = 1
	ConflictInputUtxoAlreadySpentInThisMilestone      ConflictReason = 2
	ConflictInputUtxoNotFound                         ConflictReason = 3
	ConflictCreatedConsumedAmountMismatch              ConflictReason = 4
	ConflictInvalidSignature                          ConflictReason = 5
	ConflictInvalidDustAllowance                       ConflictReason = 6
	ConflictCreatedConsumedNativeTokensAmountMismatch  ConflictReason = 7
	ConflictTimelockMilestoneIndex                     ConflictReason = 8
	ConflictTimelockUnix                               ConflictReason = 9
	ConflictUnverifiedSender                           ConflictReason = 10
	ConflictIncorrectUnlockMethod                      ConflictReason = 11
	ConflictInputsCommitmentsMismatch                  ConflictReason = 12
	ConflictSemanticValidationFailed                   ConflictReason = 255
)

// VertexMetadata carries everything the tangle tracks about a block beyond
// its raw bytes: solidity, milestone reference, conflict state.
type VertexMetadata struct {
	Solid               bool
	Referenced           bool
	Conflicting          bool
	ConflictReason       ConflictReason
	ReferencedByMilestone uint32
	WhiteFlagIndex        uint32
	ArrivalUnixTime       int64
}

// Vertex is one tangle node: an optional block body plus metadata and the
// set of children that named it as a parent. A vertex may exist with no
// block body yet (a back-reference created by a child's insert, before
// the parent itself arrives).
type Vertex struct {
	Block    *Block
	Metadata VertexMetadata
	Children map[BlockID]struct{}
}

func newEmptyVertex() *Vertex {
	return &Vertex{Children: make(map[BlockID]struct{})}
}

type partition struct {
	mu       sync.RWMutex
	vertices map[BlockID]*Vertex
}

// Tangle is the node's in-memory block DAG.
type Tangle struct {
	partitions []*partition
	capacity   int

	count sync.Map // presence marker for O(1) size estimate without a global lock
	size  int64    // approximate; see Len

	sep map[BlockID]struct{}
	sepMu sync.RWMutex

	store  Store
	logger *log.Logger

	onSolidified func(BlockID)
}

// NewTangle creates a Tangle with the given number of partitions and
// eviction capacity threshold. onSolidified, if non-nil, is invoked
// (outside any partition lock) whenever a vertex transitions to solid.
func NewTangle(partitions, capacity int, store Store, onSolidified func(BlockID)) *Tangle {
	if partitions <= 0 {
		partitions = 1
	}
	t := &Tangle{
		partitions:   make([]*partition, partitions),
		capacity:     capacity,
		sep:          make(map[BlockID]struct{}),
		store:        store,
		logger:       log.StandardLogger(),
		onSolidified: onSolidified,
	}
	for i := range t.partitions {
		t.partitions[i] = &partition{vertices: make(map[BlockID]*Vertex)}
	}
	return t
}

func (t *Tangle) SetLogger(l *log.Logger) { t.logger = l }

func (t *Tangle) partitionFor(id BlockID) *partition {
	return t.partitions[int(id[0])%len(t.partitions)]
}

// AddSolidEntryPoint marks id as a SEP: ancestor walks (solidification,
// white-flag) stop here without requiring the block itself.
func (t *Tangle) AddSolidEntryPoint(id BlockID) {
	t.sepMu.Lock()
	t.sep[id] = struct{}{}
	t.sepMu.Unlock()
}

func (t *Tangle) IsSolidEntryPoint(id BlockID) bool {
	t.sepMu.RLock()
	_, ok := t.sep[id]
	t.sepMu.RUnlock()
	return ok
}

// SolidEntryPoints returns every currently configured SEP, for
// snapshot.go to enumerate into the snapshot file.
func (t *Tangle) SolidEntryPoints() []BlockID {
	t.sepMu.RLock()
	defer t.sepMu.RUnlock()
	out := make([]BlockID, 0, len(t.sep))
	for id := range t.sep {
		out = append(out, id)
	}
	return out
}

// Insert implements spec.md §4.5's four-step insertion algorithm: acquire
// the block's own partition, upgrade an existing empty vertex in place (or
// create one), then for each parent — acquiring partitions in ascending
// index order to avoid deadlock — register the child edge and create an
// empty placeholder vertex if the parent hasn't arrived yet.
func (t *Tangle) Insert(id BlockID, block *Block) *Vertex {
	own := t.partitionFor(id)
	own.mu.Lock()
	v, existed := own.vertices[id]
	if !existed {
		v = newEmptyVertex()
		own.vertices[id] = v
		t.size++
	}
	if v.Block == nil {
		v.Block = block
		v.Metadata.ArrivalUnixTime = time.Now().Unix()
	}
	own.mu.Unlock()

	t.linkParents(id, block.Parents)
	return v
}

// linkParents registers id as a child of each parent, acquiring parent
// partitions in ascending index order (the block's own partition may
// repeat among them; a partition is only locked once per distinct index
// within this call).
func (t *Tangle) linkParents(id BlockID, parents Parents) {
	order := partitionOrder(parents, len(t.partitions))
	for _, pi := range order {
		part := t.partitions[pi]
		part.mu.Lock()
		for _, parentID := range parents {
			if int(parentID[0])%len(t.partitions) != pi {
				continue
			}
			pv, ok := part.vertices[parentID]
			if !ok {
				pv = newEmptyVertex()
				part.vertices[parentID] = pv
				t.size++
			}
			pv.Children[id] = struct{}{}
		}
		part.mu.Unlock()
	}
}

// partitionOrder returns the distinct partition indices parents map to,
// ascending, so callers lock each at most once and always in the same
// global order regardless of call-site.
func partitionOrder(parents Parents, numPartitions int) []int {
	seen := make(map[int]struct{}, len(parents))
	for _, p := range parents {
		seen[int(p[0])%numPartitions] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for pi := range seen {
		out = append(out, pi)
	}
	sortInts(out)
	return out
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Get returns the vertex for id, if present.
func (t *Tangle) Get(id BlockID) (*Vertex, bool) {
	part := t.partitionFor(id)
	part.mu.RLock()
	defer part.mu.RUnlock()
	v, ok := part.vertices[id]
	return v, ok
}

// Has reports whether id has a vertex with a block body (not merely a
// back-reference placeholder).
func (t *Tangle) Has(id BlockID) bool {
	v, ok := t.Get(id)
	return ok && v.Block != nil
}

// MarkSolid flags id's vertex solid and fires the onSolidified callback
// exactly once, idempotently: a second call on an already-solid vertex is
// a no-op.
func (t *Tangle) MarkSolid(id BlockID) {
	part := t.partitionFor(id)
	part.mu.Lock()
	v, ok := part.vertices[id]
	if !ok || v.Metadata.Solid {
		part.mu.Unlock()
		return
	}
	v.Metadata.Solid = true
	part.mu.Unlock()

	if t.onSolidified != nil {
		t.onSolidified(id)
	}
}

// UpdateMetadata applies fn to id's metadata under the owning partition
// lock. fn must not call back into the Tangle.
func (t *Tangle) UpdateMetadata(id BlockID, fn func(*VertexMetadata)) {
	part := t.partitionFor(id)
	part.mu.Lock()
	defer part.mu.Unlock()
	v, ok := part.vertices[id]
	if !ok {
		return
	}
	fn(&v.Metadata)
}

// Len returns the approximate vertex count across all partitions.
func (t *Tangle) Len() int {
	total := 0
	for _, p := range t.partitions {
		p.mu.RLock()
		total += len(p.vertices)
		p.mu.RUnlock()
	}
	return total
}

// CanEvict reports whether id's vertex is a candidate for eviction: it
// must be referenced by a milestone (so its ledger effect is already
// committed) and not currently pinned by the caller's working set.
func CanEvict(v *Vertex, pinned func(BlockID) bool, id BlockID) bool {
	return v.Metadata.Referenced && !pinned(id)
}

// EvictOnce runs a single eviction pass: pick a random partition, scan it
// for an evictable vertex, write its block+metadata to the store, and
// remove it from memory. Returns false if nothing in that partition was
// evictable this pass.
func (t *Tangle) EvictOnce(pinned func(BlockID) bool) bool {
	if len(t.partitions) == 0 {
		return false
	}
	pi := rand.Intn(len(t.partitions))
	part := t.partitions[pi]

	part.mu.Lock()
	defer part.mu.Unlock()
	for id, v := range part.vertices {
		if !CanEvict(v, pinned, id) {
			continue
		}
		if t.store != nil && v.Block != nil {
			batch := t.store.BatchBegin()
			batch.Insert(KeyspaceBlocks, id[:], v.Block.Encode())
			batch.Insert(KeyspaceBlockMetadata, id[:], encodeVertexMetadata(v.Metadata))
			if err := batch.Commit(true); err != nil {
				t.logger.WithError(err).Warn("tangle: eviction batch commit failed")
				return false
			}
		}
		delete(part.vertices, id)
		return true
	}
	return false
}

// RunEvictionLoop evicts vertices while Len() exceeds capacity, until
// either capacity is satisfied or a scan finds nothing evictable.
func (t *Tangle) RunEvictionLoop(pinned func(BlockID) bool) {
	if t.capacity <= 0 {
		return
	}
	for t.Len() > t.capacity {
		if !t.EvictOnce(pinned) {
			return
		}
	}
}

func encodeVertexMetadata(m VertexMetadata) []byte {
	w := newWriter()
	flags := uint8(0)
	if m.Solid {
		flags |= 1
	}
	if m.Referenced {
		flags |= 2
	}
	if m.Conflicting {
		flags |= 4
	}
	w.writeU8(flags)
	w.writeU8(uint8(m.ConflictReason))
	w.writeU32(m.ReferencedByMilestone)
	w.writeU32(m.WhiteFlagIndex)
	w.writeU64(uint64(m.ArrivalUnixTime))
	return w.Bytes()
}

func decodeVertexMetadata(data []byte) (VertexMetadata, error) {
	r := newReader(data)
	flags, err := r.readU8()
	if err != nil {
		return VertexMetadata{}, err
	}
	reason, err := r.readU8()
	if err != nil {
		return VertexMetadata{}, err
	}
	refMs, err := r.readU32()
	if err != nil {
		return VertexMetadata{}, err
	}
	wfIdx, err := r.readU32()
	if err != nil {
		return VertexMetadata{}, err
	}
	arrival, err := r.readU64()
	if err != nil {
		return VertexMetadata{}, err
	}
	return VertexMetadata{
		Solid:                flags&1 != 0,
		Referenced:           flags&2 != 0,
		Conflicting:          flags&4 != 0,
		ConflictReason:       ConflictReason(reason),
		ReferencedByMilestone: refMs,
		WhiteFlagIndex:        wfIdx,
		ArrivalUnixTime:       int64(arrival),
	}, nil
}
