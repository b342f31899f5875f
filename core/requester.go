package core

// Requester (C7): bounded, round-robin block/milestone request dispatch
// (spec.md §4.6). Two capped tables track outstanding requests; a retry
// scan re-dispatches anything older than RETRY_INTERVAL. Grounded on the
// teacher's inv/getdata dispatch-and-retry shape in `core/replication.go`,
// adapted from flood-gossip-with-height-range-sync (a chain concept) to
// targeted per-BlockID/per-milestone-index requests (a DAG concept) — the
// teacher's `getRangeMsg`/`rangeBlocksMsg` linear sync has no home here,
// since the tangle has no total height order to sync by range.

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultRequestTableCap = 50_000
	defaultRetryInterval   = 5 * time.Second
)

// ErrRequesterShutdown is returned to any in-flight waiter when the
// requester is stopped; cooperative cancellation per spec.md §5.
var ErrRequesterShutdown = errors.New("requester: shut down")

// RequestDispatcher is the subset of peer-manager/gossip-session behavior
// the requester needs: candidate peers in round-robin order and per-peer
// data-availability hints. PeerManager (peer_manager.go) implements it;
// tests may fake it directly.
type RequestDispatcher interface {
	// Peers returns the current peer list in a stable order; the
	// requester advances its own rotating cursor across calls.
	Peers() []PeerID
	// HasData reports a peer's confirmed eligibility for milestone
	// index hint (pruned_index <= hint <= latest_milestone).
	HasData(p PeerID, milestoneHint uint32) bool
	// MayHaveData reports the backpressure-derived soft hint.
	MayHaveData(p PeerID) bool
	// QueueDepth reports a peer's outbound queue depth, for the
	// soft-threshold skip.
	QueueDepth(p PeerID) int
	SendBlockRequest(p PeerID, id BlockID) error
	SendMilestoneRequest(p PeerID, index uint32) error
}

type blockRequestEntry struct {
	milestoneHint uint32
	requestedAt   time.Time
}

type milestoneRequestEntry struct {
	requestedAt time.Time
}

// Requester tracks outstanding block and milestone requests and retries
// them on a fixed interval until satisfied or cancelled.
type Requester struct {
	dispatcher RequestDispatcher
	logger     *log.Logger

	tableCap      int
	retryInterval time.Duration

	mu                sync.Mutex
	requestedBlocks   map[BlockID]blockRequestEntry
	requestedMilestones map[uint32]milestoneRequestEntry

	cursor uint64 // atomic round-robin index

	droppedBlocks      atomic.Int64
	droppedMilestones  atomic.Int64

	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewRequester builds a Requester dispatching through d. tableCap bounds
// both tables (0 means defaultRequestTableCap); retryInterval is the
// staleness scan period (0 means defaultRetryInterval).
func NewRequester(d RequestDispatcher, tableCap int, retryInterval time.Duration) *Requester {
	if tableCap <= 0 {
		tableCap = defaultRequestTableCap
	}
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	return &Requester{
		dispatcher:          d,
		logger:              log.StandardLogger(),
		tableCap:            tableCap,
		retryInterval:       retryInterval,
		requestedBlocks:     make(map[BlockID]blockRequestEntry),
		requestedMilestones: make(map[uint32]milestoneRequestEntry),
		shutdown:            make(chan struct{}),
	}
}

func (r *Requester) SetLogger(l *log.Logger) { r.logger = l }

// SetDispatcher wires (or rewires) the requester's peer dispatcher.
// Requester and PeerManager are mutually referential — the peer
// manager's SessionHandler needs the requester, the requester needs the
// peer manager as its RequestDispatcher — so d may be nil at
// construction and set once the peer manager exists, before Run starts.
func (r *Requester) SetDispatcher(d RequestDispatcher) { r.dispatcher = d }

// RequestBlock enqueues (or refreshes) a request for id, hinted by the
// milestone index that referenced it if known. Returns false if the table
// is at capacity and the request was dropped.
func (r *Requester) RequestBlock(id BlockID, milestoneHint uint32) bool {
	r.mu.Lock()
	if _, exists := r.requestedBlocks[id]; !exists && len(r.requestedBlocks) >= r.tableCap {
		r.mu.Unlock()
		r.droppedBlocks.Add(1)
		r.logger.WithField("block_id", id.String()).Warn("requester: block request table full, dropping")
		return false
	}
	r.requestedBlocks[id] = blockRequestEntry{milestoneHint: milestoneHint, requestedAt: time.Now()}
	r.mu.Unlock()

	r.dispatchBlock(id, milestoneHint)
	return true
}

// RequestMilestone enqueues (or refreshes) a request for a milestone index.
func (r *Requester) RequestMilestone(index uint32) bool {
	r.mu.Lock()
	if _, exists := r.requestedMilestones[index]; !exists && len(r.requestedMilestones) >= r.tableCap {
		r.mu.Unlock()
		r.droppedMilestones.Add(1)
		r.logger.WithField("milestone_index", index).Warn("requester: milestone request table full, dropping")
		return false
	}
	r.requestedMilestones[index] = milestoneRequestEntry{requestedAt: time.Now()}
	r.mu.Unlock()

	r.dispatchMilestone(index)
	return true
}

// ResolveBlock removes id from the table on response or alternate-path
// observation (e.g. it arrived from a peer that wasn't asked).
func (r *Requester) ResolveBlock(id BlockID) {
	r.mu.Lock()
	delete(r.requestedBlocks, id)
	r.mu.Unlock()
}

func (r *Requester) ResolveMilestone(index uint32) {
	r.mu.Lock()
	delete(r.requestedMilestones, index)
	r.mu.Unlock()
}

// pickPeer advances the shared round-robin cursor and returns the next
// peer preferring confirmed data availability, then the soft hint, never
// a peer already over its backpressure threshold.
func (r *Requester) pickPeer(milestoneHint uint32, softQueueThreshold int) (PeerID, bool) {
	peers := r.dispatcher.Peers()
	n := len(peers)
	if n == 0 {
		return PeerID{}, false
	}
	start := int(atomic.AddUint64(&r.cursor, 1) % uint64(n))

	var fallback (*PeerID)
	for i := 0; i < n; i++ {
		p := peers[(start+i)%n]
		if r.dispatcher.QueueDepth(p) > softQueueThreshold {
			continue
		}
		if r.dispatcher.HasData(p, milestoneHint) {
			return p, true
		}
		if fallback == nil && r.dispatcher.MayHaveData(p) {
			pp := p
			fallback = &pp
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return PeerID{}, false
}

const requesterSoftQueueThreshold = 64

func (r *Requester) dispatchBlock(id BlockID, milestoneHint uint32) {
	p, ok := r.pickPeer(milestoneHint, requesterSoftQueueThreshold)
	if !ok {
		return
	}
	if err := r.dispatcher.SendBlockRequest(p, id); err != nil {
		r.logger.WithError(err).WithField("peer", p.Short()).Debug("requester: block request send failed")
	}
}

func (r *Requester) dispatchMilestone(index uint32) {
	p, ok := r.pickPeer(index, requesterSoftQueueThreshold)
	if !ok {
		return
	}
	if err := r.dispatcher.SendMilestoneRequest(p, index); err != nil {
		r.logger.WithError(err).WithField("peer", p.Short()).Debug("requester: milestone request send failed")
	}
}

// Run scans both tables every retryInterval, re-dispatching stale entries,
// until ctx is cancelled or Shutdown is called.
func (r *Requester) Run(ctx context.Context) {
	r.wg.Add(1)
	defer r.wg.Done()

	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.retryScan()
		}
	}
}

func (r *Requester) retryScan() {
	now := time.Now()

	r.mu.Lock()
	staleBlocks := make([]BlockID, 0)
	for id, entry := range r.requestedBlocks {
		if now.Sub(entry.requestedAt) >= r.retryInterval {
			staleBlocks = append(staleBlocks, id)
		}
	}
	staleMilestones := make([]uint32, 0)
	for idx, entry := range r.requestedMilestones {
		if now.Sub(entry.requestedAt) >= r.retryInterval {
			staleMilestones = append(staleMilestones, idx)
		}
	}
	r.mu.Unlock()

	for _, id := range staleBlocks {
		r.mu.Lock()
		entry, ok := r.requestedBlocks[id]
		if ok {
			entry.requestedAt = now
			r.requestedBlocks[id] = entry
		}
		r.mu.Unlock()
		if ok {
			r.dispatchBlock(id, entry.milestoneHint)
		}
	}
	for _, idx := range staleMilestones {
		r.mu.Lock()
		_, ok := r.requestedMilestones[idx]
		if ok {
			r.requestedMilestones[idx] = milestoneRequestEntry{requestedAt: now}
		}
		r.mu.Unlock()
		if ok {
			r.dispatchMilestone(idx)
		}
	}
}

// Shutdown drains both tables and stops the retry loop. Any pending
// waiters (none currently block on this type directly, but callers
// awaiting a response elsewhere should treat ErrRequesterShutdown as
// cancellation) are considered cancelled.
func (r *Requester) Shutdown() {
	r.once.Do(func() { close(r.shutdown) })
	r.wg.Wait()

	r.mu.Lock()
	r.requestedBlocks = make(map[BlockID]blockRequestEntry)
	r.requestedMilestones = make(map[uint32]milestoneRequestEntry)
	r.mu.Unlock()
}

// Pending reports the current size of both tables, for metrics.
func (r *Requester) Pending() (blocks, milestones int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requestedBlocks), len(r.requestedMilestones)
}
