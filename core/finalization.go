package core

// MilestoneApplier (C8/C9 glue): the PayloadHandler the solidifier
// dispatches to once a block has solidified. Transaction and tagged-data
// payloads need no action at solidification time — white-flag confirmation
// (whiteflag.go) applies every transaction in a milestone's past cone when
// that milestone itself solidifies and its signature quorum checks out.
// Replaces the teacher's `core/finalization_management.go`, which wired a
// rollup-style `SynnergyConsensus`/`Aggregator`/`ChannelEngine` pipeline
// that has no place in a Tangle; nothing here is grounded on that file
// beyond the "payload handler plugged into the dispatch loop" shape.

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// MilestoneApplier confirms milestones as they solidify: verify the
// coordinator signature quorum, run white-flag, publish the result.
type MilestoneApplier struct {
	whiteflag *WhiteFlag
	keys      CoordinatorKeySet
	logger    *log.Logger

	latestIndex atomic.Uint32
}

func NewMilestoneApplier(wf *WhiteFlag, keys CoordinatorKeySet) *MilestoneApplier {
	return &MilestoneApplier{whiteflag: wf, keys: keys, logger: log.StandardLogger()}
}

func (m *MilestoneApplier) SetLogger(l *log.Logger) {
	if l != nil {
		m.logger = l
	}
}

// CurrentIndex reports the most recently confirmed milestone index; it is
// handed to the solidifier as its request-hint source.
func (m *MilestoneApplier) CurrentIndex() uint32 {
	return m.latestIndex.Load()
}

// HandleTransaction is a no-op: transactions apply as part of the
// milestone past-cone they are ultimately referenced by, not individually.
func (m *MilestoneApplier) HandleTransaction(block *Block, tx *TransactionPayload) {}

// HandleTaggedData is a no-op: tagged-data blocks carry no ledger effect.
func (m *MilestoneApplier) HandleTaggedData(block *Block, td *TaggedDataPayload) {}

// HandleMilestone verifies ms's coordinator signature quorum and, if met,
// runs white-flag confirmation over its past cone.
func (m *MilestoneApplier) HandleMilestone(block *Block, ms *MilestonePayload) {
	id := block.ID()

	met, verified, err := VerifyQuorum(ms, m.keys)
	if err != nil {
		m.logger.WithError(err).WithField("index", ms.Essence.Index).Warn("quorum verification failed")
		return
	}
	if !met {
		m.logger.WithFields(log.Fields{"index": ms.Essence.Index, "verified": verified}).Warn("milestone quorum not met, dropping")
		return
	}

	event, err := m.whiteflag.Confirm(id, ms)
	if err != nil {
		m.logger.WithError(err).WithField("index", ms.Essence.Index).Error("white-flag confirmation failed")
		return
	}

	m.latestIndex.Store(ms.Essence.Index)
	m.logger.WithFields(log.Fields{
		"index":      event.Index,
		"included":   event.IncludedCount,
		"referenced": event.ReferencedCount,
		"conflicts":  event.ConflictingCount,
	}).Info("milestone confirmed")
}
