package core

// Bootstrap (spec.md §6 snapshot loading + §4.6 initial sync): on
// startup, load the most recent snapshot file into a fresh Store
// (skipped if the ledger already has state) and seed the Tangle's SEPs,
// then kick off the Requester to pull anything newer than the snapshot
// from peers. Grounded on `core/initialization_replication.go`'s
// "if ledger empty, sync from peers" shape (`InitService.BootstrapLedger`)
// — its `Replicator`/`ReplicationConfig`/`ConsensusStarter` plumbing
// (a chain-sync-and-start-consensus model) has no Tangle analogue and
// is replaced: "sync" here means restoring a snapshot file plus
// requesting forward from the Requester (C7), not a linear
// height-range replication protocol, and there is no consensus engine
// to start.

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// Bootstrap loads ledger state from a snapshot file (if present and the
// ledger is empty) before any other supervised task starts.
type Bootstrap struct {
	snapshotPath string
	tangle       *Tangle
	ledger       *Ledger
	store        Store
	requester    *Requester
	logger       *log.Logger
}

// NewBootstrap wires the components bootstrap needs to restore state
// and resume syncing.
func NewBootstrap(snapshotPath string, tangle *Tangle, ledger *Ledger, store Store, requester *Requester, logger *log.Logger) *Bootstrap {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Bootstrap{snapshotPath: snapshotPath, tangle: tangle, ledger: ledger, store: store, requester: requester, logger: logger}
}

// Load restores ledger state from the configured snapshot file. A
// missing file is not an error: the node simply starts from genesis and
// relies on the Requester to pull everything from peers.
func (b *Bootstrap) Load() error {
	index, err := b.ledger.Index()
	if err != nil {
		return fmt.Errorf("bootstrap: read ledger index: %w", err)
	}
	if index > 0 {
		b.logger.WithField("ledger_index", index).Info("bootstrap: ledger already has state, skipping snapshot load")
		return nil
	}

	f, err := os.Open(b.snapshotPath)
	if os.IsNotExist(err) {
		b.logger.Info("bootstrap: no snapshot file found, starting from genesis")
		return nil
	}
	if err != nil {
		return fmt.Errorf("bootstrap: open snapshot: %w", err)
	}
	defer f.Close()

	hdr, seps, outputs, diffs, err := ReadSnapshot(f)
	if err != nil {
		return fmt.Errorf("bootstrap: read snapshot: %w", err)
	}

	for _, id := range seps {
		b.tangle.AddSolidEntryPoint(id)
	}

	batch := b.store.BatchBegin()
	for _, rec := range outputs {
		co := &CreatedOutput{OutputID: rec.OutputID, Output: rec.Output, BlockID: rec.BlockID, MilestoneIndex: rec.MilestoneIndex}
		batch.Insert(KeyspaceCreatedOutputs, rec.OutputID[:], encodeCreatedOutput(co))
		batch.Insert(KeyspaceUnspent, rec.OutputID[:], []byte{})
	}
	for _, d := range diffs {
		batch.Insert(KeyspaceOutputDiffs, u32Bytes(d.MilestoneIndex), encodeOutputDiff(d))
	}
	batch.Insert(KeyspaceLedgerIndex, ledgerIndexKey, u32Bytes(hdr.LedgerIndex))
	if err := batch.Commit(true); err != nil {
		return fmt.Errorf("bootstrap: commit snapshot state: %w", err)
	}

	b.logger.WithFields(log.Fields{
		"ledger_index": hdr.LedgerIndex,
		"sep_count":    len(seps),
		"output_count": len(outputs),
	}).Info("bootstrap: restored snapshot")

	return nil
}

// ResumeSync requests the milestones immediately following the restored
// (or genesis) ledger index, priming the Requester's retry loop to pull
// the rest from peers.
func (b *Bootstrap) ResumeSync(lookahead uint32) error {
	index, err := b.ledger.Index()
	if err != nil {
		return fmt.Errorf("bootstrap: read ledger index: %w", err)
	}
	for i := uint32(1); i <= lookahead; i++ {
		b.requester.RequestMilestone(index + i)
	}
	return nil
}
