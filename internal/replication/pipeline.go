// Package replication drives the primary-side commit path (C5): it hands
// a buffered transaction's operations to the wire replicator, waits in
// LSN order for quorum acknowledgement, and finalizes each entry into the
// local store (re-stamping rows with their real LSN, inserting tombstones
// for deletes) before releasing the caller.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kvreplica/engine/internal/config"
	"github.com/kvreplica/engine/internal/health"
	"github.com/kvreplica/engine/internal/kverrors"
	"github.com/kvreplica/engine/internal/localstore"
	"github.com/kvreplica/engine/internal/logging"
	"github.com/kvreplica/engine/internal/tombstone"
	"github.com/kvreplica/engine/internal/wire"
	"github.com/kvreplica/engine/replicator"
)

// pendingEntry is one buffered batch waiting for its replication
// completion, kept in queue order by the LSN the wire replicator assigned
// at BeginReplicate time.
type pendingEntry struct {
	lsn       uint64
	ops       []wire.ReplicationOperation
	localTx   *localstore.Tx
	resultCh  chan error
	replDone  bool
	replErr   error
}

// Pipeline is the C5 primary replication pipeline. One Pipeline serves one
// replica while it holds primary status; internal/statemachine discards it
// on a role change.
type Pipeline struct {
	wire  replicator.WireReplicator
	store *localstore.Store
	cfg   config.Config
	log   *logging.Logger
	health *health.Reporter
	tomb  *tombstone.Tracker

	mu             sync.Mutex
	queue          []*pendingEntry
	maxCompleteLsn uint64
	flushingLock   chan struct{} // 1-buffered: holder owns the flush loop
	faulted        bool
}

func NewPipeline(wr replicator.WireReplicator, store *localstore.Store, cfg config.Config, log *logging.Logger, h *health.Reporter, tomb *tombstone.Tracker) *Pipeline {
	return &Pipeline{
		wire:         wr,
		store:        store,
		cfg:          cfg,
		log:          log,
		health:       h,
		tomb:         tomb,
		flushingLock: make(chan struct{}, 1),
	}
}

// Commit matches txn.FlushFunc: it replicates ops as one atomic batch and
// blocks until the batch is durably committed to the local store, in LSN
// order relative to every other batch passing through this pipeline.
func (p *Pipeline) Commit(ctx context.Context, localTx *localstore.Tx, ops []wire.ReplicationOperation, activityID uuid.UUID) (uint64, error) {
	p.mu.Lock()
	faulted := p.faulted
	p.mu.Unlock()
	if faulted {
		_ = localTx.Rollback()
		return 0, kverrors.ErrNotPrimary
	}

	if len(ops) == 0 {
		// Read-only transaction: nothing to replicate, release the
		// borrowed local tx by rolling it back.
		_ = localTx.Rollback()
		return 0, nil
	}

	counters := p.wire.GetReplicationQueueCounters()
	if p.health != nil {
		p.health.SetQueueCounters(counters.QueuedBytes, counters.QueuedOps)
	}

	buf := wire.EncodeAtomicOperation(wire.AtomicOperation{
		ActivityId:         activityID,
		Operations:         ops,
		LastQuorumAckedLsn: int64(counters.LastQuorumAckedLsn),
	})

	lsn, done, err := p.wire.BeginReplicate(ctx, buf)
	if err != nil {
		_ = localTx.Rollback()
		return 0, err
	}

	entry := &pendingEntry{
		lsn:      lsn,
		ops:      ops,
		localTx:  localTx,
		resultCh: make(chan error, 1),
	}
	p.mu.Lock()
	p.queue = append(p.queue, entry)
	p.mu.Unlock()

	go p.awaitCompletion(entry, done)

	select {
	case err := <-entry.resultCh:
		return lsn, err
	case <-ctx.Done():
		return lsn, ctx.Err()
	}
}

func (p *Pipeline) awaitCompletion(entry *pendingEntry, done <-chan replicator.CompletionResult) {
	res := <-done

	p.mu.Lock()
	entry.replDone = true
	entry.replErr = res.Err
	if res.Err == nil && entry.lsn > p.maxCompleteLsn {
		p.maxCompleteLsn = entry.lsn
	}
	p.mu.Unlock()

	p.tryFlush()
}

// tryFlush drains the head of the queue while it is ready, i.e. while the
// head entry's replication has completed. Only one goroutine runs the
// drain loop at a time; a completion that arrives while another is
// already draining just needs the loop to re-check before it exits.
func (p *Pipeline) tryFlush() {
	select {
	case p.flushingLock <- struct{}{}:
	default:
		return
	}
	defer func() { <-p.flushingLock }()

	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		head := p.queue[0]
		ready := head.replDone
		if !ready {
			p.mu.Unlock()
			return
		}
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.applyAndCommit(head)
	}
}

// applyAndCommit finalizes one batch: re-stamps every mutated row with its
// real LSN (inserting a tombstone for deletes, which were not written to
// the local store at buffer time because their key embeds the final LSN)
// and commits the borrowed local transaction.
func (p *Pipeline) applyAndCommit(entry *pendingEntry) {
	if entry.replErr != nil {
		_ = entry.localTx.Rollback()
		entry.resultCh <- entry.replErr
		return
	}

	start := time.Now()
	tx := entry.localTx
	var tombIdx uint32
	var deleted int

	var finalErr error
	for _, op := range entry.ops {
		switch op.Kind {
		case wire.OpInsert, wire.OpUpdate:
			if err := tx.UpdateLSN(op.Type, op.Key, entry.lsn); err != nil {
				finalErr = err
			}
		case wire.OpDelete:
			if err := tombstone.Insert(tx, op.Type, op.Key, entry.lsn, tombIdx); err != nil {
				finalErr = err
			}
			tombIdx++
			deleted++
		}
		if finalErr != nil {
			break
		}
	}

	if finalErr != nil {
		_ = tx.Rollback()
		entry.resultCh <- finalErr
		return
	}

	err := tx.Commit()
	if p.health != nil {
		p.health.RecordCommit(time.Since(start))
	}
	if deleted > 0 && p.tomb != nil {
		p.tomb.Bump(deleted)
	}
	if err != nil {
		p.log.Error("local commit failed after quorum ack; store is no longer trustworthy", "lsn", entry.lsn, "err", err)
		_ = p.wire.ReportFault(replicator.FaultPermanent)
		p.mu.Lock()
		p.faulted = true
		p.mu.Unlock()
		entry.resultCh <- kverrors.ErrStoreFatal
		return
	}
	if p.health != nil {
		p.health.SetAppliedLsn(entry.lsn)
	}
	entry.resultCh <- nil
}
