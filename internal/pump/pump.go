// Package pump implements the secondary apply pipeline (C6): it pulls
// operations off the copy stream, then off the replication stream, and
// applies each to the local store, retrying on a benign write conflict or
// stale sequence-number check before giving up.
package pump

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kvreplica/engine/internal/config"
	"github.com/kvreplica/engine/internal/copyprotocol"
	"github.com/kvreplica/engine/internal/kverrors"
	"github.com/kvreplica/engine/internal/localstore"
	"github.com/kvreplica/engine/internal/logging"
	"github.com/kvreplica/engine/internal/notify"
	"github.com/kvreplica/engine/internal/progress"
	"github.com/kvreplica/engine/internal/tombstone"
	"github.com/kvreplica/engine/internal/wire"
	"github.com/kvreplica/engine/replicator"
)

// Phase is the pump's position in its copy-then-replicate lifecycle.
type Phase int

const (
	PumpNotStarted Phase = iota
	PumpCopy
	PumpReplication
	PumpClosed
)

func (p Phase) String() string {
	switch p {
	case PumpNotStarted:
		return "NotStarted"
	case PumpCopy:
		return "Copy"
	case PumpReplication:
		return "Replication"
	case PumpClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Pump drains a secondary's copy stream and then its replication stream,
// applying each batch to the local store in order. One Pump serves one
// replica for the lifetime of one secondary-role grant.
type Pump struct {
	store  *localstore.Store
	cfg    config.Config
	log    *logging.Logger
	notify *notify.Manager

	mu            sync.Mutex
	phase         Phase
	fileAssembler *copyprotocol.ChunkAssembler
}

// New builds a Pump. notifyMgr may be nil, meaning applied batches are not
// offered to any notification handler (notify.None).
func New(store *localstore.Store, cfg config.Config, log *logging.Logger, notifyMgr *notify.Manager) *Pump {
	return &Pump{
		store:  store,
		cfg:    cfg,
		log:    log,
		notify: notifyMgr,
	}
}

func (p *Pump) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *Pump) setPhase(ph Phase) {
	p.mu.Lock()
	p.phase = ph
	p.mu.Unlock()
}

// RunCopy drains stream until it signals end-of-stream, applying each
// CopyOperation's rows. The caller is responsible for swapping to
// RunReplication once RunCopy returns nil.
func (p *Pump) RunCopy(ctx context.Context, stream replicator.Stream) error {
	p.setPhase(PumpCopy)
	for {
		op, err := stream.Get(ctx)
		if err != nil {
			return err
		}
		if op.EOS {
			return op.Ack()
		}
		cop, derr := wire.DecodeCopyOperation(op.Metadata)
		if derr != nil {
			_ = op.Ack()
			return derr
		}
		if err := p.applyCopyPage(ctx, cop); err != nil {
			// Ack EOS always; for non-EOS operations a failed apply is
			// fatal to this stream but must still release the item.
			_ = op.Ack()
			return err
		}
		if err := op.Ack(); err != nil {
			return err
		}
	}
}

// RunReplication drains stream indefinitely, applying each AtomicOperation.
// It returns on a stream error, a decode or apply error, or ctx
// cancellation; a graceful role change is signaled by cancelling ctx.
func (p *Pump) RunReplication(ctx context.Context, stream replicator.Stream) error {
	p.setPhase(PumpReplication)
	for {
		op, err := stream.Get(ctx)
		if err != nil {
			return err
		}
		if op.EOS {
			if err := op.Ack(); err != nil {
				return err
			}
			continue
		}
		aop, derr := wire.DecodeAtomicOperation(op.Metadata)
		if derr != nil {
			_ = op.Ack()
			return derr
		}
		if err := p.applyBatchWithRetry(ctx, aop); err != nil {
			_ = op.Ack()
			return err
		}
		if err := op.Ack(); err != nil {
			return err
		}
	}
}

func (p *Pump) applyCopyPage(ctx context.Context, cop wire.CopyOperation) error {
	if cop.FileStreamData != nil {
		return p.applyFileStreamChunk(cop.FileStreamData)
	}
	tx := p.store.CreateTransaction()
	for _, op := range cop.Operations {
		if err := applyOne(tx, op); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// applyFileStreamChunk feeds one physical full-copy chunk into this pump's
// chunk assembler, creating it on the first chunk of a build and
// discarding it once the last chunk triggers the rebuild.
func (p *Pump) applyFileStreamChunk(data *wire.FileStreamCopyOperationData) error {
	p.mu.Lock()
	asm := p.fileAssembler
	if asm == nil {
		workDir := p.cfg.FileStreamWorkDir
		if workDir == "" {
			workDir = filepath.Join(p.store.Dir(), ".filestream")
		}
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			p.mu.Unlock()
			return err
		}
		var err error
		asm, err = copyprotocol.NewChunkAssembler(workDir)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		p.fileAssembler = asm
	}
	p.mu.Unlock()

	if err := asm.Append(*data, p.store); err != nil {
		return err
	}
	if data.IsLastChunk {
		p.mu.Lock()
		p.fileAssembler = nil
		p.mu.Unlock()
	}
	return nil
}

// applyBatchWithRetry applies one replicated AtomicOperation as a single
// local transaction, retrying the whole batch on a conflict that a
// concurrent reader or lagging apply can cause transiently.
func (p *Pump) applyBatchWithRetry(ctx context.Context, aop wire.AtomicOperation) error {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.ApplyRetryCount; attempt++ {
		tx := p.store.CreateTransaction()
		err := p.applyBatch(tx, aop)
		if err == nil {
			if werr := progress.WriteLogicalTime(tx, time.Now().UTC().UnixNano()); werr != nil {
				_ = tx.Rollback()
				return werr
			}
			if cerr := tx.Commit(); cerr != nil {
				return cerr
			}
			return p.notifyApplied(aop)
		}
		_ = tx.Rollback()
		lastErr = err
		if !kverrors.Retryable(err) {
			return err
		}
		select {
		case <-time.After(p.cfg.ApplyRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// notifyApplied offers a just-committed batch to the notification
// manager, if one is configured, then advances its quorum-acked
// watermark. In this engine a batch only ever reaches the replication
// stream after the wire replicator has already assigned it a durable
// LSN, so by the time a secondary commits it locally it has, by
// construction, already cleared quorum.
func (p *Pump) notifyApplied(aop wire.AtomicOperation) error {
	if p.notify == nil {
		return nil
	}
	lsn := batchLsn(aop.Operations)
	if err := p.notify.OnApplied(notify.Batch{Lsn: lsn, Ops: aop.Operations}); err != nil {
		return err
	}
	p.notify.OnQuorumAcked(lsn)
	return nil
}

func batchLsn(ops []wire.ReplicationOperation) uint64 {
	if len(ops) == 0 {
		return 0
	}
	return uint64(ops[0].OperationLsn)
}

func (p *Pump) applyBatch(tx *localstore.Tx, aop wire.AtomicOperation) error {
	var tombIdx uint32
	for _, op := range aop.Operations {
		if op.Kind == wire.OpDelete {
			if err := applyDelete(tx, op, uint64(op.OperationLsn), tombIdx); err != nil {
				return err
			}
			tombIdx++
			continue
		}
		if err := applyOne(tx, op); err != nil {
			return err
		}
	}
	return nil
}

// applyOne applies a single insert/update row at its already-assigned LSN.
// Per the secondary apply fallback, an update against a row that does not
// exist locally is applied as an insert instead of failing.
func applyOne(tx *localstore.Tx, op wire.ReplicationOperation) error {
	lsn := uint64(op.OperationLsn)
	lastModified := op.LastModifiedOnPrimaryUtc
	switch op.Kind {
	case wire.OpInsert:
		err := tx.Insert(op.Type, op.Key, op.Bytes, lsn, &lastModified)
		if errors.Is(err, kverrors.ErrRecordAlreadyExists) {
			return tx.UpdateLSN(op.Type, op.Key, lsn)
		}
		return err
	case wire.OpUpdate:
		newKey := op.NewKey
		err := tx.Update(op.Type, op.Key, nil, newKey, op.Bytes, lsn, &lastModified)
		return err
	case wire.OpCopy:
		return applyCopyRow(tx, op)
	default:
		return nil
	}
}

// applyCopyRow applies one row produced during the copy phase. Progress
// and tombstone metadata rows are routed to their own pinned-LSN upsert;
// every other row is seeded like a fresh insert, falling back to a plain
// LSN bump if the secondary already has it from an earlier, overlapping
// build.
func applyCopyRow(tx *localstore.Tx, op wire.ReplicationOperation) error {
	switch op.Type {
	case wire.ProgressDataType:
		return progress.ApplyRow(tx, op.Key, op.Bytes)
	case wire.ReplicationTombstoneType:
		return tombstone.ApplyRow(tx, op.Key, op.Bytes)
	default:
		lsn := uint64(op.OperationLsn)
		lastModified := op.LastModifiedOnPrimaryUtc
		err := tx.Insert(op.Type, op.Key, op.Bytes, lsn, &lastModified)
		if errors.Is(err, kverrors.ErrRecordAlreadyExists) {
			return tx.UpdateLSN(op.Type, op.Key, lsn)
		}
		return err
	}
}

func applyDelete(tx *localstore.Tx, op wire.ReplicationOperation, lsn uint64, tombIdx uint32) error {
	err := tx.Delete(op.Type, op.Key, nil)
	if err != nil && !errors.Is(err, kverrors.ErrRecordNotFound) {
		return err
	}
	return tombstone.Insert(tx, op.Type, op.Key, lsn, tombIdx)
}
