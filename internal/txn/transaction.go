// Package txn implements the primary-side transaction layer:
// Transaction and Group. Neither type talks to the
// wire replicator directly — internal/replication drives the commit
// protocol over the buffered operations this package exposes.
package txn

import (
	"sync"

	"github.com/google/uuid"

	"github.com/kvreplica/engine/internal/kverrors"
	"github.com/kvreplica/engine/internal/localstore"
	"github.com/kvreplica/engine/internal/wire"
)

// Transaction owns its underlying local-store transaction and buffers the
// ReplicationOperations that will make up one replicated batch. Rows are
// written into the local store immediately (at provisional LSN 0) so the
// transaction observes its own writes; internal/replication re-stamps
// them with the real LSN and finalizes deletes into tombstones once the
// batch is durably quorum-acked.
type Transaction struct {
	mu         sync.Mutex
	localTx    *localstore.Tx
	ops        []wire.ReplicationOperation
	activityID uuid.UUID
	finished   bool
}

func New(store *localstore.Store) *Transaction {
	return &Transaction{
		localTx:    store.CreateTransaction(),
		activityID: uuid.New(),
	}
}

func (t *Transaction) ActivityID() uuid.UUID  { return t.activityID }
func (t *Transaction) LocalTx() *localstore.Tx { return t.localTx }
func (t *Transaction) ReadOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops) == 0
}

// Ops returns a snapshot of the buffered operations in issue order.
func (t *Transaction) Ops() []wire.ReplicationOperation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.ReplicationOperation, len(t.ops))
	copy(out, t.ops)
	return out
}

func (t *Transaction) checkOpen() error {
	if t.finished {
		return kverrors.ErrObjectClosed
	}
	return nil
}

// Insert buffers an insert and writes it to the local store at
// provisional LSN 0.
func (t *Transaction) Insert(typ, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.localTx.Insert(typ, key, value, 0, nil); err != nil {
		return err
	}
	t.ops = append(t.ops, wire.ReplicationOperation{Kind: wire.OpInsert, Type: typ, Key: key, Bytes: value})
	return nil
}

// Update buffers an update (optionally renaming the key, optionally
// LSN-conditional) and applies it to the local store at provisional LSN 0.
func (t *Transaction) Update(typ, key string, expectedLsn *uint64, newKey string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.localTx.Update(typ, key, expectedLsn, newKey, value, 0, nil); err != nil {
		return err
	}
	t.ops = append(t.ops, wire.ReplicationOperation{Kind: wire.OpUpdate, Type: typ, Key: key, NewKey: newKey, Bytes: value})
	return nil
}

// Delete buffers a delete. Finalization into a tombstone row happens at
// replication flush time, once the committing LSN is known — not here.
func (t *Transaction) Delete(typ, key string, expectedLsn *uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.localTx.Delete(typ, key, expectedLsn); err != nil {
		return err
	}
	t.ops = append(t.ops, wire.ReplicationOperation{Kind: wire.OpDelete, Type: typ, Key: key})
	return nil
}

// Rollback discards the buffered operations and rolls back the local tx.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return nil
	}
	t.finished = true
	t.ops = nil
	return t.localTx.Rollback()
}

// MarkFinished marks the transaction finished once its caller has
// committed the batch locally (or the transaction turned out to be
// read-only and was rolled back instead); later writes return ObjectClosed.
func (t *Transaction) MarkFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
}
