package localstore

import (
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/kvreplica/engine/internal/kverrors"
	"github.com/kvreplica/engine/internal/wire"
)

// Tx is a single-writer local-store transaction. It borrows its Store for
// a lifetime shorter than the Store itself; dropping it without Commit
// guarantees rollback.
type Tx struct {
	store  *Store
	batch  *pebble.Batch
	seq    uint32 // per-tx row-write counter, disambiguates same-LSN index entries
	done   bool   // committed or rolled back; further use returns ObjectClosed
}

// CreateTransaction borrows the store for one read/write transaction.
func (s *Store) CreateTransaction() *Tx {
	return &Tx{store: s, batch: s.db.NewIndexedBatch()}
}

func (tx *Tx) checkOpen() error {
	if tx.done {
		return kverrors.ErrObjectClosed
	}
	return nil
}

// Commit persists every buffered write atomically and durably.
func (tx *Tx) Commit() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	tx.done = true
	if err := tx.batch.Commit(pebble.Sync); err != nil {
		return errors.Join(kverrors.ErrStoreFatal, err)
	}
	return nil
}

// Rollback discards every buffered write. Idempotent.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	return tx.batch.Close()
}

func (tx *Tx) getRow(typ, key string) (wire.RowValue, bool, error) {
	v, closer, err := tx.batch.Get(rowKey(typ, key))
	if err == pebble.ErrNotFound {
		return wire.RowValue{}, false, nil
	}
	if err != nil {
		return wire.RowValue{}, false, err
	}
	defer closer.Close()
	row, derr := wire.DecodeRowValue(v)
	if derr != nil {
		return wire.RowValue{}, false, errors.Join(kverrors.ErrStoreFatal, derr)
	}
	return row, true, nil
}

func (tx *Tx) putRow(typ, key string, row wire.RowValue) error {
	if err := tx.batch.Set(rowKey(typ, key), wire.EncodeRowValue(row), nil); err != nil {
		return err
	}
	tx.seq++
	return tx.batch.Set(lsnIndexKey(row.Lsn, tx.seq), rowKey(typ, key), nil)
}

func (tx *Tx) deleteRow(typ, key string, oldLsn uint64) error {
	if err := tx.batch.Delete(rowKey(typ, key), nil); err != nil {
		return err
	}
	// Best-effort: the old LSN index entry is orphaned (points at a now
	// missing row) rather than deleted, since we don't track which seq
	// produced it; EnumerateByOperationLSN skips dangling entries.
	_ = oldLsn
	return nil
}

// Insert creates a new row. Fails with RecordAlreadyExists if present.
func (tx *Tx) Insert(typ, key string, value []byte, lsn uint64, lastModified *time.Time) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if _, found, err := tx.getRow(typ, key); err != nil {
		return err
	} else if found {
		return &kverrors.RecordAlreadyExistsError{Type: typ, Key: key}
	}
	row := wire.RowValue{Lsn: lsn, Payload: value}
	if lastModified != nil {
		row.HasLastModified = true
		row.LastModifiedOnPrimary = *lastModified
	}
	return tx.putRow(typ, key, row)
}

// Update overwrites an existing row, optionally renaming its key and
// optionally checking expectedLsn against the stored LSN first. If the row
// does not exist it behaves like Insert, matching the secondary apply
// fallback ("if not found, insert").
func (tx *Tx) Update(typ, key string, expectedLsn *uint64, newKey string, value []byte, lsn uint64, lastModified *time.Time) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	existing, found, err := tx.getRow(typ, key)
	if err != nil {
		return err
	}
	if found && expectedLsn != nil && existing.Lsn != *expectedLsn {
		return &kverrors.SequenceNumberCheckFailedError{Type: typ, Key: key, Expected: *expectedLsn, Actual: existing.Lsn}
	}
	row := wire.RowValue{Lsn: lsn, Payload: value}
	if lastModified != nil {
		row.HasLastModified = true
		row.LastModifiedOnPrimary = *lastModified
	}
	targetKey := key
	if newKey != "" && newKey != key {
		targetKey = newKey
		if found {
			if err := tx.deleteRow(typ, key, existing.Lsn); err != nil {
				return err
			}
		}
	}
	return tx.putRow(typ, targetKey, row)
}

// Delete removes a row, optionally checking expectedLsn first.
func (tx *Tx) Delete(typ, key string, expectedLsn *uint64) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	existing, found, err := tx.getRow(typ, key)
	if err != nil {
		return err
	}
	if !found {
		return &kverrors.RecordNotFoundError{Type: typ, Key: key}
	}
	if expectedLsn != nil && existing.Lsn != *expectedLsn {
		return &kverrors.SequenceNumberCheckFailedError{Type: typ, Key: key, Expected: *expectedLsn, Actual: existing.Lsn}
	}
	return tx.deleteRow(typ, key, existing.Lsn)
}

// UpdateLSN re-stamps a row's LSN without touching its payload. Used by
// the primary replication pipeline after a batch is durably quorum-acked.
func (tx *Tx) UpdateLSN(typ, key string, newLsn uint64) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	existing, found, err := tx.getRow(typ, key)
	if err != nil {
		return err
	}
	if !found {
		return &kverrors.RecordNotFoundError{Type: typ, Key: key}
	}
	existing.Lsn = newLsn
	return tx.putRow(typ, key, existing)
}

// GetOperationLSN returns the stored LSN of a row.
func (tx *Tx) GetOperationLSN(typ, key string) (uint64, error) {
	if err := tx.checkOpen(); err != nil {
		return 0, err
	}
	row, found, err := tx.getRow(typ, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, &kverrors.RecordNotFoundError{Type: typ, Key: key}
	}
	return row.Lsn, nil
}

// ReadExact returns a row's payload and LSN.
func (tx *Tx) ReadExact(typ, key string) ([]byte, uint64, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, 0, err
	}
	row, found, err := tx.getRow(typ, key)
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return nil, 0, &kverrors.RecordNotFoundError{Type: typ, Key: key}
	}
	return row.Payload, row.Lsn, nil
}

// GetLastChangeOperationLSN returns the highest LSN in this transaction's
// view of the LSN index (committed rows plus this transaction's own
// uncommitted writes), by seeking the index's tail.
func (tx *Tx) GetLastChangeOperationLSN() (uint64, error) {
	if err := tx.checkOpen(); err != nil {
		return 0, err
	}
	it, err := tx.batch.NewIter(&pebble.IterOptions{
		LowerBound: []byte{lsnPrefix},
		UpperBound: []byte{lsnPrefix + 1},
	})
	if err != nil {
		return 0, err
	}
	defer it.Close()
	if !it.Last() {
		return 0, nil
	}
	k := it.Key()
	return decodeLsnFromIndexKey(k), nil
}

func decodeLsnFromIndexKey(k []byte) uint64 {
	if len(k) < 9 {
		return 0
	}
	return beUint64(k[1:9])
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

