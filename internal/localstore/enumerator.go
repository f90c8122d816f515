package localstore

import (
	"github.com/cockroachdb/pebble"

	"github.com/kvreplica/engine/internal/kverrors"
	"github.com/kvreplica/engine/internal/wire"
)

// Enumerator borrows its Tx for a lifetime shorter than the Tx; it must be
// closed before the Tx commits or rolls back.
type Enumerator struct {
	it     *pebble.Iterator
	tx     *Tx
	closed bool
	// lsnMode enumerates via the LSN index, resolving each entry to its
	// row.
	lsnMode bool
}

// EnumerateByTypeAndKey scans rows of typ in key order, starting at
// keyPrefix.
func (tx *Tx) EnumerateByTypeAndKey(typ, keyPrefix string) (*Enumerator, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	lower := rowTypeAndKeyPrefix(typ, keyPrefix)
	upper := upperBound(rowTypePrefix(typ))
	it, err := tx.batch.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	it.First()
	return &Enumerator{it: it, tx: tx}, nil
}

// EnumerateByOperationLSN scans rows in LSN order starting at startLsn,
// used by the copy protocol's paging.
func (tx *Tx) EnumerateByOperationLSN(startLsn uint64) (*Enumerator, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	lower := lsnIndexLowerBound(startLsn)
	it, err := tx.batch.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: []byte{lsnPrefix + 1},
	})
	if err != nil {
		return nil, err
	}
	it.First()
	return &Enumerator{it: it, tx: tx, lsnMode: true}, nil
}

// Close releases the enumerator's iterator. Using the enumerator after
// Close returns ObjectClosed.
func (e *Enumerator) Close() {
	if e.closed {
		return
	}
	e.closed = true
	_ = e.it.Close()
}

// Next advances to the next entry. Returns EnumerationCompleted when
// exhausted.
func (e *Enumerator) Next() error {
	if e.closed {
		return kverrors.ErrObjectClosed
	}
	if !e.it.Valid() {
		return kverrors.ErrEnumerationCompleted
	}
	return nil
}

func (e *Enumerator) advance() { e.it.Next() }

// Valid reports whether the enumerator currently points at an entry.
func (e *Enumerator) Valid() bool { return !e.closed && e.it.Valid() }

// row resolves the current entry to its (type,key,RowValue), following
// the LSN index indirection when enumerating by LSN.
func (e *Enumerator) row() (typ, key string, row wire.RowValue, err error) {
	if e.lsnMode {
		target := append([]byte(nil), e.it.Value()...)
		v, closer, gerr := e.tx.batch.Get(target)
		if gerr != nil {
			// Dangling index entry (orphaned by a delete or key rename
			// that removed the row); skip by reporting a zero row and
			// letting the caller Advance past it.
			return "", "", wire.RowValue{}, kverrors.ErrRecordNotFound
		}
		defer closer.Close()
		row, err = wire.DecodeRowValue(v)
		if err == nil && row.Lsn != decodeLsnFromIndexKey(e.it.Key()) {
			// Stale index entry orphaned by an update that moved the row
			// to a new LSN; the row is reached through its current entry.
			return "", "", wire.RowValue{}, kverrors.ErrRecordNotFound
		}
		typ, key = splitRowKey(target)
		return
	}
	typ, key = splitRowKey(e.it.Key())
	row, err = wire.DecodeRowValue(e.it.Value())
	return
}

// Item is one materialized enumerator entry.
type Item struct {
	Type            string
	Key             string
	Value           []byte
	Lsn             uint64
	HasLastModified bool
}

// Current materializes the entry the enumerator currently points at,
// advancing past dangling LSN-index entries automatically.
func (e *Enumerator) Current() (Item, error) {
	if e.closed {
		return Item{}, kverrors.ErrObjectClosed
	}
	for e.Valid() {
		typ, key, row, err := e.row()
		if err == kverrors.ErrRecordNotFound {
			e.advance()
			continue
		}
		if err != nil {
			return Item{}, err
		}
		return Item{Type: typ, Key: key, Value: row.Payload, Lsn: row.Lsn, HasLastModified: row.HasLastModified}, nil
	}
	return Item{}, kverrors.ErrEnumerationCompleted
}

// Advance moves to the next entry.
func (e *Enumerator) Advance() { e.advance() }
