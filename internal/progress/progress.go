// Package progress implements the progress-metadata rows: the
// current-epoch marker, the bounded epoch history, the
// tombstone low watermark, and the logical-time counter. All three
// progress rows are written with stored LSN pinned to the sentinel 1
// so they never count as user progress.
package progress

import (
	"fmt"

	"github.com/kvreplica/engine/internal/localstore"
	"github.com/kvreplica/engine/internal/wire"
)

// ReadCurrentEpoch returns the zero Epoch if the row has never been
// written (a brand new, never-primary replica).
func ReadCurrentEpoch(tx *localstore.Tx) (wire.Epoch, error) {
	b, _, err := tx.ReadExact(wire.ProgressDataType, wire.CurrentEpochKey)
	if err != nil {
		return wire.Epoch{}, nil //nolint:nilerr // absent row == zero epoch, not an error
	}
	return wire.DecodeCurrentEpoch(b)
}

// WriteCurrentEpoch overwrites the CurrentEpoch row, inserting it the
// first time and updating it thereafter.
func WriteCurrentEpoch(tx *localstore.Tx, e wire.Epoch) error {
	return upsertMetadataRow(tx, wire.ProgressDataType, wire.CurrentEpochKey, wire.EncodeCurrentEpoch(e))
}

// ReadEpochHistory returns nil if the row has never been written.
func ReadEpochHistory(tx *localstore.Tx) ([]wire.ProgressVectorEntry, error) {
	b, _, err := tx.ReadExact(wire.ProgressDataType, wire.EpochHistoryKey)
	if err != nil {
		return nil, nil //nolint:nilerr
	}
	return wire.DecodeEpochHistory(b)
}

// AppendEpochHistory appends (oldEpoch,previousEpochLastLsn) to the
// history, truncating from the front if it exceeds maxLen.
func AppendEpochHistory(tx *localstore.Tx, oldEpoch wire.Epoch, previousEpochLastLsn int64, maxLen int) error {
	history, err := ReadEpochHistory(tx)
	if err != nil {
		return err
	}
	history = append(history, wire.ProgressVectorEntry{Epoch: oldEpoch, LastLsnInEpoch: previousEpochLastLsn})
	if maxLen > 0 && len(history) > maxLen {
		history = history[len(history)-maxLen:]
	}
	return upsertMetadataRow(tx, wire.ProgressDataType, wire.EpochHistoryKey, wire.EncodeEpochHistory(history))
}

// ReplaceEpochHistory replaces the whole row wholesale, used by the
// secondary at the end of a build.
func ReplaceEpochHistory(tx *localstore.Tx, history []wire.ProgressVectorEntry) error {
	return upsertMetadataRow(tx, wire.ProgressDataType, wire.EpochHistoryKey, wire.EncodeEpochHistory(history))
}

// ReadTombstoneLowWatermark returns 0 if the row has never been written.
func ReadTombstoneLowWatermark(tx *localstore.Tx) (uint64, error) {
	b, _, err := tx.ReadExact(wire.ProgressDataType, wire.TombstoneLowWatermarkKey)
	if err != nil {
		return 0, nil //nolint:nilerr
	}
	return wire.DecodeTombstoneLowWatermark(b)
}

// WriteTombstoneLowWatermark overwrites the low-watermark row, after a
// prune or a full logical copy transfer.
func WriteTombstoneLowWatermark(tx *localstore.Tx, lsn uint64) error {
	return upsertMetadataRow(tx, wire.ProgressDataType, wire.TombstoneLowWatermarkKey, wire.EncodeTombstoneLowWatermark(lsn))
}

// ReadLogicalTime returns 0 if the row has never been written.
func ReadLogicalTime(tx *localstore.Tx) (int64, error) {
	b, _, err := tx.ReadExact(wire.FabricTimeDataType, wire.FabricTimeDataKey)
	if err != nil {
		return 0, nil //nolint:nilerr
	}
	return wire.DecodeFabricTime(b)
}

// WriteLogicalTime persists the cluster-local monotonic clock.
func WriteLogicalTime(tx *localstore.Tx, ticks int64) error {
	return upsertMetadataRow(tx, wire.FabricTimeDataType, wire.FabricTimeDataKey, wire.EncodeFabricTime(ticks))
}

// ApplyRow upserts a replicated progress metadata row verbatim (already
// wire-encoded by the sender) at the pinned sentinel LSN. Used by the
// secondary pump when a Copy-phase page carries a ProgressData row.
func ApplyRow(tx *localstore.Tx, key string, payload []byte) error {
	return upsertMetadataRow(tx, wire.ProgressDataType, key, payload)
}

// upsertMetadataRow writes a metadata row at the pinned sentinel LSN,
// inserting it the first time and updating thereafter.
func upsertMetadataRow(tx *localstore.Tx, typ, key string, payload []byte) error {
	if _, _, err := tx.ReadExact(typ, key); err != nil {
		if err := tx.Insert(typ, key, payload, wire.MetadataLsn, nil); err != nil {
			return fmt.Errorf("insert metadata row %s/%s: %w", typ, key, err)
		}
		return nil
	}
	if err := tx.Update(typ, key, nil, "", payload, wire.MetadataLsn, nil); err != nil {
		return fmt.Errorf("update metadata row %s/%s: %w", typ, key, err)
	}
	return nil
}
