package copyprotocol

import (
	"github.com/cockroachdb/errors"

	"github.com/kvreplica/engine/internal/localstore"
	"github.com/kvreplica/engine/internal/progress"
	"github.com/kvreplica/engine/internal/wire"
)

var ErrEpochRegression = errors.New("epoch update rejected: not newer than current epoch")

// UpdateEpoch persists a new current epoch and appends the old one to the
// bounded history, all within one local transaction. The returned epoch is
// the one the caller should cache; on error the caller's cached epoch is
// unchanged.
func UpdateEpoch(tx *localstore.Tx, current wire.Epoch, newEpoch wire.Epoch, previousEpochLastLsn int64, maxHistoryLen int) (wire.Epoch, error) {
	if !current.Less(newEpoch) {
		return current, ErrEpochRegression
	}
	if err := progress.AppendEpochHistory(tx, current, previousEpochLastLsn, maxHistoryLen); err != nil {
		return current, err
	}
	if err := progress.WriteCurrentEpoch(tx, newEpoch); err != nil {
		return current, err
	}
	return newEpoch, nil
}
