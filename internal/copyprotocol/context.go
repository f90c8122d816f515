package copyprotocol

import (
	"context"

	"github.com/google/uuid"

	"github.com/kvreplica/engine/internal/wire"
	"github.com/kvreplica/engine/replicator"
)

// ReadContext reads and decodes the single CopyContextData item off a
// secondary's context stream.
func ReadContext(ctx context.Context, stream replicator.Stream) (wire.CopyContextData, error) {
	op, err := stream.Get(ctx)
	if err != nil {
		return wire.CopyContextData{}, err
	}
	data, derr := wire.DecodeCopyContextData(op.Metadata)
	if derr != nil {
		return wire.CopyContextData{}, derr
	}
	return data, op.Ack()
}

// NewContext builds this replica's CopyContextData to send upstream.
func NewContext(replicaID uint64, epoch wire.Epoch, epochValid bool, lastOperationLsn int64, fileStreamSupported bool) wire.CopyContextData {
	return wire.CopyContextData{
		ID:                            uuid.New().String(),
		IsEpochValid:                  epochValid,
		Epoch:                         epoch,
		LastOperationLsn:              lastOperationLsn,
		ReplicaID:                     replicaID,
		IsFileStreamFullCopySupported: fileStreamSupported,
	}
}
