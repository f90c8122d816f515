package copyprotocol

import (
	"context"
	"time"

	"github.com/kvreplica/engine/internal/config"
	"github.com/kvreplica/engine/internal/kverrors"
	"github.com/kvreplica/engine/internal/localstore"
	"github.com/kvreplica/engine/internal/progress"
	"github.com/kvreplica/engine/internal/wire"
)

// rowEstimate is the per-row byte estimate used for the page size budget:
// type + key + payload, plus a fixed overhead for the framing.
func rowEstimate(item localstore.Item) int {
	return len(item.Type) + len(item.Key) + len(item.Value) + 48
}

// PageSource enumerates a logical copy from startLsn up to uptoLsn
// (inclusive), emitting one CopyOperation per call to Next until done is
// true. It respects the atomic-LSN-boundary rule: a page only breaks at an
// LSN boundary, never inside a multi-row commit.
type PageSource struct {
	tx       *localstore.Tx
	enum     *localstore.Enumerator
	uptoLsn  uint64
	pageSize int64
	kind     BuildKind

	pv      []wire.ProgressVectorEntry
	pvIdx   int
	exhausted bool
	promoted  bool
}

// NewPageSource waits (bounded) for the local store to catch up to uptoLsn
// before starting, so the page stream never runs ahead of durable data.
func NewPageSource(ctx context.Context, tx *localstore.Tx, startLsn, uptoLsn uint64, cfg config.Config, kind BuildKind, pv []wire.ProgressVectorEntry) (*PageSource, error) {
	for i := 0; i < cfg.MaxWaitForCopyLsnRetry; i++ {
		last, err := tx.GetLastChangeOperationLSN()
		if err != nil {
			return nil, err
		}
		if last >= uptoLsn {
			break
		}
		select {
		case <-time.After(cfg.CopyLsnRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if i == cfg.MaxWaitForCopyLsnRetry-1 {
			return nil, kverrors.ErrTimeout
		}
	}

	enum, err := tx.EnumerateByOperationLSN(startLsn)
	if err != nil {
		return nil, err
	}
	return &PageSource{tx: tx, enum: enum, uptoLsn: uptoLsn, pageSize: cfg.TargetCopyOperationSize, kind: kind, pv: pv}, nil
}

func (s *PageSource) Close() { s.enum.Close() }

// Next produces the next page. done is true once the page it returns is
// the last one (EOS should follow immediately after the caller consumes
// it).
func (s *PageSource) Next() (wire.CopyOperation, bool, error) {
	if s.exhausted {
		return wire.CopyOperation{}, true, nil
	}

	var ops []wire.ReplicationOperation
	var bytesEstimate int
	var currentSeriesLsn uint64
	haveSeries := false

	for s.enum.Valid() {
		item, err := s.enum.Current()
		if err != nil {
			return wire.CopyOperation{}, false, err
		}
		if item.Lsn > s.uptoLsn {
			s.exhausted = true
			break
		}
		if haveSeries && item.Lsn != currentSeriesLsn && bytesEstimate >= int(s.pageSize) {
			// Size budget exceeded at an LSN boundary: break the page here.
			break
		}
		ops = append(ops, wire.ReplicationOperation{
			Kind:         wire.OpCopy,
			Type:         item.Type,
			Key:          item.Key,
			Bytes:        item.Value,
			OperationLsn: int64(item.Lsn),
		})
		bytesEstimate += rowEstimate(item)
		currentSeriesLsn = item.Lsn
		haveSeries = true
		s.enum.Advance()

		if !s.enum.Valid() {
			s.exhausted = true
		}
	}
	if !s.enum.Valid() {
		s.exhausted = true
	}

	effectiveKind := s.kind
	if s.kind == BuildPartial && !s.exhausted && bytesEstimate >= int(s.pageSize) && !s.promoted {
		// Could not find a clean split point before the budget; promote to
		// a snapshot-backed partial copy for the rest of this build.
		s.promoted = true
		effectiveKind = BuildPartialSnapshot
		s.kind = BuildPartialSnapshot
	}

	for s.pvIdx < len(s.pv) && uint64(s.pv[s.pvIdx].LastLsnInEpoch) <= currentSeriesLsn {
		s.pvIdx++
	}

	op := wire.CopyOperation{Operations: ops, CopyType: copyTypeFor(effectiveKind)}
	if s.exhausted {
		tail, err := s.finalMetadata()
		if err != nil {
			return wire.CopyOperation{}, false, err
		}
		op.Operations = append(op.Operations, tail...)
	}
	return op, s.exhausted, nil
}

func copyTypeFor(k BuildKind) wire.CopyType {
	switch k {
	case BuildFullLogical:
		return wire.CopyTypePagedCopy
	case BuildPartial:
		return wire.CopyTypeFirstPartialCopy
	case BuildPartialSnapshot:
		return wire.CopyTypeFirstSnapshotPartialCopy
	default:
		return wire.CopyTypePagedCopy
	}
}

// finalMetadata appends EpochHistory (and, for a logical full copy, the
// TombstoneLowWatermark) as trailing metadata rows once the page stream is
// exhausted.
func (s *PageSource) finalMetadata() ([]wire.ReplicationOperation, error) {
	var out []wire.ReplicationOperation

	history, err := progress.ReadEpochHistory(s.tx)
	if err != nil {
		return nil, err
	}
	out = append(out, wire.ReplicationOperation{
		Kind: wire.OpCopy, Type: wire.ProgressDataType, Key: wire.EpochHistoryKey,
		Bytes: wire.EncodeEpochHistory(history), OperationLsn: int64(wire.MetadataLsn),
	})

	if s.kind == BuildFullLogical {
		lw, err := progress.ReadTombstoneLowWatermark(s.tx)
		if err != nil {
			return nil, err
		}
		out = append(out, wire.ReplicationOperation{
			Kind: wire.OpCopy, Type: wire.ProgressDataType, Key: wire.TombstoneLowWatermarkKey,
			Bytes: wire.EncodeTombstoneLowWatermark(lw), OperationLsn: int64(wire.MetadataLsn),
		})
	}
	return out, nil
}
