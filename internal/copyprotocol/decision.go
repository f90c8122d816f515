// Package copyprotocol implements the build negotiation and paging logic
// of C7: deciding between a full copy, a partial copy, or a file-stream
// physical copy from a secondary's self-reported CopyContextData, then
// producing the page stream that fulfils that decision.
package copyprotocol

import (
	"github.com/kvreplica/engine/internal/wire"
)

// BuildKind is the decision Decide reaches.
type BuildKind int

const (
	BuildFullLogical BuildKind = iota
	BuildFullFileStream
	BuildPartial
	BuildPartialSnapshot
)

// Decision carries the outcome of Decide: the build kind, and for a
// partial copy, the LSN to start paging from.
type Decision struct {
	Kind          BuildKind
	CopyStartLsn  uint64
	FalseProgress bool // the secondary claimed progress the primary can't honor
	TooStale      bool // the secondary's progress predates the low watermark
}

// Decide applies the progress-vector backward scan against a secondary's
// CopyContextData and the primary's current low watermark, choosing the
// cheapest build that is still correct. currentLastLsn is the primary's
// most recently assigned LSN within the current epoch; pv holds only the
// closed, earlier epochs (the current one is synthesized from current and
// currentLastLsn so callers don't have to keep it appended).
func Decide(pv []wire.ProgressVectorEntry, current wire.Epoch, currentLastLsn uint64, ctxData wire.CopyContextData, lowWatermark uint64, fileStreamEnabled bool) Decision {
	if !ctxData.IsEpochValid || ctxData.LastOperationLsn <= 0 {
		return fullOrFileStream(ctxData, fileStreamEnabled)
	}

	full := wire.ProgressVectorEntry{Epoch: current, LastLsnInEpoch: int64(currentLastLsn)}
	all := append(append([]wire.ProgressVectorEntry(nil), pv...), full)

	for i := len(all) - 1; i >= 0; i-- {
		entry := all[i]
		if ctxData.LastOperationLsn > entry.LastLsnInEpoch ||
			ctxData.Epoch.DataLossNumber != entry.Epoch.DataLossNumber ||
			ctxData.Epoch.ConfigurationNumber > entry.Epoch.ConfigurationNumber {
			d := fullOrFileStream(ctxData, fileStreamEnabled)
			d.FalseProgress = true
			return d
		}
		if ctxData.Epoch.ConfigurationNumber == entry.Epoch.ConfigurationNumber {
			if uint64(ctxData.LastOperationLsn) < lowWatermark {
				d := fullOrFileStream(ctxData, fileStreamEnabled)
				d.TooStale = true
				return d
			}
			return Decision{Kind: BuildPartial, CopyStartLsn: uint64(ctxData.LastOperationLsn) + 1}
		}
	}
	return fullOrFileStream(ctxData, fileStreamEnabled)
}

func fullOrFileStream(ctxData wire.CopyContextData, fileStreamEnabled bool) Decision {
	if ctxData.IsFileStreamFullCopySupported && fileStreamEnabled {
		return Decision{Kind: BuildFullFileStream, CopyStartLsn: 0}
	}
	return Decision{Kind: BuildFullLogical, CopyStartLsn: 0}
}
