// Package wire implements the compact binary serializer for every
// replicated payload: explicit field ordering over encoding/binary,
// no reflection, no external schema.
package wire

import "time"

// Epoch is a (dataLossNumber, configurationNumber) pair, lexicographically
// ordered on (DataLoss, Configuration).
type Epoch struct {
	DataLossNumber     int64
	ConfigurationNumber int64
}

// Less reports whether e sorts strictly before o.
func (e Epoch) Less(o Epoch) bool {
	if e.DataLossNumber != o.DataLossNumber {
		return e.DataLossNumber < o.DataLossNumber
	}
	return e.ConfigurationNumber < o.ConfigurationNumber
}

func (e Epoch) Equal(o Epoch) bool {
	return e.DataLossNumber == o.DataLossNumber && e.ConfigurationNumber == o.ConfigurationNumber
}

// ProgressVectorEntry is one entry of the EpochHistory row.
type ProgressVectorEntry struct {
	Epoch          Epoch
	LastLsnInEpoch int64
}

// OperationKind discriminates a ReplicationOperation.
type OperationKind uint32

const (
	OpCopy OperationKind = iota
	OpInsert
	OpUpdate
	OpDelete
)

// ReplicationOperation is one row-level mutation inside an AtomicOperation
// or a CopyOperation.
type ReplicationOperation struct {
	Kind                     OperationKind
	Type                     string
	Key                      string
	NewKey                   string
	Bytes                    []byte
	OperationLsn             int64
	LastModifiedOnPrimaryUtc time.Time
}

// AtomicOperation is one committed primary batch, the unit of replication.
type AtomicOperation struct {
	ActivityId         [16]byte // uuid
	Operations         []ReplicationOperation
	LastQuorumAckedLsn int64
}

// CopyType distinguishes the build strategy chosen by the copy protocol.
type CopyType uint32

const (
	CopyTypeUnknown CopyType = iota
	CopyTypeFirstFullCopy
	CopyTypeFirstPartialCopy
	CopyTypeFirstSnapshotPartialCopy
	CopyTypePagedCopy
	CopyTypeFileStreamFullCopy
	CopyTypeFileStreamRebuildCopy
)

// FileStreamCopyOperationData carries one chunk of a physical full-copy
// archive.
type FileStreamCopyOperationData struct {
	IsFirstChunk bool
	IsLastChunk  bool
	Bytes        []byte
	Lsn          int64
}

// CopyOperation is one page produced by the primary's copy stream.
// IsFirstFullCopyLegacy is kept for old peers: when
// decoding, CopyType==0 && IsFirstFullCopyLegacy means FirstFullCopy.
type CopyOperation struct {
	IsFirstFullCopyLegacy bool
	Operations            []ReplicationOperation
	CopyType              CopyType
	FileStreamData        *FileStreamCopyOperationData
}

// EffectiveCopyType applies the legacy-compatibility rule.
func (c CopyOperation) EffectiveCopyType() CopyType {
	if c.CopyType == CopyTypeUnknown && c.IsFirstFullCopyLegacy {
		return CopyTypeFirstFullCopy
	}
	return c.CopyType
}

// CopyContextData is the secondary's self-description sent upstream to
// negotiate the build type.
type CopyContextData struct {
	ID                            string
	IsEpochValid                  bool
	Epoch                         Epoch
	LastOperationLsn              int64
	ReplicaID                     uint64
	IsFileStreamFullCopySupported bool
}
