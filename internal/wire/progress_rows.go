package wire

import "fmt"

// Row type/key constants for the metadata rows.
const (
	ProgressDataType              = "ProgressData"
	CurrentEpochKey               = "CurrentEpoch"
	EpochHistoryKey               = "EpochHistory"
	TombstoneLowWatermarkKey      = "TombstoneLowWatermark"
	ReplicationTombstoneType      = "ReplicationTombstone"
	FabricTimeDataType            = "FabricTimeDataType"
	FabricTimeDataKey             = "FabricTimeDataKey"
	LocalStoreIncrementalBackupDataType = "LocalStoreIncrementalBackupDataType"
	AllowIncrementalBackupKey     = "AllowIncrementalBackup"
	PartialCopyProgressDataType   = "PartialCopyProgressDataType"
	PartialCopyProgressDataKey    = "PartialCopyProgressDataKey"

	// MetadataLsn is the sentinel stored LSN for every metadata row.
	MetadataLsn uint64 = 1
)

// EncodeCurrentEpoch serializes the CurrentEpoch row payload.
func EncodeCurrentEpoch(e Epoch) []byte {
	w := &writer{}
	encodeEpoch(w, e)
	return w.Bytes()
}

func DecodeCurrentEpoch(b []byte) (Epoch, error) {
	r := newReader(b)
	e := decodeEpoch(r)
	if r.err != nil {
		return Epoch{}, fmt.Errorf("decode CurrentEpoch: %w", r.err)
	}
	return e, nil
}

// EncodeEpochHistory serializes the bounded, ordered EpochHistory row.
func EncodeEpochHistory(entries []ProgressVectorEntry) []byte {
	w := &writer{}
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		encodeEpoch(w, e.Epoch)
		w.i64(e.LastLsnInEpoch)
	}
	return w.Bytes()
}

func DecodeEpochHistory(b []byte) ([]ProgressVectorEntry, error) {
	r := newReader(b)
	n := r.u32()
	out := make([]ProgressVectorEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		e := decodeEpoch(r)
		lsn := r.i64()
		out = append(out, ProgressVectorEntry{Epoch: e, LastLsnInEpoch: lsn})
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode EpochHistory: %w", r.err)
	}
	return out, nil
}

// EncodeTombstoneLowWatermark serializes the low-watermark row payload.
func EncodeTombstoneLowWatermark(lsn uint64) []byte {
	w := &writer{}
	w.u64(lsn)
	return w.Bytes()
}

func DecodeTombstoneLowWatermark(b []byte) (uint64, error) {
	r := newReader(b)
	lsn := r.u64()
	if r.err != nil {
		return 0, fmt.Errorf("decode TombstoneLowWatermark: %w", r.err)
	}
	return lsn, nil
}

// TombstoneData is the payload of a ReplicationTombstone row.
type TombstoneData struct {
	LiveEntryType string
	LiveEntryKey  string
	Lsn           uint64
	Index         uint32
}

func EncodeTombstoneData(t TombstoneData) []byte {
	w := &writer{}
	w.str(t.LiveEntryType)
	w.str(t.LiveEntryKey)
	w.u64(t.Lsn)
	w.u32(t.Index)
	return w.Bytes()
}

// DecodeTombstoneData deserializes a TombstoneData payload. A legacy peer
// may instead encode the tombstone key with a plain "lsn:index" delimited
// string rather than this format; tombstone.ParseKey centralizes both key
// formats so this stays the only place that needs to know about the
// legacy fallback.
func DecodeTombstoneData(b []byte) (TombstoneData, error) {
	r := newReader(b)
	t := TombstoneData{
		LiveEntryType: r.str(),
		LiveEntryKey:  r.str(),
		Lsn:           r.u64(),
		Index:         r.u32(),
	}
	if r.err != nil {
		return TombstoneData{}, fmt.Errorf("decode TombstoneData: %w", r.err)
	}
	return t, nil
}

// EncodeFabricTime serializes the logical-time row payload.
func EncodeFabricTime(ticks int64) []byte {
	w := &writer{}
	w.i64(ticks)
	return w.Bytes()
}

func DecodeFabricTime(b []byte) (int64, error) {
	r := newReader(b)
	v := r.i64()
	if r.err != nil {
		return 0, fmt.Errorf("decode FabricTime: %w", r.err)
	}
	return v, nil
}

// IncrementalBackupMarker is the payload of the incremental-backup row.
type IncrementalBackupMarker struct {
	Enabled   bool
	ChainGuid [16]byte
	PrevIndex int64
}

func EncodeIncrementalBackupMarker(m IncrementalBackupMarker) []byte {
	w := &writer{}
	w.boolean(m.Enabled)
	w.buf.Write(m.ChainGuid[:])
	w.i64(m.PrevIndex)
	return w.Bytes()
}

func DecodeIncrementalBackupMarker(b []byte) (IncrementalBackupMarker, error) {
	r := newReader(b)
	var m IncrementalBackupMarker
	m.Enabled = r.boolean()
	if !r.need(16) {
		return m, r.err
	}
	copy(m.ChainGuid[:], r.b[r.off:r.off+16])
	r.off += 16
	m.PrevIndex = r.i64()
	if r.err != nil {
		return IncrementalBackupMarker{}, fmt.Errorf("decode IncrementalBackupMarker: %w", r.err)
	}
	return m, nil
}

// EncodePartialCopyProgress serializes the resumable partial-copy marker.
func EncodePartialCopyProgress(lastStartLsn uint64) []byte {
	w := &writer{}
	w.u64(lastStartLsn)
	return w.Bytes()
}

func DecodePartialCopyProgress(b []byte) (uint64, error) {
	r := newReader(b)
	v := r.u64()
	if r.err != nil {
		return 0, fmt.Errorf("decode PartialCopyProgress: %w", r.err)
	}
	return v, nil
}
