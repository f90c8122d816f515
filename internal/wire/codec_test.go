package wire

import (
	"bytes"
	"testing"
	"time"
)

func TestEpochLess(t *testing.T) {
	tests := []struct {
		name string
		a, b Epoch
		want bool
	}{
		{"lower data loss", Epoch{1, 5}, Epoch{2, 0}, true},
		{"same data loss, lower configuration", Epoch{1, 0}, Epoch{1, 1}, true},
		{"equal", Epoch{3, 3}, Epoch{3, 3}, false},
		{"higher data loss", Epoch{2, 0}, Epoch{1, 9}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Less(tt.b); got != tt.want {
				t.Errorf("Less(%+v, %+v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestEpochEqual(t *testing.T) {
	if !(Epoch{1, 2}).Equal(Epoch{1, 2}) {
		t.Fatal("expected equal epochs to compare equal")
	}
	if (Epoch{1, 2}).Equal(Epoch{1, 3}) {
		t.Fatal("expected differing epochs to compare unequal")
	}
}

func TestAtomicOperationRoundTrip(t *testing.T) {
	op := AtomicOperation{
		ActivityId: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Operations: []ReplicationOperation{
			{
				Kind:                     OpInsert,
				Type:                     "orders",
				Key:                      "k1",
				Bytes:                    []byte("payload-1"),
				OperationLsn:             42,
				LastModifiedOnPrimaryUtc: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			},
			{
				Kind:         OpDelete,
				Type:         "orders",
				Key:          "k2",
				OperationLsn: 43,
			},
		},
		LastQuorumAckedLsn: 40,
	}

	b := EncodeAtomicOperation(op)
	got, err := DecodeAtomicOperation(b)
	if err != nil {
		t.Fatalf("DecodeAtomicOperation: %v", err)
	}
	if got.ActivityId != op.ActivityId {
		t.Errorf("ActivityId mismatch: got %v want %v", got.ActivityId, op.ActivityId)
	}
	if got.LastQuorumAckedLsn != op.LastQuorumAckedLsn {
		t.Errorf("LastQuorumAckedLsn mismatch: got %d want %d", got.LastQuorumAckedLsn, op.LastQuorumAckedLsn)
	}
	if len(got.Operations) != len(op.Operations) {
		t.Fatalf("Operations length mismatch: got %d want %d", len(got.Operations), len(op.Operations))
	}
	if got.Operations[0].Key != "k1" || !bytes.Equal(got.Operations[0].Bytes, []byte("payload-1")) {
		t.Errorf("first operation mismatch: %+v", got.Operations[0])
	}
	if !got.Operations[0].LastModifiedOnPrimaryUtc.Equal(op.Operations[0].LastModifiedOnPrimaryUtc) {
		t.Errorf("filetime round trip mismatch: got %v want %v", got.Operations[0].LastModifiedOnPrimaryUtc, op.Operations[0].LastModifiedOnPrimaryUtc)
	}
	if got.Operations[1].Kind != OpDelete || got.Operations[1].Key != "k2" {
		t.Errorf("second operation mismatch: %+v", got.Operations[1])
	}
}

func TestDecodeAtomicOperationTruncated(t *testing.T) {
	op := AtomicOperation{Operations: []ReplicationOperation{{Kind: OpInsert, Type: "t", Key: "k"}}}
	b := EncodeAtomicOperation(op)
	if _, err := DecodeAtomicOperation(b[:len(b)-2]); err == nil {
		t.Fatal("expected error decoding truncated buffer")
	}
}

func TestCopyOperationRoundTrip(t *testing.T) {
	op := CopyOperation{
		CopyType: CopyTypePagedCopy,
		Operations: []ReplicationOperation{
			{Kind: OpCopy, Type: "orders", Key: "k1", Bytes: []byte("v1"), OperationLsn: 10},
		},
	}
	b := EncodeCopyOperation(op)
	got, err := DecodeCopyOperation(b)
	if err != nil {
		t.Fatalf("DecodeCopyOperation: %v", err)
	}
	if got.CopyType != CopyTypePagedCopy {
		t.Errorf("CopyType mismatch: got %v", got.CopyType)
	}
	if got.FileStreamData != nil {
		t.Errorf("expected nil FileStreamData, got %+v", got.FileStreamData)
	}
	if len(got.Operations) != 1 || got.Operations[0].Key != "k1" {
		t.Errorf("operations mismatch: %+v", got.Operations)
	}
}

func TestCopyOperationWithFileStreamData(t *testing.T) {
	op := CopyOperation{
		CopyType: CopyTypeFileStreamFullCopy,
		FileStreamData: &FileStreamCopyOperationData{
			IsFirstChunk: true,
			IsLastChunk:  false,
			Bytes:        []byte("chunk-bytes"),
			Lsn:          7,
		},
	}
	b := EncodeCopyOperation(op)
	got, err := DecodeCopyOperation(b)
	if err != nil {
		t.Fatalf("DecodeCopyOperation: %v", err)
	}
	if got.FileStreamData == nil {
		t.Fatal("expected non-nil FileStreamData")
	}
	if !got.FileStreamData.IsFirstChunk || got.FileStreamData.IsLastChunk {
		t.Errorf("chunk flags mismatch: %+v", got.FileStreamData)
	}
	if !bytes.Equal(got.FileStreamData.Bytes, []byte("chunk-bytes")) {
		t.Errorf("chunk bytes mismatch: %q", got.FileStreamData.Bytes)
	}
}

func TestEffectiveCopyTypeLegacyFallback(t *testing.T) {
	legacy := CopyOperation{CopyType: CopyTypeUnknown, IsFirstFullCopyLegacy: true}
	if legacy.EffectiveCopyType() != CopyTypeFirstFullCopy {
		t.Errorf("expected legacy fallback to FirstFullCopy, got %v", legacy.EffectiveCopyType())
	}
	modern := CopyOperation{CopyType: CopyTypePagedCopy, IsFirstFullCopyLegacy: true}
	if modern.EffectiveCopyType() != CopyTypePagedCopy {
		t.Errorf("expected explicit CopyType to win, got %v", modern.EffectiveCopyType())
	}
}

func TestCopyContextDataRoundTrip(t *testing.T) {
	c := CopyContextData{
		ID:                            "replica-1",
		IsEpochValid:                  true,
		Epoch:                         Epoch{DataLossNumber: 2, ConfigurationNumber: 5},
		LastOperationLsn:              99,
		ReplicaID:                     1234,
		IsFileStreamFullCopySupported: true,
	}
	b := EncodeCopyContextData(c)
	got, err := DecodeCopyContextData(b)
	if err != nil {
		t.Fatalf("DecodeCopyContextData: %v", err)
	}
	if got != c {
		t.Errorf("round trip mismatch: got %+v want %+v", got, c)
	}
}

func TestRowValueRoundTripWithLastModified(t *testing.T) {
	v := RowValue{
		Lsn:                   17,
		HasLastModified:       true,
		LastModifiedOnPrimary: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Payload:               []byte("row-payload"),
	}
	b := EncodeRowValue(v)
	got, err := DecodeRowValue(b)
	if err != nil {
		t.Fatalf("DecodeRowValue: %v", err)
	}
	if got.Lsn != v.Lsn || !bytes.Equal(got.Payload, v.Payload) {
		t.Errorf("mismatch: got %+v want %+v", got, v)
	}
	if !got.LastModifiedOnPrimary.Equal(v.LastModifiedOnPrimary) {
		t.Errorf("timestamp mismatch: got %v want %v", got.LastModifiedOnPrimary, v.LastModifiedOnPrimary)
	}
}

func TestRowValueRoundTripWithoutLastModified(t *testing.T) {
	v := RowValue{Lsn: 3, Payload: []byte("x")}
	b := EncodeRowValue(v)
	got, err := DecodeRowValue(b)
	if err != nil {
		t.Fatalf("DecodeRowValue: %v", err)
	}
	if got.HasLastModified {
		t.Error("expected HasLastModified false")
	}
	if !got.LastModifiedOnPrimary.IsZero() {
		t.Errorf("expected zero timestamp, got %v", got.LastModifiedOnPrimary)
	}
}

func TestEpochHistoryRoundTrip(t *testing.T) {
	entries := []ProgressVectorEntry{
		{Epoch: Epoch{1, 0}, LastLsnInEpoch: 10},
		{Epoch: Epoch{1, 1}, LastLsnInEpoch: 20},
		{Epoch: Epoch{2, 0}, LastLsnInEpoch: 30},
	}
	b := EncodeEpochHistory(entries)
	got, err := DecodeEpochHistory(b)
	if err != nil {
		t.Fatalf("DecodeEpochHistory: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Errorf("entry %d mismatch: got %+v want %+v", i, got[i], entries[i])
		}
	}
}

func TestTombstoneDataRoundTrip(t *testing.T) {
	td := TombstoneData{LiveEntryType: "orders", LiveEntryKey: "k9", Lsn: 55, Index: 2}
	b := EncodeTombstoneData(td)
	got, err := DecodeTombstoneData(b)
	if err != nil {
		t.Fatalf("DecodeTombstoneData: %v", err)
	}
	if got != td {
		t.Errorf("mismatch: got %+v want %+v", got, td)
	}
}

func TestFabricTimeRoundTrip(t *testing.T) {
	b := EncodeFabricTime(123456789)
	got, err := DecodeFabricTime(b)
	if err != nil {
		t.Fatalf("DecodeFabricTime: %v", err)
	}
	if got != 123456789 {
		t.Errorf("got %d want 123456789", got)
	}
}

func TestIncrementalBackupMarkerRoundTrip(t *testing.T) {
	m := IncrementalBackupMarker{
		Enabled:   true,
		ChainGuid: [16]byte{9, 9, 9},
		PrevIndex: 5,
	}
	b := EncodeIncrementalBackupMarker(m)
	got, err := DecodeIncrementalBackupMarker(b)
	if err != nil {
		t.Fatalf("DecodeIncrementalBackupMarker: %v", err)
	}
	if got != m {
		t.Errorf("mismatch: got %+v want %+v", got, m)
	}
}

func TestPartialCopyProgressRoundTrip(t *testing.T) {
	b := EncodePartialCopyProgress(777)
	got, err := DecodePartialCopyProgress(b)
	if err != nil {
		t.Fatalf("DecodePartialCopyProgress: %v", err)
	}
	if got != 777 {
		t.Errorf("got %d want 777", got)
	}
}

func TestCurrentEpochRoundTrip(t *testing.T) {
	e := Epoch{DataLossNumber: 4, ConfigurationNumber: 9}
	b := EncodeCurrentEpoch(e)
	got, err := DecodeCurrentEpoch(b)
	if err != nil {
		t.Fatalf("DecodeCurrentEpoch: %v", err)
	}
	if got != e {
		t.Errorf("mismatch: got %+v want %+v", got, e)
	}
}

func TestTombstoneLowWatermarkRoundTrip(t *testing.T) {
	b := EncodeTombstoneLowWatermark(500)
	got, err := DecodeTombstoneLowWatermark(b)
	if err != nil {
		t.Fatalf("DecodeTombstoneLowWatermark: %v", err)
	}
	if got != 500 {
		t.Errorf("got %d want 500", got)
	}
}
