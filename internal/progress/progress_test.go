package progress

import (
	"testing"

	"github.com/kvreplica/engine/internal/localstore"
	"github.com/kvreplica/engine/internal/wire"
)

func openTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReadCurrentEpochAbsentReturnsZero(t *testing.T) {
	s := openTestStore(t)
	tx := s.CreateTransaction()
	defer tx.Rollback()
	e, err := ReadCurrentEpoch(tx)
	if err != nil {
		t.Fatalf("ReadCurrentEpoch: %v", err)
	}
	if e != (wire.Epoch{}) {
		t.Errorf("expected zero epoch, got %+v", e)
	}
}

func TestWriteThenReadCurrentEpoch(t *testing.T) {
	s := openTestStore(t)
	tx := s.CreateTransaction()
	want := wire.Epoch{DataLossNumber: 2, ConfigurationNumber: 7}
	if err := WriteCurrentEpoch(tx, want); err != nil {
		t.Fatalf("WriteCurrentEpoch: %v", err)
	}
	got, err := ReadCurrentEpoch(tx)
	if err != nil {
		t.Fatalf("ReadCurrentEpoch: %v", err)
	}
	if got != want {
		t.Errorf("got %+v want %+v", got, want)
	}
	if err := WriteCurrentEpoch(tx, wire.Epoch{DataLossNumber: 3}); err != nil {
		t.Fatalf("second WriteCurrentEpoch: %v", err)
	}
	got2, err := ReadCurrentEpoch(tx)
	if err != nil {
		t.Fatalf("ReadCurrentEpoch after update: %v", err)
	}
	if got2.DataLossNumber != 3 {
		t.Errorf("expected updated epoch, got %+v", got2)
	}
	_ = tx.Rollback()
}

func TestAppendEpochHistoryTruncatesToMaxLen(t *testing.T) {
	s := openTestStore(t)
	tx := s.CreateTransaction()
	for i := int64(0); i < 5; i++ {
		if err := AppendEpochHistory(tx, wire.Epoch{DataLossNumber: i}, i*10, 3); err != nil {
			t.Fatalf("AppendEpochHistory %d: %v", i, err)
		}
	}
	history, err := ReadEpochHistory(tx)
	if err != nil {
		t.Fatalf("ReadEpochHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("got %d entries, want 3", len(history))
	}
	if history[0].Epoch.DataLossNumber != 2 || history[2].Epoch.DataLossNumber != 4 {
		t.Errorf("expected oldest entries truncated, got %+v", history)
	}
	_ = tx.Rollback()
}

func TestReplaceEpochHistory(t *testing.T) {
	s := openTestStore(t)
	tx := s.CreateTransaction()
	if err := AppendEpochHistory(tx, wire.Epoch{DataLossNumber: 1}, 1, 10); err != nil {
		t.Fatalf("AppendEpochHistory: %v", err)
	}
	replacement := []wire.ProgressVectorEntry{{Epoch: wire.Epoch{DataLossNumber: 9}, LastLsnInEpoch: 99}}
	if err := ReplaceEpochHistory(tx, replacement); err != nil {
		t.Fatalf("ReplaceEpochHistory: %v", err)
	}
	got, err := ReadEpochHistory(tx)
	if err != nil {
		t.Fatalf("ReadEpochHistory: %v", err)
	}
	if len(got) != 1 || got[0].Epoch.DataLossNumber != 9 {
		t.Errorf("got %+v want replacement only", got)
	}
	_ = tx.Rollback()
}

func TestTombstoneLowWatermarkRoundTrip(t *testing.T) {
	s := openTestStore(t)
	tx := s.CreateTransaction()
	lw, err := ReadTombstoneLowWatermark(tx)
	if err != nil || lw != 0 {
		t.Fatalf("expected absent watermark to read as 0, got %d err=%v", lw, err)
	}
	if err := WriteTombstoneLowWatermark(tx, 42); err != nil {
		t.Fatalf("WriteTombstoneLowWatermark: %v", err)
	}
	lw2, err := ReadTombstoneLowWatermark(tx)
	if err != nil {
		t.Fatalf("ReadTombstoneLowWatermark: %v", err)
	}
	if lw2 != 42 {
		t.Errorf("got %d want 42", lw2)
	}
	_ = tx.Rollback()
}

func TestLogicalTimeRoundTrip(t *testing.T) {
	s := openTestStore(t)
	tx := s.CreateTransaction()
	if err := WriteLogicalTime(tx, 123456); err != nil {
		t.Fatalf("WriteLogicalTime: %v", err)
	}
	ticks, err := ReadLogicalTime(tx)
	if err != nil {
		t.Fatalf("ReadLogicalTime: %v", err)
	}
	if ticks != 123456 {
		t.Errorf("got %d want 123456", ticks)
	}
	_ = tx.Rollback()
}
