package copyprotocol

import (
	"testing"

	"github.com/kvreplica/engine/internal/wire"
)

func TestDecideNoValidEpochForcesFullLogicalCopy(t *testing.T) {
	d := Decide(nil, wire.Epoch{ConfigurationNumber: 3}, 0, wire.CopyContextData{IsEpochValid: false}, 0, false)
	if d.Kind != BuildFullLogical {
		t.Errorf("got %v, want BuildFullLogical", d.Kind)
	}
}

func TestDecideNoValidEpochPrefersFileStreamWhenSupported(t *testing.T) {
	ctxData := wire.CopyContextData{IsEpochValid: false, IsFileStreamFullCopySupported: true}
	d := Decide(nil, wire.Epoch{}, 0, ctxData, 0, true)
	if d.Kind != BuildFullFileStream {
		t.Errorf("got %v, want BuildFullFileStream", d.Kind)
	}
}

func TestDecidePartialCopyWhenSecondaryMatchesCurrentEpoch(t *testing.T) {
	current := wire.Epoch{DataLossNumber: 1, ConfigurationNumber: 2}
	ctxData := wire.CopyContextData{
		IsEpochValid:     true,
		Epoch:            current,
		LastOperationLsn: 50,
	}
	d := Decide(nil, current, 200, ctxData, 10, false)
	if d.Kind != BuildPartial {
		t.Fatalf("got %v, want BuildPartial", d.Kind)
	}
	if d.CopyStartLsn != 51 {
		t.Errorf("got CopyStartLsn=%d, want 51", d.CopyStartLsn)
	}
	if d.FalseProgress {
		t.Error("did not expect FalseProgress for a legitimately matching epoch")
	}
}

func TestDecidePartialCopyWhenSecondaryMatchesHistoricalEpoch(t *testing.T) {
	current := wire.Epoch{DataLossNumber: 1, ConfigurationNumber: 3}
	historical := wire.Epoch{DataLossNumber: 1, ConfigurationNumber: 2}
	pv := []wire.ProgressVectorEntry{{Epoch: historical, LastLsnInEpoch: 100}}
	ctxData := wire.CopyContextData{
		IsEpochValid:     true,
		Epoch:            historical,
		LastOperationLsn: 80,
	}
	d := Decide(pv, current, 500, ctxData, 10, false)
	if d.Kind != BuildPartial {
		t.Fatalf("got %v, want BuildPartial", d.Kind)
	}
	if d.CopyStartLsn != 81 {
		t.Errorf("got CopyStartLsn=%d, want 81", d.CopyStartLsn)
	}
	if d.FalseProgress {
		t.Error("did not expect FalseProgress for a legitimately matching historical epoch")
	}
}

func TestDecideFullCopyWhenSecondaryClaimsLsnBeyondCurrentEpochHistory(t *testing.T) {
	current := wire.Epoch{DataLossNumber: 1, ConfigurationNumber: 2}
	ctxData := wire.CopyContextData{
		IsEpochValid:     true,
		Epoch:            current,
		LastOperationLsn: 9999,
	}
	d := Decide(nil, current, 10, ctxData, 0, false)
	if d.Kind != BuildFullLogical {
		t.Fatalf("got %v, want BuildFullLogical", d.Kind)
	}
	if !d.FalseProgress {
		t.Error("expected FalseProgress when the secondary claims an lsn beyond the current epoch's known progress")
	}
}

func TestDecideFullCopyWhenSecondaryEpochHasDifferentDataLossNumber(t *testing.T) {
	current := wire.Epoch{DataLossNumber: 2, ConfigurationNumber: 1}
	ctxData := wire.CopyContextData{
		IsEpochValid:     true,
		Epoch:            wire.Epoch{DataLossNumber: 1, ConfigurationNumber: 1},
		LastOperationLsn: 5,
	}
	d := Decide(nil, current, 100, ctxData, 0, false)
	if d.Kind != BuildFullLogical {
		t.Fatalf("got %v, want BuildFullLogical", d.Kind)
	}
	if !d.FalseProgress {
		t.Error("expected FalseProgress on a data-loss-number mismatch")
	}
}

func TestDecideFullCopyWhenMatchingEpochLsnBelowLowWatermark(t *testing.T) {
	current := wire.Epoch{DataLossNumber: 1, ConfigurationNumber: 1}
	ctxData := wire.CopyContextData{
		IsEpochValid:     true,
		Epoch:            current,
		LastOperationLsn: 5,
	}
	d := Decide(nil, current, 100, ctxData, 50, false)
	if d.Kind != BuildFullLogical {
		t.Errorf("got %v, want BuildFullLogical because the matching epoch's lsn was already pruned", d.Kind)
	}
}

func TestDecideNoEpochMatchInHistoryForcesFullCopy(t *testing.T) {
	current := wire.Epoch{DataLossNumber: 1, ConfigurationNumber: 5}
	pv := []wire.ProgressVectorEntry{
		{Epoch: wire.Epoch{DataLossNumber: 1, ConfigurationNumber: 3}, LastLsnInEpoch: 100},
	}
	ctxData := wire.CopyContextData{
		IsEpochValid:     true,
		Epoch:            wire.Epoch{DataLossNumber: 1, ConfigurationNumber: 2},
		LastOperationLsn: 10,
	}
	d := Decide(pv, current, 500, ctxData, 0, false)
	if d.Kind != BuildFullLogical {
		t.Errorf("got %v, want BuildFullLogical when the secondary's epoch never appears in history", d.Kind)
	}
}

func TestDecidePrefersFileStreamOnFullCopyWhenEnabledAndSupported(t *testing.T) {
	current := wire.Epoch{DataLossNumber: 1, ConfigurationNumber: 1}
	ctxData := wire.CopyContextData{
		IsEpochValid:                  true,
		Epoch:                         current,
		LastOperationLsn:              5,
		IsFileStreamFullCopySupported: true,
	}
	d := Decide(nil, current, 100, ctxData, 50, true)
	if d.Kind != BuildFullFileStream {
		t.Errorf("got %v, want BuildFullFileStream", d.Kind)
	}
}
