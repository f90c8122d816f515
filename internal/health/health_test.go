package health

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kvreplica/engine/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSink struct {
	reports []Report
}

func (f *fakeSink) Report(r Report) { f.reports = append(f.reports, r) }

func TestRecordCommitEmitsSlowCommitReportOnceRingIsFull(t *testing.T) {
	sink := &fakeSink{}
	r := NewReporter(nil, testLogger(), 3, time.Second, sink)

	r.RecordCommit(10 * time.Millisecond)
	r.RecordCommit(10 * time.Millisecond)
	if len(sink.reports) != 0 {
		t.Fatalf("expected no report before the ring buffer fills, got %d", len(sink.reports))
	}
	r.RecordCommit(10 * time.Millisecond)
	if len(sink.reports) != 1 {
		t.Fatalf("expected exactly one report once the ring fills within the threshold window, got %d", len(sink.reports))
	}
	if sink.reports[0].Code != "ReplicaSlowCommit" {
		t.Errorf("got code %q, want ReplicaSlowCommit", sink.reports[0].Code)
	}
	if !sink.reports[0].Stateful {
		t.Error("expected the slow-commit report to be marked stateful")
	}
}

func TestRecordCommitNoReportWhenSpreadExceedsThreshold(t *testing.T) {
	sink := &fakeSink{}
	r := NewReporter(nil, testLogger(), 2, time.Nanosecond, sink)
	r.RecordCommit(time.Microsecond)
	time.Sleep(time.Millisecond)
	r.RecordCommit(time.Microsecond)
	if len(sink.reports) != 0 {
		t.Errorf("expected no report once the commit spread exceeds the threshold, got %d", len(sink.reports))
	}
}

func TestRecordFatalEmitsNonStatefulReport(t *testing.T) {
	sink := &fakeSink{}
	r := NewReporter(nil, testLogger(), 10, time.Second, sink)
	r.RecordFatal("PathTooLong", "store path exceeds the platform limit")
	if len(sink.reports) != 1 {
		t.Fatalf("expected exactly one report, got %d", len(sink.reports))
	}
	if sink.reports[0].Stateful {
		t.Error("expected RecordFatal's report to be one-shot, not stateful")
	}
	if sink.reports[0].Code != "PathTooLong" {
		t.Errorf("got code %q", sink.reports[0].Code)
	}
}

func TestEmitFansOutToAllSinks(t *testing.T) {
	a, b := &fakeSink{}, &fakeSink{}
	r := NewReporter(nil, testLogger(), 10, time.Second, a, b)
	r.RecordFatal("X", "y")
	if len(a.reports) != 1 || len(b.reports) != 1 {
		t.Errorf("expected both sinks to receive the report, got a=%d b=%d", len(a.reports), len(b.reports))
	}
}

func TestSentrySinkSkipsStatefulReports(t *testing.T) {
	sink := SentrySink{Tags: map[string]string{"replica": "test"}}
	// Stateful reports must be dropped before any Sentry call is attempted;
	// this only verifies the early return does not panic absent a
	// configured Sentry client.
	sink.Report(Report{Code: "X", Stateful: true})
}
