// Package loopback is an in-process WireReplicator: it hands replicated
// batches straight from a primary's BeginReplicate call to a secondary's
// copy/replication streams over Go channels, with no network transport.
// It exists for tests and the demo binary, the way a reference
// implementation typically ships one trivial transport alongside the
// real interface boundary.
//
// A real wire replicator assigns an LSN and tags it onto the log entry
// before shipping the entry to followers, the way a Raft leader stamps
// its log index onto an AppendEntries record. Loopback does the same: it
// decodes the caller's AtomicOperation just enough to stamp the assigned
// LSN onto every operation before pushing it onto the replication
// stream, so the secondary pump applies rows at their real LSN instead
// of the zero placeholder the primary encoded before BeginReplicate
// returned.
package loopback

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kvreplica/engine/internal/wire"
	"github.com/kvreplica/engine/replicator"
)

type streamItem struct {
	metadata []byte
	eos      bool
}

// stream is a bounded FIFO of streamItem with a fault flag the pump can
// set to stop without tearing down the whole Loopback. Items carry no ack
// callback, so Ack on an operation read from it is a no-op.
type stream struct {
	ch      chan streamItem
	faulted atomic.Bool
}

func newStream(depth int) *stream {
	return &stream{ch: make(chan streamItem, depth)}
}

func (s *stream) Get(ctx context.Context) (replicator.StreamOperation, error) {
	select {
	case item, ok := <-s.ch:
		if !ok {
			return replicator.StreamOperation{}, context.Canceled
		}
		return replicator.StreamOperation{Metadata: item.metadata, EOS: item.eos}, nil
	case <-ctx.Done():
		return replicator.StreamOperation{}, ctx.Err()
	}
}

func (s *stream) ReportFault(transient bool) error {
	s.faulted.Store(true)
	return nil
}

func (s *stream) push(item streamItem) {
	s.ch <- item
}

// stampLsn re-encodes buf (an AtomicOperation produced by the primary
// replication pipeline) with every operation's OperationLsn set to the
// LSN BeginReplicate just assigned. Operations are encoded with a zero
// placeholder because the primary does not know the real LSN until
// BeginReplicate returns it; a real wire replicator tags its log entry
// with the assigned sequence number at the same point. If buf does not
// decode as an AtomicOperation it is forwarded unchanged, which only
// happens in tests that push raw bytes directly.
func stampLsn(buf []byte, lsn uint64) []byte {
	aop, err := wire.DecodeAtomicOperation(buf)
	if err != nil {
		return buf
	}
	for i := range aop.Operations {
		aop.Operations[i].OperationLsn = int64(lsn)
	}
	return wire.EncodeAtomicOperation(aop)
}

// Loopback is a WireReplicator backed entirely by in-memory channels: LSNs
// are assigned by a simple atomic counter and a batch is considered
// quorum-acked the instant it is pushed onto the replication stream
// (single-secondary, zero-latency quorum).
type Loopback struct {
	mu sync.Mutex

	nextLsn        uint64
	lastQuorumAcked uint64
	queuedOps      int64
	queuedBytes    int64

	copyStream *stream
	replStream *stream
	ctxStream  *stream

	faultCh chan replicator.FaultKind
}

func New() *Loopback {
	return &Loopback{
		copyStream: newStream(64),
		replStream: newStream(1024),
		ctxStream:  newStream(1),
		faultCh:    make(chan replicator.FaultKind, 16),
	}
}

func (l *Loopback) BeginReplicate(ctx context.Context, buf []byte) (uint64, <-chan replicator.CompletionResult, error) {
	l.mu.Lock()
	l.nextLsn++
	lsn := l.nextLsn
	l.queuedOps++
	l.queuedBytes += int64(len(buf))
	l.mu.Unlock()

	done := make(chan replicator.CompletionResult, 1)
	l.replStream.push(streamItem{metadata: stampLsn(buf, lsn)})

	l.mu.Lock()
	if lsn > l.lastQuorumAcked {
		l.lastQuorumAcked = lsn
	}
	l.queuedOps--
	l.queuedBytes -= int64(len(buf))
	l.mu.Unlock()

	done <- replicator.CompletionResult{}
	return lsn, done, nil
}

func (l *Loopback) ReportFault(kind replicator.FaultKind) error {
	select {
	case l.faultCh <- kind:
	default:
	}
	return nil
}

func (l *Loopback) GetCopyStream(ctx context.Context) (replicator.Stream, error) {
	return l.copyStream, nil
}

func (l *Loopback) GetReplicationStream(ctx context.Context) (replicator.Stream, error) {
	return l.replStream, nil
}

func (l *Loopback) GetReplicationQueueCounters() replicator.QueueCounters {
	l.mu.Lock()
	defer l.mu.Unlock()
	return replicator.QueueCounters{
		QueuedBytes:        l.queuedBytes,
		QueuedOps:          l.queuedOps,
		LastQuorumAckedLsn: l.lastQuorumAcked,
	}
}

// SendCopyContext pushes a secondary's encoded CopyContextData onto the
// single-slot context stream the primary's build server reads from.
func (l *Loopback) SendCopyContext(ctx context.Context, buf []byte) error {
	l.ctxStream.push(streamItem{metadata: buf})
	return nil
}

func (l *Loopback) GetCopyContextStream(ctx context.Context) (replicator.Stream, error) {
	return l.ctxStream, nil
}

// PushCopyPage feeds one page (already wire-encoded) into the copy stream;
// used by the primary's build server before the replication stream takes
// over. eos marks the final page.
func (l *Loopback) PushCopyPage(ctx context.Context, buf []byte, eos bool) error {
	l.copyStream.push(streamItem{metadata: buf, eos: eos})
	return nil
}

// Faults exposes reported faults for a supervisor to observe.
func (l *Loopback) Faults() <-chan replicator.FaultKind { return l.faultCh }
