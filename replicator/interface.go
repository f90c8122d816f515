// Package replicator defines the wire replicator boundary consumed by
// the primary replication pipeline and the secondary pump.
// The wire replicator itself — the low-level transport that moves opaque
// operation blobs and grants read/write status — is an external
// collaborator; this package only names the interface.
package replicator

import "context"

// CompletionResult is delivered once a BeginReplicate call's batch has
// either been acked by a write quorum or failed.
type CompletionResult struct {
	Err error
}

// StreamOperation is one item off a copy or replication stream: a
// metadata/payload pair the pump or copy protocol decodes, or an
// end-of-stream sentinel.
type StreamOperation struct {
	Metadata []byte
	Payload  []byte
	EOS      bool
	ack      func() error
}

// Ack acknowledges this stream operation. EOS must always be acked even
// if local processing of it failed.
func (o StreamOperation) Ack() error {
	if o.ack == nil {
		return nil
	}
	return o.ack()
}

// Stream is a copy or replication stream as exposed by get_copy_stream /
// get_replication_stream.
type Stream interface {
	// Get blocks for the next operation, or returns ctx.Err() if ctx is
	// done first.
	Get(ctx context.Context) (StreamOperation, error)
	// ReportFault marks this specific stream faulted so the pump can
	// drain without the wire replicator tearing down the whole
	// replicator.
	ReportFault(transient bool) error
}

// QueueCounters reports the wire replicator's outstanding replication
// queue depth, consumed by internal/health's throttle.
type QueueCounters struct {
	QueuedBytes        int64
	QueuedOps          int64
	LastQuorumAckedLsn uint64
}

// FaultKind distinguishes a transient fault (the replica should retry /
// transition away from primary) from a permanent one.
type FaultKind int

const (
	FaultTransient FaultKind = iota
	FaultPermanent
)

// WireReplicator is the interface consumed from the replica.
type WireReplicator interface {
	// BeginReplicate synchronously assigns an LSN to buf and returns a
	// channel that fires once a write quorum acks (or the attempt
	// fails).
	BeginReplicate(ctx context.Context, buf []byte) (lsn uint64, done <-chan CompletionResult, err error)
	ReportFault(kind FaultKind) error
	GetCopyStream(ctx context.Context) (Stream, error)
	GetReplicationStream(ctx context.Context) (Stream, error)
	GetReplicationQueueCounters() QueueCounters

	// SendCopyContext is called once by an idle secondary, before it
	// starts draining GetCopyStream, to push its encoded CopyContextData
	// upstream.
	SendCopyContext(ctx context.Context, buf []byte) error
	// GetCopyContextStream is read once by the primary's build server to
	// receive a secondary's CopyContextData handshake.
	GetCopyContextStream(ctx context.Context) (Stream, error)
	// PushCopyPage delivers one already wire-encoded copy page onto the
	// stream a secondary drains via GetCopyStream; eos marks the
	// terminal page of the build.
	PushCopyPage(ctx context.Context, buf []byte, eos bool) error
}
