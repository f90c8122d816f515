// Package config holds every tunable used by the replication pipeline, the
// secondary pump, and the copy protocol, in the style of a single
// top-level Options struct with a Default constructor.
package config

import (
	"time"

	"github.com/kvreplica/engine/internal/notify"
)

type Config struct {
	// Tombstones
	TombstonePruneThreshold int // pending tombstone count that schedules a prune job

	// Transaction layer
	SimpleGroupSizeBudget int // bytes; group commits once exceeded

	// Replication pipeline
	SlowCommitTimeThreshold time.Duration
	SlowCommitHistoryDepth  int // ring buffer length for health reporting

	// Throttle
	ThrottleQueuedBytesCeiling int64
	ThrottleQueuedOpsCeiling   int64
	ThrottleRefreshEvery       int           // refresh counters every N completed replications
	ThrottleRefreshInterval    time.Duration // or on this periodic timer, whichever first

	// Copy protocol
	TargetCopyOperationSize int64 // page size budget, bytes
	MaxWaitForCopyLsnRetry  int
	CopyLsnRetryDelay       time.Duration
	MaxEpochHistoryLength   int
	FileStreamEnabled       bool
	MaxConcurrentBuilders   int
	FileStreamChunkSize     int64
	// FileStreamWorkDir stages checkpoint archives and incoming chunk
	// reassembly; empty means derive a ".filestream" subdirectory of the
	// local store's own directory.
	FileStreamWorkDir string

	// Secondary pump
	ApplyRetryCount int
	ApplyRetryDelay time.Duration

	// Notification manager
	NotificationQueueDepth int
	NotifyMode             notify.Mode
	NotifyHandler          notify.Handler
	// OnCopyComplete, if set, receives the one-shot post-copy enumerator
	// handoff once a secondary finishes its build and swaps onto the
	// replication stream.
	OnCopyComplete func(*notify.Enumerator)
}

func Default() Config {
	return Config{
		TombstonePruneThreshold: 10_000,

		SimpleGroupSizeBudget: 4 * 1024 * 1024,

		SlowCommitTimeThreshold: 500 * time.Millisecond,
		SlowCommitHistoryDepth:  64,

		ThrottleQueuedBytesCeiling: 64 * 1024 * 1024,
		ThrottleQueuedOpsCeiling:   10_000,
		ThrottleRefreshEvery:       100,
		ThrottleRefreshInterval:    250 * time.Millisecond,

		TargetCopyOperationSize: 4 * 1024 * 1024,
		MaxWaitForCopyLsnRetry:  50,
		CopyLsnRetryDelay:       100 * time.Millisecond,
		MaxEpochHistoryLength:   100,
		FileStreamEnabled:       true,
		MaxConcurrentBuilders:   2,
		FileStreamChunkSize:     4 * 1024 * 1024,

		ApplyRetryCount: 5,
		ApplyRetryDelay: 20 * time.Millisecond,

		NotificationQueueDepth: 1024,
	}
}
