// Package replica wires C1-C10 together behind the lifecycle interface a
// host process drives: Open, ChangeRole, Close, OnDataLoss, UpdateEpoch.
package replica

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/kvreplica/engine/internal/config"
	"github.com/kvreplica/engine/internal/copyprotocol"
	"github.com/kvreplica/engine/internal/health"
	"github.com/kvreplica/engine/internal/localstore"
	"github.com/kvreplica/engine/internal/logging"
	"github.com/kvreplica/engine/internal/notify"
	"github.com/kvreplica/engine/internal/progress"
	"github.com/kvreplica/engine/internal/pump"
	"github.com/kvreplica/engine/internal/replication"
	"github.com/kvreplica/engine/internal/statemachine"
	"github.com/kvreplica/engine/internal/tombstone"
	"github.com/kvreplica/engine/internal/wire"
	"github.com/kvreplica/engine/replicator"
)

// Role is the role a host requests via ChangeRole.
type Role int

const (
	RolePrimary Role = iota
	RoleIdle
	RoleActive
	RoleNone
)

// Replica owns one partition's local store and coordinates its role
// between the primary replication pipeline and the secondary pump.
type Replica struct {
	store *localstore.Store
	cfg   config.Config
	log   *logging.Logger
	wire  replicator.WireReplicator

	fsm      *statemachine.Machine
	tomb     *tombstone.Tracker
	health   *health.Reporter
	notifyM  *notify.Manager
	builders *copyprotocol.BuilderManager
	pipeline *Pipeline
	replicaID uint64

	mu           sync.Mutex
	currentEpoch wire.Epoch
	pumpCancel   context.CancelFunc
	pumpDone     chan struct{}
	buildCancel  context.CancelFunc
	buildDone    chan struct{}
}

// Pipeline is the replication.Pipeline alias kept local so replica package
// callers don't need to import internal/replication directly.
type Pipeline = replication.Pipeline

// Open creates or opens the local store at dir and brings the state
// machine to Opened.
func Open(dir string, wr replicator.WireReplicator, cfg config.Config, log *logging.Logger) (*Replica, error) {
	if log == nil {
		log = logging.NewDefault()
	}
	store, err := localstore.Open(dir, log)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	h := health.NewReporter(nil, log, cfg.SlowCommitHistoryDepth, cfg.SlowCommitTimeThreshold)

	var notifyM *notify.Manager
	if cfg.NotifyMode != notify.None {
		notifyM = notify.NewManager(cfg.NotifyMode, cfg.NotifyHandler, cfg.NotificationQueueDepth)
		if cfg.NotifyMode == notify.NonBlockingQuorumAcked {
			go notifyM.RunDeliveryLoop()
		}
	}

	r := &Replica{
		store:     store,
		cfg:       cfg,
		log:       log,
		wire:      wr,
		fsm:       statemachine.New(),
		health:    h,
		notifyM:   notifyM,
		builders:  copyprotocol.NewBuilderManager(cfg.MaxConcurrentBuilders),
		replicaID: replicaIDFromDir(dir),
	}
	r.tomb = tombstone.NewTracker(cfg.TombstonePruneThreshold, r.runPrune)

	tx := store.CreateTransaction()
	epoch, err := progress.ReadCurrentEpoch(tx)
	_ = tx.Rollback()
	if err != nil {
		return nil, err
	}
	r.currentEpoch = epoch

	if err := r.fsm.Open(); err != nil {
		return nil, err
	}
	return r, nil
}

// replicaIDFromDir derives a stable replica identity from the local
// store's own directory, so a restarted process reports the same
// ReplicaID in its CopyContextData handshake instead of a fresh random
// one every time.
func replicaIDFromDir(dir string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(dir))
	return h.Sum64()
}

func (r *Replica) runPrune() {
	tx := r.store.CreateTransaction()
	lw, err := progress.ReadTombstoneLowWatermark(tx)
	if err != nil {
		_ = tx.Rollback()
		return
	}
	if _, err := tombstone.Prune(tx, lw); err != nil {
		_ = tx.Rollback()
		return
	}
	if err := tx.Commit(); err != nil {
		r.log.Warn("tombstone prune commit failed", "err", err)
	}
}

// ChangeRole drives the state machine and (de)activates the primary
// pipeline or secondary pump accordingly.
func (r *Replica) ChangeRole(ctx context.Context, role Role) error {
	switch role {
	case RolePrimary:
		if err := r.fsm.ChangePrimary(); err != nil {
			return err
		}
		r.stopPump()
		r.mu.Lock()
		r.pipeline = replication.NewPipeline(r.wire, r.store, r.cfg, r.log, r.health, r.tomb)
		r.mu.Unlock()
		r.startBuild(ctx)
		return nil
	case RoleActive, RoleIdle:
		if err := r.fsm.ChangeSecondary(); err != nil {
			return err
		}
		r.stopBuild()
		r.mu.Lock()
		r.pipeline = nil
		r.mu.Unlock()
		r.startPump(ctx)
		return nil
	case RoleNone:
		return r.Close()
	default:
		return fmt.Errorf("unknown role %d", role)
	}
}

func (r *Replica) startPump(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.pumpCancel = cancel
	r.pumpDone = make(chan struct{})
	done := r.pumpDone
	r.mu.Unlock()

	p := pump.New(r.store, r.cfg, r.log, r.notifyM)
	go func() {
		defer close(done)
		defer r.fsm.SecondaryPumpClosed()

		if err := r.sendCopyContext(ctx); err != nil {
			r.log.Warn("send copy context failed", "err", err)
			return
		}
		copyStream, err := r.wire.GetCopyStream(ctx)
		if err != nil {
			r.log.Warn("get copy stream failed", "err", err)
			return
		}
		if err := p.RunCopy(ctx, copyStream); err != nil {
			r.log.Warn("copy phase ended", "err", err)
			return
		}
		r.fireCopyComplete()
		replStream, err := r.wire.GetReplicationStream(ctx)
		if err != nil {
			r.log.Warn("get replication stream failed", "err", err)
			return
		}
		if err := p.RunReplication(ctx, replStream); err != nil {
			r.log.Info("replication pump stopped", "err", err)
		}
	}()
}

// sendCopyContext pushes this replica's self-described build progress
// upstream so the primary's build server can decide a full, partial, or
// file-stream copy for it.
func (r *Replica) sendCopyContext(ctx context.Context) error {
	tx := r.store.CreateTransaction()
	lastLsn, err := tx.GetLastChangeOperationLSN()
	_ = tx.Rollback()
	if err != nil {
		return err
	}

	r.mu.Lock()
	epoch := r.currentEpoch
	r.mu.Unlock()

	ctxData := copyprotocol.NewContext(r.replicaID, epoch, epoch != (wire.Epoch{}), int64(lastLsn), r.cfg.FileStreamEnabled)
	return r.wire.SendCopyContext(ctx, wire.EncodeCopyContextData(ctxData))
}

// fireCopyComplete hands the post-copy IStoreEnumerator to the
// configured handler exactly once, right before the pump swaps from the
// copy stream onto the replication stream.
func (r *Replica) fireCopyComplete() {
	if r.cfg.OnCopyComplete == nil {
		return
	}
	enum, err := notify.NewEnumerator(r.store)
	if err != nil {
		r.log.Warn("copy-complete enumerator failed", "err", err)
		return
	}
	defer enum.Release()
	r.cfg.OnCopyComplete(enum)
}

func (r *Replica) stopPump() {
	r.mu.Lock()
	cancel := r.pumpCancel
	done := r.pumpDone
	r.pumpCancel = nil
	r.pumpDone = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// startBuild launches the primary-side build server that serves copy
// builds to whichever secondaries send a CopyContextData handshake.
func (r *Replica) startBuild(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.buildCancel = cancel
	r.buildDone = make(chan struct{})
	done := r.buildDone
	r.mu.Unlock()

	bs := newBuildServer(r.wire, r.store, r.cfg, r.log, r.health, r.builders, r.epochSnapshot)
	go func() {
		defer close(done)
		bs.run(ctx)
	}()
}

func (r *Replica) stopBuild() {
	r.mu.Lock()
	cancel := r.buildCancel
	done := r.buildDone
	r.buildCancel = nil
	r.buildDone = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (r *Replica) epochSnapshot() wire.Epoch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentEpoch
}

// Pipeline exposes the active primary pipeline, or nil if this replica is
// not currently primary.
func (r *Replica) Pipeline() *Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pipeline
}

// Machine exposes the underlying state machine for StartTransaction /
// FinishTransaction bracketing around a primary-side commit.
func (r *Replica) Machine() *statemachine.Machine { return r.fsm }

// Store exposes the underlying local store so a caller can open
// transactions to pass into the active Pipeline's Commit.
func (r *Replica) Store() *localstore.Store { return r.store }

// UpdateEpoch advances the cached and persisted current epoch.
func (r *Replica) UpdateEpoch(newEpoch wire.Epoch, previousEpochLastLsn int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := r.store.CreateTransaction()
	updated, err := copyprotocol.UpdateEpoch(tx, r.currentEpoch, newEpoch, previousEpochLastLsn, r.cfg.MaxEpochHistoryLength)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.currentEpoch = updated
	return nil
}

// OnDataLoss is invoked by the host when this replica is chosen as the new
// primary after a quorum loss; it clears any pending reconfiguration and
// reports whether a visible state change occurred.
func (r *Replica) OnDataLoss() bool {
	before := r.fsm.State()
	_ = r.fsm.ChangePrimary()
	return r.fsm.State() != before
}

// Close drains any active pump and closes the local store.
func (r *Replica) Close() error {
	if err := r.fsm.Close(); err != nil {
		return err
	}
	r.stopPump()
	r.stopBuild()
	if r.notifyM != nil {
		r.notifyM.Close()
	}
	return r.store.Close()
}
