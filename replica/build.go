package replica

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/kvreplica/engine/internal/config"
	"github.com/kvreplica/engine/internal/copyprotocol"
	"github.com/kvreplica/engine/internal/health"
	"github.com/kvreplica/engine/internal/localstore"
	"github.com/kvreplica/engine/internal/logging"
	"github.com/kvreplica/engine/internal/progress"
	"github.com/kvreplica/engine/internal/wire"
	"github.com/kvreplica/engine/replicator"
)

// buildServer is the primary side of the copy protocol (C7): it reads a
// secondary's CopyContextData handshake off the wire replicator's copy
// context stream, decides a build kind, and pages the resulting copy
// stream until the secondary has caught up far enough to swap onto the
// replication stream.
type buildServer struct {
	wire     replicator.WireReplicator
	store    *localstore.Store
	cfg      config.Config
	log      *logging.Logger
	health   *health.Reporter
	builders *copyprotocol.BuilderManager

	currentEpoch func() wire.Epoch
}

func newBuildServer(wr replicator.WireReplicator, store *localstore.Store, cfg config.Config, log *logging.Logger, h *health.Reporter, builders *copyprotocol.BuilderManager, currentEpoch func() wire.Epoch) *buildServer {
	return &buildServer{
		wire:         wr,
		store:        store,
		cfg:          cfg,
		log:          log,
		health:       h,
		builders:     builders,
		currentEpoch: currentEpoch,
	}
}

// run repeatedly serves one copy-context handshake and build at a time
// until ctx is cancelled. A failed build is logged and retried after a
// short delay rather than torn down, since a single bad handshake (e.g. a
// secondary that disconnects mid-build) shouldn't stop this primary from
// serving the next one.
func (b *buildServer) run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := b.serveOnce(ctx); err != nil && ctx.Err() == nil {
			b.log.Warn("copy build attempt failed", "err", err)
			select {
			case <-time.After(b.cfg.CopyLsnRetryDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

// serveOnce reads exactly one CopyContextData handshake, decides a build
// kind against it, and pages (or streams) the build to completion.
func (b *buildServer) serveOnce(ctx context.Context) error {
	ctxStream, err := b.wire.GetCopyContextStream(ctx)
	if err != nil {
		return err
	}
	ctxData, err := copyprotocol.ReadContext(ctx, ctxStream)
	if err != nil {
		return err
	}

	tx := b.store.CreateTransaction()
	defer tx.Rollback()

	pv, err := progress.ReadEpochHistory(tx)
	if err != nil {
		return err
	}
	lw, err := progress.ReadTombstoneLowWatermark(tx)
	if err != nil {
		return err
	}
	uptoLsn, err := tx.GetLastChangeOperationLSN()
	if err != nil {
		return err
	}

	decision := copyprotocol.Decide(pv, b.currentEpoch(), uptoLsn, ctxData, lw, b.cfg.FileStreamEnabled)
	if decision.FalseProgress && b.health != nil {
		b.health.RecordFalseProgress()
	}
	if decision.TooStale && b.health != nil {
		b.health.RecordStaleSecondary()
	}

	if decision.Kind == copyprotocol.BuildFullFileStream {
		if err := b.serveFileStream(ctx, uptoLsn); err == nil {
			return nil
		}
		// Fall back to a logical full copy: the file-stream attempt may
		// have failed because the concurrent-builder ceiling is
		// saturated, which is not fatal to this handshake.
		decision = copyprotocol.Decision{Kind: copyprotocol.BuildFullLogical, CopyStartLsn: 0}
	}
	return b.servePages(ctx, tx, decision, uptoLsn, pv)
}

// servePages builds a logical copy (full, partial, or promoted
// partial-snapshot) and pushes it page by page until exhausted.
func (b *buildServer) servePages(ctx context.Context, tx *localstore.Tx, decision copyprotocol.Decision, uptoLsn uint64, pv []wire.ProgressVectorEntry) error {
	ps, err := copyprotocol.NewPageSource(ctx, tx, decision.CopyStartLsn, uptoLsn, b.cfg, decision.Kind, pv)
	if err != nil {
		return err
	}
	defer ps.Close()

	for {
		page, done, err := ps.Next()
		if err != nil {
			return err
		}
		// The page returned alongside done=true still carries real rows
		// (the trailing metadata, and possibly the last batch of data
		// rows); a StreamOperation with EOS set is treated by the pump as
		// a content-free terminator, so the last page is pushed like any
		// other and the EOS marker follows as its own empty item.
		if err := b.wire.PushCopyPage(ctx, wire.EncodeCopyOperation(page), false); err != nil {
			return err
		}
		if done {
			return b.wire.PushCopyPage(ctx, nil, true)
		}
	}
}

// serveFileStream acquires (or joins) a physical checkpoint archive for
// uptoLsn and streams it as compressed chunks.
func (b *buildServer) serveFileStream(ctx context.Context, uptoLsn uint64) error {
	workDir := b.cfg.FileStreamWorkDir
	if workDir == "" {
		workDir = filepath.Join(b.store.Dir(), ".filestream")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return err
	}
	archivePath, err := b.builders.Acquire(ctx, b.store, uptoLsn, workDir)
	if err != nil {
		return err
	}
	err = copyprotocol.ChunkFile(archivePath, b.cfg.FileStreamChunkSize, wire.CopyTypeFileStreamFullCopy, uptoLsn, func(op wire.CopyOperation) error {
		// As in servePages, the last chunk's bytes must reach the pump
		// decoded before EOS is observed, so every chunk (including the
		// last) is pushed with eos=false.
		return b.wire.PushCopyPage(ctx, wire.EncodeCopyOperation(op), false)
	})
	if err != nil {
		return err
	}
	return b.wire.PushCopyPage(ctx, nil, true)
}
