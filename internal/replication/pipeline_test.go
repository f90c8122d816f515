package replication

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kvreplica/engine/internal/config"
	"github.com/kvreplica/engine/internal/localstore"
	"github.com/kvreplica/engine/internal/logging"
	"github.com/kvreplica/engine/internal/tombstone"
	"github.com/kvreplica/engine/internal/wire"
	"github.com/kvreplica/engine/replicator/loopback"
)

func testLogger() *logging.Logger {
	return logging.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T) (*Pipeline, *localstore.Store) {
	t.Helper()
	store, err := localstore.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	lb := loopback.New()
	tomb := tombstone.NewTracker(1<<30, func() {})
	return NewPipeline(lb, store, config.Default(), testLogger(), nil, tomb), store
}

func TestCommitReadOnlyRollsBackAndReturnsZero(t *testing.T) {
	p, store := newTestPipeline(t)
	tx := store.CreateTransaction()
	lsn, err := p.Commit(context.Background(), tx, nil, uuid.New())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if lsn != 0 {
		t.Errorf("got lsn=%d, want 0 for a read-only commit", lsn)
	}
}

func TestCommitInsertStampsRealLSNAndPersists(t *testing.T) {
	p, store := newTestPipeline(t)
	tx := store.CreateTransaction()
	if err := tx.Insert("orders", "k1", []byte("v1"), 0, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	ops := []wire.ReplicationOperation{{Kind: wire.OpInsert, Type: "orders", Key: "k1", Bytes: []byte("v1")}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lsn, err := p.Commit(ctx, tx, ops, uuid.New())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if lsn == 0 {
		t.Fatal("expected a non-zero assigned lsn")
	}

	readTx := store.CreateTransaction()
	defer readTx.Rollback()
	_, gotLsn, err := readTx.ReadExact("orders", "k1")
	if err != nil {
		t.Fatalf("ReadExact: %v", err)
	}
	if gotLsn != lsn {
		t.Errorf("got stored lsn=%d, want the committed lsn=%d", gotLsn, lsn)
	}
}

func TestCommitDeleteInsertsTombstone(t *testing.T) {
	p, store := newTestPipeline(t)

	seedTx := store.CreateTransaction()
	if err := seedTx.Insert("orders", "k1", []byte("v1"), 0, nil); err != nil {
		t.Fatalf("seed Insert: %v", err)
	}
	if err := seedTx.Commit(); err != nil {
		t.Fatalf("seed Commit: %v", err)
	}

	tx := store.CreateTransaction()
	if err := tx.Delete("orders", "k1", nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ops := []wire.ReplicationOperation{{Kind: wire.OpDelete, Type: "orders", Key: "k1"}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lsn, err := p.Commit(ctx, tx, ops, uuid.New())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	readTx := store.CreateTransaction()
	defer readTx.Rollback()
	enum, err := readTx.EnumerateByTypeAndKey(wire.ReplicationTombstoneType, "")
	if err != nil {
		t.Fatalf("EnumerateByTypeAndKey: %v", err)
	}
	defer enum.Close()
	found := false
	for enum.Valid() {
		item, err := enum.Current()
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		if l, _, ok := tombstone.ParseKey(item.Key); ok && l == lsn {
			found = true
		}
		enum.Advance()
	}
	if !found {
		t.Errorf("expected a tombstone row keyed at lsn=%d", lsn)
	}
}

func TestConcurrentCommitsAssignDistinctLSNs(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	const n = 5
	results := make(chan uint64, n)
	for i := 0; i < n; i++ {
		tx := store.CreateTransaction()
		key := string(rune('a' + i))
		if err := tx.Insert("orders", key, []byte(key), 0, nil); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		ops := []wire.ReplicationOperation{{Kind: wire.OpInsert, Type: "orders", Key: key, Bytes: []byte(key)}}
		go func() {
			lsn, err := p.Commit(ctx, tx, ops, uuid.New())
			if err != nil {
				t.Errorf("Commit: %v", err)
			}
			results <- lsn
		}()
	}

	seen := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		select {
		case lsn := <-results:
			seen[lsn] = true
		case <-ctx.Done():
			t.Fatal("timed out waiting for all commits to complete")
		}
	}
	if len(seen) != n {
		t.Errorf("expected %d distinct assigned lsns, got %d", n, len(seen))
	}
}
