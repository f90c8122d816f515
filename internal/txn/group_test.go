package txn

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/kvreplica/engine/internal/kverrors"
	"github.com/kvreplica/engine/internal/localstore"
	"github.com/kvreplica/engine/internal/wire"
)

func TestGroupFlushesWhenEveryMemberCommits(t *testing.T) {
	s := openTestStore(t)
	var gotOps []wire.ReplicationOperation
	flush := func(ctx context.Context, localTx *localstore.Tx, ops []wire.ReplicationOperation, activityID uuid.UUID) (uint64, error) {
		gotOps = ops
		if err := localTx.Commit(); err != nil {
			return 0, err
		}
		return 7, nil
	}
	g := NewGroup(s, flush, 1<<20)

	m1 := g.NewMember()
	m2 := g.NewMember()
	if err := m1.Put("orders", "k1", []byte("v1")); err != nil {
		t.Fatalf("m1.Put: %v", err)
	}
	if err := m2.Put("orders", "k2", []byte("v2")); err != nil {
		t.Fatalf("m2.Put: %v", err)
	}

	type result struct {
		lsn uint64
		err error
	}
	results := make(chan result, 2)
	go func() {
		lsn, err := m1.Commit(context.Background())
		results <- result{lsn, err}
	}()
	go func() {
		lsn, err := m2.Commit(context.Background())
		results <- result{lsn, err}
	}()

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Commit: %v", r.err)
		}
		if r.lsn != 7 {
			t.Errorf("got lsn=%d want 7", r.lsn)
		}
	}
	if len(gotOps) != 2 {
		t.Errorf("expected flush to see both members' ops, got %d", len(gotOps))
	}
}

func TestGroupFlushesOnSizeBudget(t *testing.T) {
	s := openTestStore(t)
	flushed := make(chan struct{}, 1)
	flush := func(ctx context.Context, localTx *localstore.Tx, ops []wire.ReplicationOperation, activityID uuid.UUID) (uint64, error) {
		close(flushed)
		return 1, localTx.Commit()
	}
	g := NewGroup(s, flush, 4) // tiny budget, one Put should exceed it

	m := g.NewMember()
	if err := m.Put("orders", "k1", []byte("payload-bigger-than-budget")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	select {
	case <-flushed:
	default:
		t.Fatal("expected size budget to trigger flush synchronously within Put")
	}
}

func TestGroupRejectsDuplicateKeyAcrossMembers(t *testing.T) {
	s := openTestStore(t)
	flush := func(ctx context.Context, localTx *localstore.Tx, ops []wire.ReplicationOperation, activityID uuid.UUID) (uint64, error) {
		return 1, localTx.Commit()
	}
	g := NewGroup(s, flush, 1<<20)
	m1 := g.NewMember()
	m2 := g.NewMember()
	if err := m1.Put("orders", "k1", []byte("v1")); err != nil {
		t.Fatalf("m1.Put: %v", err)
	}
	err := m2.Put("orders", "k1", []byte("v2"))
	if err == nil {
		t.Fatal("expected duplicate key across members to fail")
	}
	var conflict *kverrors.WriteConflictError
	if got, ok := err.(*kverrors.WriteConflictError); ok {
		conflict = got
	}
	if conflict == nil {
		t.Errorf("expected WriteConflictError, got %T: %v", err, err)
	}
}

func TestGroupCommitAfterFlushReturnsCachedResult(t *testing.T) {
	s := openTestStore(t)
	flush := func(ctx context.Context, localTx *localstore.Tx, ops []wire.ReplicationOperation, activityID uuid.UUID) (uint64, error) {
		return 55, localTx.Commit()
	}
	g := NewGroup(s, flush, 1<<20)
	m := g.NewMember()
	if err := m.Put("orders", "k1", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	lsn1, err := m.Commit(context.Background())
	if err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	lsn2, err := m.Commit(context.Background())
	if err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if lsn1 != 55 || lsn2 != 55 {
		t.Errorf("expected both commits to see lsn 55, got %d and %d", lsn1, lsn2)
	}
}
