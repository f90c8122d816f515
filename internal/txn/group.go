package txn

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/kvreplica/engine/internal/kverrors"
	"github.com/kvreplica/engine/internal/localstore"
	"github.com/kvreplica/engine/internal/wire"
)

// FlushFunc drives the actual replicate-and-commit dance (owned by
// internal/replication) over the group's accumulated operations. It
// returns the assigned LSN once the batch is durably committed.
type FlushFunc func(ctx context.Context, localTx *localstore.Tx, ops []wire.ReplicationOperation, activityID uuid.UUID) (uint64, error)

// Group coalesces many small user transactions into one replicated batch
// to amortize replication cost. A shared inner tx is kept under a lock;
// each member appends its operations, then the group's commit fires a
// single replicate call. The group flushes when either the size budget
// is exceeded or every member that joined before the flush decision has
// asked to commit.
type Group struct {
	mu          sync.Mutex
	cond        *sync.Cond
	store       *localstore.Store
	flush       FlushFunc
	sizeBudget  int
	activityID  uuid.UUID

	localTx      *localstore.Tx
	ops          []wire.ReplicationOperation
	seenKeys     map[string]struct{}
	currentBytes int
	memberCount  int
	commitWants  int
	flushed      bool
	flushLsn     uint64
	flushErr     error
}

func NewGroup(store *localstore.Store, flush FlushFunc, sizeBudget int) *Group {
	g := &Group{
		store:      store,
		flush:      flush,
		sizeBudget: sizeBudget,
		localTx:    store.CreateTransaction(),
		seenKeys:   make(map[string]struct{}),
		activityID: uuid.New(),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Member is one user transaction's view into a shared Group.
type Member struct {
	group    *Group
	wantsCommit bool
}

func (g *Group) NewMember() *Member {
	g.mu.Lock()
	g.memberCount++
	g.mu.Unlock()
	return &Member{group: g}
}

func dedupKey(typ, key string) string { return typ + "\x00" + key }

// Put buffers an insert-or-update from a member. A duplicate (type,key)
// write across group members is rejected with WriteConflict.
func (m *Member) Put(typ, key string, value []byte) error {
	g := m.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.flushed {
		return kverrors.ErrObjectClosed
	}
	dk := dedupKey(typ, key)
	if _, dup := g.seenKeys[dk]; dup {
		return &kverrors.WriteConflictError{Type: typ, Key: key, Note: "duplicate write within simple transaction group"}
	}
	g.seenKeys[dk] = struct{}{}

	existed := false
	if _, _, err := g.localTx.ReadExact(typ, key); err == nil {
		existed = true
	}
	var werr error
	if existed {
		werr = g.localTx.Update(typ, key, nil, "", value, 0, nil)
	} else {
		werr = g.localTx.Insert(typ, key, value, 0, nil)
	}
	if werr != nil {
		return werr
	}
	kind := wire.OpInsert
	if existed {
		kind = wire.OpUpdate
	}
	g.ops = append(g.ops, wire.ReplicationOperation{Kind: kind, Type: typ, Key: key, Bytes: value})
	g.currentBytes += len(value) + len(typ) + len(key)
	if g.currentBytes >= g.sizeBudget {
		g.flushLocked()
	}
	return nil
}

// Delete buffers a delete from a member.
func (m *Member) Delete(typ, key string) error {
	g := m.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.flushed {
		return kverrors.ErrObjectClosed
	}
	dk := dedupKey(typ, key)
	if _, dup := g.seenKeys[dk]; dup {
		return &kverrors.WriteConflictError{Type: typ, Key: key, Note: "duplicate write within simple transaction group"}
	}
	g.seenKeys[dk] = struct{}{}
	if err := g.localTx.Delete(typ, key, nil); err != nil {
		return err
	}
	g.ops = append(g.ops, wire.ReplicationOperation{Kind: wire.OpDelete, Type: typ, Key: key})
	return nil
}

// Commit requests that the group commit. It blocks until the group
// actually flushes (size budget exceeded by this or another member, or
// every joined member has requested commit) and returns the shared
// result.
func (m *Member) Commit(ctx context.Context) (uint64, error) {
	g := m.group
	g.mu.Lock()
	if m.wantsCommit {
		g.mu.Unlock()
		return g.waitForFlush(ctx)
	}
	m.wantsCommit = true
	g.commitWants++
	if g.commitWants >= g.memberCount {
		g.flushLocked()
	}
	g.mu.Unlock()
	return g.waitForFlush(ctx)
}

func (g *Group) waitForFlush(ctx context.Context) (uint64, error) {
	done := make(chan struct{})
	go func() {
		g.mu.Lock()
		for !g.flushed {
			g.cond.Wait()
		}
		g.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.flushLsn, g.flushErr
	case <-ctx.Done():
		return 0, kverrors.ErrTimeout
	}
}

// flushLocked must be called with g.mu held exactly once per group.
func (g *Group) flushLocked() {
	if g.flushed {
		return
	}
	g.flushed = true
	ops := g.ops
	localTx := g.localTx
	activityID := g.activityID
	g.mu.Unlock()
	lsn, err := g.flush(context.Background(), localTx, ops, activityID)
	g.mu.Lock()
	g.flushLsn, g.flushErr = lsn, err
	g.cond.Broadcast()
}
