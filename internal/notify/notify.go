// Package notify implements the notification manager (C9): delivering
// applied batches to a user-registered handler in one of three modes,
// and the one-shot post-copy enumerator handoff.
package notify

import (
	"container/list"
	"sync"

	"github.com/kvreplica/engine/internal/kverrors"
	"github.com/kvreplica/engine/internal/localstore"
	"github.com/kvreplica/engine/internal/wire"
)

// Mode selects delivery semantics.
type Mode int

const (
	None Mode = iota
	BlockSecondaryAck
	NonBlockingQuorumAcked
)

// Batch is one applied replication batch offered to the user handler.
type Batch struct {
	Lsn uint64
	Ops []wire.ReplicationOperation
}

// Handler is the user-registered callback. An error returned from a
// BlockSecondaryAck handler transient-faults the replica (the caller is
// expected to call replicator.ReportFault).
type Handler func(Batch) error

// Manager buffers and delivers applied batches per Mode.
type Manager struct {
	mode    Mode
	handler Handler

	mu         sync.Mutex
	cond       *sync.Cond
	pending    *list.List // of Batch, ordered by LSN
	lastAcked  uint64
	depth      int
	maxDepth   int
	closed     bool
}

func NewManager(mode Mode, handler Handler, maxDepth int) *Manager {
	m := &Manager{mode: mode, handler: handler, pending: list.New(), maxDepth: maxDepth}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// OnApplied is called synchronously by the pump right after a batch is
// committed (before it is acked upstream in BlockSecondaryAck mode).
func (m *Manager) OnApplied(b Batch) error {
	switch m.mode {
	case None:
		return nil
	case BlockSecondaryAck:
		return m.handler(b)
	case NonBlockingQuorumAcked:
		m.mu.Lock()
		if m.depth >= m.maxDepth {
			m.mu.Unlock()
			return kverrors.ErrMaxFileStreamWaiters // bounded queue, same backpressure family
		}
		m.pending.PushBack(b)
		m.depth++
		m.cond.Broadcast()
		m.mu.Unlock()
		return nil
	default:
		return nil
	}
}

// OnQuorumAcked advances the last-quorum-acked LSN, making every buffered
// NonBlockingQuorumAcked batch at or below it eligible for delivery.
func (m *Manager) OnQuorumAcked(lsn uint64) {
	m.mu.Lock()
	if lsn > m.lastAcked {
		m.lastAcked = lsn
		m.cond.Broadcast()
	}
	m.mu.Unlock()
}

// RunDeliveryLoop is the single consumer draining pending NonBlockingQuorumAcked
// batches. It must run in exactly one goroutine per Manager; callers stop
// it by calling Close.
func (m *Manager) RunDeliveryLoop() {
	if m.mode != NonBlockingQuorumAcked {
		return
	}
	for {
		m.mu.Lock()
		for {
			front := m.pending.Front()
			if front != nil && front.Value.(Batch).Lsn <= m.lastAcked {
				break
			}
			if m.closed {
				m.mu.Unlock()
				return
			}
			m.cond.Wait()
		}
		elem := m.pending.Front()
		b := elem.Value.(Batch)
		m.pending.Remove(elem)
		m.depth--
		m.mu.Unlock()

		_ = m.handler(b)
	}
}

// Close drains the queue and stops the delivery loop: the loop delivers
// every buffered batch that is already quorum-acked, then returns;
// batches not yet quorum-acked are not delivered.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Enumerator is the one-shot, scoped-transaction view handed to the user
// handler on copy completion.
type Enumerator struct {
	tx    *localstore.Tx
	enum  *localstore.Enumerator
	done  bool
}

func NewEnumerator(store *localstore.Store) (*Enumerator, error) {
	tx := store.CreateTransaction()
	enum, err := tx.EnumerateByOperationLSN(0)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return &Enumerator{tx: tx, enum: enum}, nil
}

func (e *Enumerator) Valid() bool { return !e.done && e.enum.Valid() }

func (e *Enumerator) Current() (localstore.Item, error) {
	if e.done {
		return localstore.Item{}, kverrors.ErrObjectClosed
	}
	return e.enum.Current()
}

func (e *Enumerator) Advance() {
	if !e.done {
		e.enum.Advance()
	}
}

// Release closes the scoped transaction; the enumerator must not be used
// afterwards.
func (e *Enumerator) Release() {
	if e.done {
		return
	}
	e.done = true
	e.enum.Close()
	_ = e.tx.Rollback()
}
