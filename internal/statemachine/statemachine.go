// Package statemachine implements the replica role FSM of C8: the single
// source of truth for whether this replica may start a transaction, is
// mid-reconfiguration, or has been closed.
package statemachine

import (
	"sync"

	"github.com/kvreplica/engine/internal/kverrors"
)

type State int

const (
	Created State = iota
	Opened
	PrimaryPassive
	PrimaryActive
	PrimaryChangePending
	PrimaryClosePending
	SecondaryPassive
	SecondaryActive
	SecondaryChangePending
	SecondaryClosePending
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Opened:
		return "Opened"
	case PrimaryPassive:
		return "PrimaryPassive"
	case PrimaryActive:
		return "PrimaryActive"
	case PrimaryChangePending:
		return "PrimaryChangePending"
	case PrimaryClosePending:
		return "PrimaryClosePending"
	case SecondaryPassive:
		return "SecondaryPassive"
	case SecondaryActive:
		return "SecondaryActive"
	case SecondaryChangePending:
		return "SecondaryChangePending"
	case SecondaryClosePending:
		return "SecondaryClosePending"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Machine guards role transitions with a single mutex. OnTransition, if
// set, is invoked synchronously while the lock is held, so a caller that
// reacts to a transition (tearing down a pipeline, starting a pump) is
// guaranteed to run before any other transition can be observed.
type Machine struct {
	mu           sync.Mutex
	state        State
	txnCount     int
	OnTransition func(from, to State)
}

func New() *Machine {
	return &Machine{state: Created}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) transition(to State) {
	from := m.state
	m.state = to
	if m.OnTransition != nil && from != to {
		m.OnTransition(from, to)
	}
}

func (m *Machine) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Created {
		return kverrors.ErrObjectClosed
	}
	m.transition(Opened)
	return nil
}

// ChangePrimary grants primary status from Opened, SecondaryPassive or
// SecondaryActive. In any other state, including PrimaryPassive and
// PrimaryActive, it returns ReconfigurationPending and leaves the state
// unchanged; it is not a no-op for a replica that is already primary.
func (m *Machine) ChangePrimary() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Opened:
		m.transition(PrimaryPassive)
	case SecondaryPassive, SecondaryActive:
		m.transition(PrimaryPassive)
	default:
		return kverrors.ErrReconfigurationPending
	}
	return nil
}

// ChangeSecondary demotes to secondary, waiting for any in-flight
// transactions to drain first if currently PrimaryActive.
func (m *Machine) ChangeSecondary() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Opened:
		m.transition(SecondaryActive)
	case PrimaryPassive:
		m.transition(SecondaryActive)
	case PrimaryActive:
		m.transition(PrimaryChangePending)
	case SecondaryPassive, SecondaryActive:
		m.transition(SecondaryChangePending)
	default:
		return kverrors.ErrReconfigurationPending
	}
	return nil
}

// SecondaryPumpClosed signals that the pump feeding a pending role change
// has fully drained, letting a pending transition complete.
func (m *Machine) SecondaryPumpClosed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case SecondaryChangePending:
		m.transition(PrimaryPassive)
	case SecondaryClosePending:
		m.transition(Closed)
	default:
		return kverrors.ErrReconfigurationPending
	}
	return nil
}

// StartTransaction increments the in-flight transaction count, succeeding
// only while this replica is primary.
func (m *Machine) StartTransaction() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case PrimaryPassive:
		m.txnCount = 1
		m.transition(PrimaryActive)
	case PrimaryActive:
		m.txnCount++
	case PrimaryChangePending, PrimaryClosePending:
		return kverrors.ErrReconfigurationPending
	default:
		return kverrors.ErrNotPrimary
	}
	return nil
}

// FinishTransaction decrements the in-flight count, completing a pending
// role change or close once it reaches zero.
func (m *Machine) FinishTransaction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txnCount > 0 {
		m.txnCount--
	}
	switch m.state {
	case PrimaryActive:
		if m.txnCount == 0 {
			m.transition(PrimaryPassive)
		}
	case PrimaryChangePending:
		if m.txnCount == 0 {
			m.transition(SecondaryActive)
		}
	case PrimaryClosePending:
		if m.txnCount == 0 {
			m.transition(Closed)
		}
	}
}

// Close is idempotent: it deflects through a *ClosePending state if
// transactions or a pump drain are still outstanding.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Closed:
		return nil
	case PrimaryActive:
		m.transition(PrimaryClosePending)
	case SecondaryChangePending:
		m.transition(SecondaryClosePending)
	default:
		m.transition(Closed)
	}
	return nil
}
