// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// SocketState is the lifecycle state of a connection.
type SocketState int32

const (
	BeingConnect SocketState = iota
	Connected
	ConnectFailed
	RunWithoutHandshake
	RunSimplex
	RunDuplex
	BeingCloseByLocal
	BeingCloseByPeer
	Closed
	ClosedByPeer
	UnexpectedClosed
	UnexpectedClosedByPeer
	ErrorUnknown
)

var stateNames = [...]string{
	BeingConnect:           "BEING_CONNECT",
	Connected:              "CONNECTED",
	ConnectFailed:          "CONNECT_FAILED",
	RunWithoutHandshake:    "RUN_WITHOUT_HANDSHAKE",
	RunSimplex:             "RUN_SIMPLEX",
	RunDuplex:              "RUN_DUPLEX",
	BeingCloseByLocal:      "BEING_CLOSE_BY_LOCAL",
	BeingCloseByPeer:       "BEING_CLOSE_BY_PEER",
	Closed:                 "CLOSED",
	ClosedByPeer:           "CLOSED_BY_PEER",
	UnexpectedClosed:       "UNEXPECTED_CLOSED",
	UnexpectedClosedByPeer: "UNEXPECTED_CLOSED_BY_PEER",
	ErrorUnknown:           "ERROR_UNKNOWN",
}

func (s SocketState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE:%d", int32(s))
}

// closeStates is the set of states a running connection may move to.
var closeStates = []SocketState{BeingCloseByLocal, BeingCloseByPeer, UnexpectedClosed, UnexpectedClosedByPeer}

// transitions is the directed graph of permitted state changes. A
// connection that has not finished its handshake may also be closed, since
// a rejected or abandoned handshake must release the connection.
var transitions = map[SocketState][]SocketState{
	BeingConnect:        {Connected, ConnectFailed},
	Connected:           {RunWithoutHandshake},
	RunWithoutHandshake: append([]SocketState{RunSimplex, RunDuplex}, closeStates...),
	RunSimplex:          closeStates,
	RunDuplex:           closeStates,
	BeingCloseByLocal:   {Closed},
	BeingCloseByPeer:    {ClosedByPeer},
}

// CanTransition reports whether the graph permits a change from s to next.
func (s SocketState) CanTransition(next SocketState) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// IsBeforeConnected reports whether s precedes an established transport.
func (s SocketState) IsBeforeConnected() bool { return s == BeingConnect }

// IsRunning reports whether s is a post-handshake communicating state.
func (s SocketState) IsRunning() bool { return s == RunSimplex || s == RunDuplex }

// IsDuplex reports whether s permits either side to initiate requests.
func (s SocketState) IsDuplex() bool { return s == RunDuplex }

// IsClosed reports whether s is a closing or terminal state.
func (s SocketState) IsClosed() bool {
	switch s {
	case ConnectFailed, BeingCloseByLocal, BeingCloseByPeer, Closed, ClosedByPeer,
		UnexpectedClosed, UnexpectedClosedByPeer, ErrorUnknown:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s SocketState) IsTerminal() bool { return s.IsClosed() && len(transitions[s]) == 0 }

// IsReconnectable reports whether s records a close initiated by the peer.
func (s SocketState) IsReconnectable() bool {
	return s == BeingCloseByPeer || s == ClosedByPeer || s == UnexpectedClosedByPeer
}

// A Transition reports the outcome of a state change request.
type Transition struct {
	Changed  bool
	Previous SocketState
	Current  SocketState
}

// A StateListener is notified synchronously of each state change.  An error
// or panic from a listener is reported to that listener's error hook and
// does not affect other listeners or the state.
type StateListener func(prev, cur SocketState) error

type stateListener struct {
	notify StateListener
	onErr  func(error)
}

// A StateMachine holds the current SocketState of a connection and applies
// transitions according to the permitted graph. It is safe for concurrent
// use; of several racing transitions from the same state at most one wins.
type StateMachine struct {
	cur atomic.Int32
	log hclog.Logger

	μ         sync.Mutex
	listeners []stateListener
}

// NewStateMachine constructs a state machine in the BeingConnect state. If
// log == nil, illegal transitions are not logged.
func NewStateMachine(log hclog.Logger) *StateMachine {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &StateMachine{log: log}
}

// Current returns the current state.
func (m *StateMachine) Current() SocketState { return SocketState(m.cur.Load()) }

// Listen registers a listener to be called after each actual transition.
// If onErr != nil it receives errors and recovered panics from notify;
// otherwise they are logged.
func (m *StateMachine) Listen(notify StateListener, onErr func(error)) {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.listeners = append(m.listeners, stateListener{notify: notify, onErr: onErr})
}

// To attempts to move the machine to next. A transition the graph does not
// permit is rejected with Changed == false and logged as ErrorUnknown.
func (m *StateMachine) To(next SocketState) Transition {
	for {
		cur := m.Current()
		if !cur.CanTransition(next) {
			m.log.Error("illegal state transition", "state", ErrorUnknown, "from", cur, "to", next)
			return Transition{Previous: cur, Current: cur}
		}
		if m.cur.CompareAndSwap(int32(cur), int32(next)) {
			m.notify(cur, next)
			return Transition{Changed: true, Previous: cur, Current: next}
		}
	}
}

// toFrom moves the machine from state from to next, and reports false
// without logging if the current state is not from.
func (m *StateMachine) toFrom(from, next SocketState) Transition {
	if !from.CanTransition(next) {
		m.log.Error("illegal state transition", "state", ErrorUnknown, "from", from, "to", next)
		cur := m.Current()
		return Transition{Previous: cur, Current: cur}
	}
	if !m.cur.CompareAndSwap(int32(from), int32(next)) {
		cur := m.Current()
		return Transition{Previous: cur, Current: cur}
	}
	m.notify(from, next)
	return Transition{Changed: true, Previous: from, Current: next}
}

func (m *StateMachine) notify(prev, cur SocketState) {
	m.μ.Lock()
	ls := m.listeners
	m.μ.Unlock()

	for _, l := range ls {
		if err := callSafe(func() error { return l.notify(prev, cur) }); err != nil {
			if l.onErr != nil {
				callSafe(func() error { l.onErr(err); return nil })
			} else {
				m.log.Warn("state listener failed", "from", prev, "to", cur, "error", err)
			}
		}
	}
}

// callSafe calls f, converting a panic into an error.
func callSafe(f func() error) (err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("listener panicked (recovered): %v", x)
		}
	}()
	return f()
}
