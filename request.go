// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
)

// A RequestManager issues request IDs and correlates the futures of pending
// requests with their responses. A pending request is resolved exactly once,
// by its response, by its timeout, or when the manager is closed.
type RequestManager struct {
	clock clockwork.Clock
	log   hclog.Logger
	next  atomic.Uint32

	μ       sync.Mutex
	pending map[uint32]*pendingRequest // requestID → pending state
	closed  error                      // if non-nil, the reason for closure
}

type pendingRequest struct {
	future *Future
	timer  clockwork.Timer
}

// NewRequestManager constructs an empty request manager that schedules
// timeouts on clock. If clock == nil, a real clock is used.
func NewRequestManager(clock clockwork.Clock, log hclog.Logger) *RequestManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &RequestManager{clock: clock, log: log, pending: make(map[uint32]*pendingRequest)}
}

// Register allocates a request ID and returns a pending future for it that
// will fail with ErrRequestTimeout if no response arrives within timeout.
// Register fails if the manager has been closed.
func (m *RequestManager) Register(timeout time.Duration) (*Future, error) {
	m.μ.Lock()
	if m.closed != nil {
		err := m.closed
		m.μ.Unlock()
		return nil, err
	}
	id := m.nextIDLocked()
	f := newFuture(id)
	m.pending[id] = &pendingRequest{future: f}
	m.μ.Unlock()
	rootMetrics.requestPending.Add(1)

	// The timer must be created outside the lock, since a non-positive
	// timeout may fire synchronously.
	t := m.clock.AfterFunc(timeout, func() { m.onTimeout(id) })

	m.μ.Lock()
	defer m.μ.Unlock()
	if p, ok := m.pending[id]; ok && p.future == f {
		p.timer = t
	}
	return f, nil
}

// nextIDLocked returns an unused nonzero request ID. IDs increase
// monotonically and wrap only after the full space is exhausted, skipping
// any ID still pending.
func (m *RequestManager) nextIDLocked() uint32 {
	for {
		id := m.next.Add(1)
		if id == 0 {
			continue
		}
		if _, busy := m.pending[id]; !busy {
			return id
		}
	}
}

// take removes and returns the pending state for id, or nil.
func (m *RequestManager) take(id uint32) *pendingRequest {
	m.μ.Lock()
	defer m.μ.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return nil
	}
	delete(m.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	rootMetrics.requestPending.Add(-1)
	return p
}

// OnResponse delivers a response to the pending request with the given id.
// A response for an unknown ID (late, duplicate, or already timed out) is
// logged and dropped. It reports whether a pending request was resolved.
func (m *RequestManager) OnResponse(id uint32, data []byte) bool {
	p := m.take(id)
	if p == nil {
		m.log.Debug("dropped response for unknown request", "id", id)
		return false
	}
	return p.future.complete(data, nil)
}

func (m *RequestManager) onTimeout(id uint32) {
	p := m.take(id)
	if p == nil {
		return // a response won the race
	}
	rootMetrics.requestTimeout.Add(1)
	rootMetrics.requestOutErr.Add(1)
	p.future.complete(nil, newError(ErrRequestTimeout, "request", nil))
}

// Fail resolves the pending request with id with err, if it is still
// pending, and reports whether it did so.
func (m *RequestManager) Fail(id uint32, err error) bool {
	p := m.take(id)
	if p == nil {
		return false
	}
	rootMetrics.requestOutErr.Add(1)
	return p.future.complete(nil, err)
}

// IsPending reports whether a request with id is awaiting resolution.
func (m *RequestManager) IsPending(id uint32) bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	_, ok := m.pending[id]
	return ok
}

// Len reports the number of pending requests.
func (m *RequestManager) Len() int {
	m.μ.Lock()
	defer m.μ.Unlock()
	return len(m.pending)
}

// CloseAll fails every pending request with reason and causes subsequent
// calls to Register to fail. Calls after the first have no effect.
func (m *RequestManager) CloseAll(reason error) {
	if reason == nil {
		reason = errors.New("request manager closed")
	}
	m.μ.Lock()
	if m.closed != nil {
		m.μ.Unlock()
		return
	}
	m.closed = reason
	drained := m.pending
	m.pending = make(map[uint32]*pendingRequest)
	m.μ.Unlock()
	rootMetrics.requestPending.Add(-int64(len(drained)))
	rootMetrics.requestOutErr.Add(int64(len(drained)))

	for _, p := range drained {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.future.complete(nil, reason)
	}
}
