// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// An Endpoint is the set of operations a Session delegates to its current
// connection. *Conn implements this interface.
type Endpoint interface {
	State() SocketState
	Send(data []byte) error
	SendSync(ctx context.Context, data []byte) error
	SendAsync(data []byte) *Future
	Request(data []byte) *Future
	RequestTimeout(data []byte, timeout time.Duration) *Future
	Response(id uint32, data []byte) error
	OpenStream(data []byte, l StreamListener) (*StreamChannel, error)
	FindStream(id uint32) *StreamChannel
	Ping()
	Close() error
}

var _ Endpoint = (*Conn)(nil)

// reconnecting is the placeholder endpoint of a session that has no
// connection. Every operation fails with ErrReconnecting.
type reconnecting struct{}

func errReconnecting(op string) error { return newError(ErrReconnecting, op, nil) }

func (reconnecting) State() SocketState                           { return BeingConnect }
func (reconnecting) Send([]byte) error                            { return errReconnecting("send") }
func (reconnecting) SendSync(context.Context, []byte) error       { return errReconnecting("send") }
func (reconnecting) SendAsync([]byte) *Future                     { return failedFuture(errReconnecting("send")) }
func (reconnecting) Request([]byte) *Future                       { return failedFuture(errReconnecting("request")) }
func (reconnecting) RequestTimeout([]byte, time.Duration) *Future { return failedFuture(errReconnecting("request")) }
func (reconnecting) Response(uint32, []byte) error                { return errReconnecting("response") }
func (reconnecting) FindStream(uint32) *StreamChannel             { return nil }
func (reconnecting) Ping()                                        {}
func (reconnecting) Close() error                                 { return nil }

func (reconnecting) OpenStream([]byte, StreamListener) (*StreamChannel, error) {
	return nil, errReconnecting("open stream")
}

// A ReconnectListener is notified when a session installs a new connection.
type ReconnectListener func(s *Session, c *Conn) error

// A Session is a stable handle for a client connection that survives
// reconnection. Its operations delegate to the current connection, which a
// reconnecting factory replaces with ReconnectSwap. While no connection is
// installed, operations fail with ErrReconnecting.
type Session struct {
	cur atomic.Pointer[endpointBox]

	μ         sync.Mutex
	closed    bool
	listeners []reconnectListener
}

type endpointBox struct{ ep Endpoint }

type reconnectListener struct {
	notify ReconnectListener
	onErr  func(error)
}

// NewSession constructs a session backed by c. If c == nil, the session
// starts with no connection and fails operations with ErrReconnecting
// until a connection is swapped in.
func NewSession(c *Conn) *Session {
	s := new(Session)
	if c == nil {
		s.cur.Store(&endpointBox{ep: reconnecting{}})
	} else {
		s.cur.Store(&endpointBox{ep: c})
	}
	return s
}

func (s *Session) endpoint() Endpoint { return s.cur.Load().ep }

// Conn returns the current connection of s, or nil if there is none.
func (s *Session) Conn() *Conn {
	c, _ := s.endpoint().(*Conn)
	return c
}

// OnReconnect registers a listener called after each successful swap. If
// onErr != nil it receives errors and recovered panics from notify.
func (s *Session) OnReconnect(notify ReconnectListener, onErr func(error)) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.listeners = append(s.listeners, reconnectListener{notify: notify, onErr: onErr})
}

// ReconnectSwap installs c as the current connection of s and closes the
// connection it replaces. If s has already been closed, c is closed instead
// and ReconnectSwap reports false.
func (s *Session) ReconnectSwap(c *Conn) bool {
	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		c.Close()
		return false
	}
	old := s.cur.Swap(&endpointBox{ep: c})
	ls := s.listeners
	s.μ.Unlock()

	old.ep.Close()
	rootMetrics.reconnects.Add(1)
	for _, l := range ls {
		if err := callSafe(func() error { return l.notify(s, c) }); err != nil && l.onErr != nil {
			callSafe(func() error { l.onErr(err); return nil })
		}
	}
	return true
}

// IsClosed reports whether Close has been called on s.
func (s *Session) IsClosed() bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.closed
}

// Close closes s and its current connection. It is idempotent.
func (s *Session) Close() error {
	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		return nil
	}
	s.closed = true
	old := s.cur.Swap(&endpointBox{ep: reconnecting{}})
	s.μ.Unlock()
	return old.ep.Close()
}

// State reports the state of the current connection. A session with no
// connection reports BeingConnect.
func (s *Session) State() SocketState { return s.endpoint().State() }

// Send calls Send on the current connection.
func (s *Session) Send(data []byte) error { return s.endpoint().Send(data) }

// SendSync calls SendSync on the current connection.
func (s *Session) SendSync(ctx context.Context, data []byte) error {
	return s.endpoint().SendSync(ctx, data)
}

// SendAsync calls SendAsync on the current connection.
func (s *Session) SendAsync(data []byte) *Future { return s.endpoint().SendAsync(data) }

// Request calls Request on the current connection.
func (s *Session) Request(data []byte) *Future { return s.endpoint().Request(data) }

// RequestTimeout calls RequestTimeout on the current connection.
func (s *Session) RequestTimeout(data []byte, timeout time.Duration) *Future {
	return s.endpoint().RequestTimeout(data, timeout)
}

// Response calls Response on the current connection.
func (s *Session) Response(id uint32, data []byte) error { return s.endpoint().Response(id, data) }

// OpenStream calls OpenStream on the current connection.
func (s *Session) OpenStream(data []byte, l StreamListener) (*StreamChannel, error) {
	return s.endpoint().OpenStream(data, l)
}

// FindStream calls FindStream on the current connection.
func (s *Session) FindStream(id uint32) *StreamChannel { return s.endpoint().FindStream(id) }

// Ping calls Ping on the current connection.
func (s *Session) Ping() { s.endpoint().Ping() }

// Detach replaces c with the reconnecting placeholder, if c is the current
// connection of s, and reports whether it did so. It does not close c.
func (s *Session) Detach(c *Conn) bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.closed || s.cur.Load().ep != Endpoint(c) {
		return false
	}
	s.cur.Store(&endpointBox{ep: reconnecting{}})
	return true
}
