// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"errors"
	"fmt"
)

// Kind classifies the failures reported by connections, sessions and
// futures. Each Kind is itself an error, so callers can test for a kind with
// errors.Is:
//
//	if errors.Is(err, tether.ErrRequestTimeout) { ... }
type Kind int

const (
	ErrConnectFailure   Kind = iota + 1 // transport-level connect error
	ErrHandshakeFailure                 // peer rejected or timed out negotiating
	ErrRequestTimeout                   // no response within bound
	ErrWriteFailure                     // transport rejected a write
	ErrUnexpectedClose                  // connection dropped without a close notice
	ErrGracefulClose                    // either side explicitly closed
	ErrNotConnected                     // connection is not in a running state
	ErrReconnecting                     // session is waiting for a connection
	ErrSimplex                          // peer did not grant duplex communication
)

var kindNames = map[Kind]string{
	ErrConnectFailure:   "connect failure",
	ErrHandshakeFailure: "handshake failure",
	ErrRequestTimeout:   "request timeout",
	ErrWriteFailure:     "write failure",
	ErrUnexpectedClose:  "unexpected close",
	ErrGracefulClose:    "connection closed",
	ErrNotConnected:     "not connected",
	ErrReconnecting:     "reconnecting",
	ErrSimplex:          "simplex connection",
}

// Error implements the error interface.
func (k Kind) Error() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Error is the concrete type of errors reported by this package.
type Error struct {
	Kind Kind   // the classification of the failure
	Op   string // the operation that failed, if known
	Err  error  // the underlying cause, or nil
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap reports the underlying cause of e.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf reports the Kind of err, or 0 if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return 0
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// protocolError marks a failure caused by an invalid frame from the peer.
type protocolError struct{ err error }

func (p protocolError) Error() string { return "protocol error: " + p.err.Error() }
func (p protocolError) Unwrap() error { return p.err }
