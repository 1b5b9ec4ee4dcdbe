// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"sync/atomic"
)

// A Future is a result slot that is completed exactly once, either with a
// payload or with an error. Of several racing completions the first wins and
// the rest are discarded.
type Future struct {
	id   uint32
	set  atomic.Bool
	done chan struct{}
	data []byte
	err  error
}

func newFuture(id uint32) *Future { return &Future{id: id, done: make(chan struct{})} }

// failedFuture returns a future already completed with err.
func failedFuture(err error) *Future {
	f := newFuture(0)
	f.complete(nil, err)
	return f
}

// complete resolves f and reports whether this call did so.
func (f *Future) complete(data []byte, err error) bool {
	if !f.set.CompareAndSwap(false, true) {
		return false
	}
	f.data, f.err = data, err
	close(f.done)
	return true
}

// ID returns the request ID correlated with f, or 0 if f is not associated
// with a request.
func (f *Future) ID() uint32 { return f.id }

// Done returns a channel that is closed when f is complete.
func (f *Future) Done() <-chan struct{} { return f.done }

// IsDone reports whether f is complete.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until f is complete or ctx ends. If ctx ends first, Wait
// returns the context error and f remains pending.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result blocks until f is complete and returns its payload and error.
func (f *Future) Result() ([]byte, error) {
	<-f.done
	return f.data, f.err
}
