// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package stream provides helpers for streaming over stream channels, where
// one side opens a channel and the other yields a sequence of payloads
// on it.
package stream

import (
	"context"
	"iter"
	"sync"

	"github.com/creachadair/tether"
)

// An Opener opens stream channels. Both *tether.Conn and *tether.Session
// implement this interface.
type Opener interface {
	OpenStream(data []byte, l tether.StreamListener) (*tether.StreamChannel, error)
}

// Open opens a stream channel on op with the initial payload req, and
// yields the payloads the peer sends on it. The stream ends when the peer
// closes the channel, or when ctx is canceled.
//
// The returned iterator yields zero or more (bs, nil) values. If the stream
// ends unsuccessfully, the iterator ends with a final (nil, err) tuple. If
// the caller stops iterating early, the channel is closed.
func Open(ctx context.Context, op Opener, req []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		// Frames are delivered on the receiving goroutine of the connection,
		// which must not block, so buffer them for the iterator.
		q := newQueue()
		s, err := op.OpenStream(req, q)
		if err != nil {
			yield(nil, err)
			return
		}
		defer s.Close()

		for {
			data, more, err := q.next(ctx)
			if !more {
				if err != nil {
					yield(nil, err)
				}
				return
			}
			if !yield(data, nil) {
				return
			}
		}
	}
}

// Listen returns a stream listener that buffers the payloads of a channel,
// and an iterator over them. Use it to consume a stream opened by the peer.
// The iterator ends when the channel closes or ctx ends.
func Listen(ctx context.Context) (tether.StreamListener, iter.Seq2[[]byte, error]) {
	q := newQueue()
	return q, func(yield func([]byte, error) bool) {
		for {
			data, more, err := q.next(ctx)
			if !more {
				if err != nil {
					yield(nil, err)
				}
				return
			}
			if !yield(data, nil) {
				return
			}
		}
	}
}

// HandlerFunc yields a stream of payloads in answer to the opening payload
// of a stream channel. The returned iterator is expected to only yield a
// non-nil error as its final element, following zero or more error-free
// tuples.
type HandlerFunc func(ctx context.Context, s *tether.StreamChannel, req []byte) iter.Seq2[[]byte, error]

// Serve adapts fn into a tether.StreamHandler. Each accepted channel runs fn
// on its own goroutine and sends the payloads it yields to the peer. The
// context passed to fn ends when the peer closes the channel or the
// connection closes. When the iterator ends the channel is closed; if it
// ends with an error, the channel is closed with tether.StreamFailed.
func Serve(fn HandlerFunc) tether.StreamHandler {
	return func(ctx context.Context, s *tether.StreamChannel, req []byte) (tether.StreamListener, error) {
		sctx, cancel := context.WithCancel(ctx)
		go func() {
			defer cancel()
			for data, err := range fn(sctx, s, req) {
				if err != nil {
					s.Abort(tether.StreamFailed)
					return
				}

				// The iterator may not obey cancellation itself.
				if sctx.Err() != nil {
					return
				}
				if err := s.SendContext(sctx, data); err != nil {
					return
				}
			}
			s.Close()
		}()
		return tether.StreamFuncs{OnClose: func(*tether.StreamChannel, error) { cancel() }}, nil
	}
}

// queue buffers stream frames between the receiving goroutine of a
// connection and an iterator.
type queue struct {
	ready chan struct{} // signaled when items or done change

	μ     sync.Mutex
	items [][]byte
	done  bool
	err   error
}

func newQueue() *queue { return &queue{ready: make(chan struct{}, 1)} }

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// StreamData implements part of the tether.StreamListener interface.
func (q *queue) StreamData(_ *tether.StreamChannel, data []byte) {
	q.μ.Lock()
	q.items = append(q.items, data)
	q.μ.Unlock()
	q.signal()
}

// StreamClosed implements part of the tether.StreamListener interface.
func (q *queue) StreamClosed(_ *tether.StreamChannel, err error) {
	q.μ.Lock()
	q.done, q.err = true, err
	q.μ.Unlock()
	q.signal()
}

// next returns the next buffered payload. If the stream has ended it
// returns more == false and the error that ended it, if any.
func (q *queue) next(ctx context.Context) (data []byte, more bool, err error) {
	for {
		q.μ.Lock()
		if len(q.items) != 0 {
			data = q.items[0]
			q.items = q.items[1:]
			q.μ.Unlock()
			return data, true, nil
		} else if q.done {
			err := q.err
			q.μ.Unlock()
			return nil, false, err
		}
		q.μ.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}
