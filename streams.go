// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/creachadair/tether/packet"
)

// StreamCode describes why a stream channel was closed. A nonzero code is an
// error.
type StreamCode uint16

const (
	StreamOK         StreamCode = 0 // closed normally
	StreamNotFound   StreamCode = 1 // no channel with the given ID
	StreamRejected   StreamCode = 2 // the receiver refused to open the channel
	StreamConnClosed StreamCode = 3 // the connection closed
	StreamDuplicate  StreamCode = 4 // the channel ID is already in use
	StreamFailed     StreamCode = 5 // the sender ended the channel with an error
)

func (c StreamCode) Error() string {
	switch c {
	case StreamOK:
		return "stream closed"
	case StreamNotFound:
		return "stream not found"
	case StreamRejected:
		return "stream rejected"
	case StreamConnClosed:
		return "connection closed"
	case StreamDuplicate:
		return "duplicate stream ID"
	case StreamFailed:
		return "stream failed"
	default:
		return fmt.Sprintf("stream code %d", uint16(c))
	}
}

// StreamState is the lifecycle state of a stream channel.
type StreamState int32

const (
	StreamOpen StreamState = iota
	StreamClosing
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "OPEN"
	case StreamClosing:
		return "CLOSING"
	case StreamClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STREAM_STATE:%d", int32(s))
	}
}

// A StreamListener receives the frames delivered to a stream channel. Its
// methods are called on the receiving goroutine of the connection and must
// not block.
type StreamListener interface {
	// StreamData is called for each data frame received on s.
	StreamData(s *StreamChannel, data []byte)

	// StreamClosed is called exactly once when s closes. The error is nil
	// for a normal close by either side, a StreamCode if the peer closed
	// the channel with a nonzero code, or the connection's close reason.
	StreamClosed(s *StreamChannel, err error)
}

// StreamFuncs adapts a pair of functions to the StreamListener interface.
// Either function may be nil.
type StreamFuncs struct {
	OnData  func(*StreamChannel, []byte)
	OnClose func(*StreamChannel, error)
}

// StreamData implements part of the StreamListener interface.
func (f StreamFuncs) StreamData(s *StreamChannel, data []byte) {
	if f.OnData != nil {
		f.OnData(s, data)
	}
}

// StreamClosed implements part of the StreamListener interface.
func (f StreamFuncs) StreamClosed(s *StreamChannel, err error) {
	if f.OnClose != nil {
		f.OnClose(s, err)
	}
}

// A StreamHandler is called when the peer opens a stream channel, with the
// initial payload of the open frame. It returns the listener for frames on
// the channel, or an error to reject it. The handler runs on the receiving
// goroutine of the connection; to push data it should start its own
// goroutine.
type StreamHandler func(ctx context.Context, s *StreamChannel, data []byte) (StreamListener, error)

// A StreamChannel is a logical bidirectional sub-channel multiplexed over a
// connection.
type StreamChannel struct {
	id      uint32
	mgr     *StreamManager
	passive bool // opened by the peer
	state   atomic.Int32

	μ   sync.Mutex
	lst StreamListener
}

func (s *StreamChannel) listener() StreamListener {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.lst
}

func (s *StreamChannel) setListener(l StreamListener) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.lst = l
}

// ID returns the channel ID of s.
func (s *StreamChannel) ID() uint32 { return s.id }

// State returns the current state of s.
func (s *StreamChannel) State() StreamState { return StreamState(s.state.Load()) }

// IsPassive reports whether s was opened by the peer.
func (s *StreamChannel) IsPassive() bool { return s.passive }

// Conn returns the connection that carries s.
func (s *StreamChannel) Conn() *Conn { return s.mgr.conn }

// Send sends a data frame on s.
func (s *StreamChannel) Send(data []byte) error {
	if s.State() != StreamOpen {
		return newError(ErrWriteFailure, "stream send", fmt.Errorf("stream %d is %v", s.id, s.State()))
	}
	return s.mgr.conn.enqueue(&Packet{
		Type:    PacketStreamData,
		Payload: packet.Message{ID: s.id, Data: data}.Encode(),
	}, nil)
}

// SendContext sends a data frame on s, waiting for space in the write
// queue of the connection until ctx ends.
func (s *StreamChannel) SendContext(ctx context.Context, data []byte) error {
	if s.State() != StreamOpen {
		return newError(ErrWriteFailure, "stream send", fmt.Errorf("stream %d is %v", s.id, s.State()))
	}
	return s.mgr.conn.enqueueWait(ctx, &Packet{
		Type:    PacketStreamData,
		Payload: packet.Message{ID: s.id, Data: data}.Encode(),
	})
}

// Close closes s and notifies the peer. Calls after the first have no
// effect and return nil.
func (s *StreamChannel) Close() error { return s.Abort(StreamOK) }

// Abort closes s and notifies the peer with the given code. The listener of
// s is notified with a nil error. Calls after the first have no effect and
// return nil.
func (s *StreamChannel) Abort(code StreamCode) error {
	if !s.state.CompareAndSwap(int32(StreamOpen), int32(StreamClosing)) {
		return nil
	}
	s.mgr.remove(s.id)
	err := s.mgr.conn.enqueue(&Packet{
		Type:    PacketStreamClose,
		Payload: packet.StreamClose{ID: s.id, Code: uint16(code)}.Encode(),
	}, nil)
	s.finish(nil)
	return err
}

// finish moves s to the closed state and notifies its listener, once.
func (s *StreamChannel) finish(err error) {
	for {
		cur := s.state.Load()
		if StreamState(cur) == StreamClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(StreamClosed)) {
			break
		}
	}
	rootMetrics.streamsOpen.Add(-1)
	if lst := s.listener(); lst != nil {
		if perr := callSafe(func() error { lst.StreamClosed(s, err); return nil }); perr != nil {
			s.mgr.conn.log.Warn("stream listener failed", "stream", s.id, "error", perr)
		}
	}
}

func (s *StreamChannel) deliver(data []byte) {
	lst := s.listener()
	if lst == nil {
		s.mgr.unhandled(PacketStreamData, s.id, data)
		return
	}
	if err := callSafe(func() error { lst.StreamData(s, data); return nil }); err != nil {
		s.mgr.conn.log.Warn("stream listener failed", "stream", s.id, "error", err)
	}
}

// A StreamManager tracks the stream channels of one connection. Channel IDs
// opened by the client are odd and those opened by the server are even, so
// the two sides never allocate the same ID.
type StreamManager struct {
	conn *Conn
	next atomic.Uint32

	μ      sync.Mutex
	chans  map[uint32]*StreamChannel
	closed error
}

func newStreamManager(c *Conn) *StreamManager {
	m := &StreamManager{conn: c, chans: make(map[uint32]*StreamChannel)}
	if c.side == Server {
		m.next.Store(0) // server IDs: 2, 4, 6, ...
	} else {
		m.next.Store(^uint32(0)) // client IDs: 1, 3, 5, ...
	}
	return m
}

func (m *StreamManager) nextIDLocked() uint32 {
	for {
		id := m.next.Add(2)
		if id == 0 {
			continue
		}
		if _, busy := m.chans[id]; !busy {
			return id
		}
	}
}

// Open allocates a channel, registers l for its frames, and sends an open
// frame carrying data to the peer.
func (m *StreamManager) Open(data []byte, l StreamListener) (*StreamChannel, error) {
	m.μ.Lock()
	if m.closed != nil {
		err := m.closed
		m.μ.Unlock()
		return nil, err
	}
	s := &StreamChannel{id: m.nextIDLocked(), mgr: m}
	s.setListener(l)
	m.chans[s.id] = s
	m.μ.Unlock()
	rootMetrics.streamsOpen.Add(1)

	if err := m.conn.enqueue(&Packet{
		Type:    PacketStreamOpen,
		Payload: packet.Message{ID: s.id, Data: data}.Encode(),
	}, nil); err != nil {
		m.remove(s.id)
		s.finish(err)
		return nil, err
	}
	return s, nil
}

// Find returns the open channel with the given ID, or nil.
func (m *StreamManager) Find(id uint32) *StreamChannel {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.chans[id]
}

// Len reports the number of open channels.
func (m *StreamManager) Len() int {
	m.μ.Lock()
	defer m.μ.Unlock()
	return len(m.chans)
}

func (m *StreamManager) remove(id uint32) *StreamChannel {
	m.μ.Lock()
	defer m.μ.Unlock()
	s := m.chans[id]
	delete(m.chans, id)
	return s
}

// Close closes every channel of m, notifying each listener with reason, and
// causes subsequent calls to Open to fail. Calls after the first have no
// effect.
func (m *StreamManager) Close(reason error) {
	if reason == nil {
		reason = errors.New("stream manager closed")
	}
	m.μ.Lock()
	if m.closed != nil {
		m.μ.Unlock()
		return
	}
	m.closed = reason
	drained := m.chans
	m.chans = make(map[uint32]*StreamChannel)
	m.μ.Unlock()

	for _, s := range drained {
		s.finish(reason)
	}
}

func (m *StreamManager) unhandled(ptype PacketType, id uint32, data []byte) {
	rootMetrics.packetDropped.Add(1)
	if h := m.conn.opts.OnUnhandledStream; h != nil {
		if err := callSafe(func() error { h(ptype, id, data); return nil }); err != nil {
			m.conn.log.Warn("unhandled stream sink failed", "error", err)
		}
		return
	}
	m.conn.log.Debug("dropped stream frame", "type", ptype, "stream", id)
}

func (m *StreamManager) reply(id uint32, code StreamCode) {
	if err := m.conn.enqueue(&Packet{
		Type:    PacketStreamClose,
		Payload: packet.StreamClose{ID: id, Code: uint16(code)}.Encode(),
	}, nil); err != nil {
		m.conn.log.Debug("stream close reply failed", "stream", id, "error", err)
	}
}

// dispatch routes an inbound stream frame. Any error it reports is
// protocol fatal.
func (m *StreamManager) dispatch(ctx context.Context, pkt *Packet) error {
	switch pkt.Type {
	case PacketStreamOpen:
		var msg packet.Message
		if err := msg.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid stream open packet: %w", err)
		}
		m.openPassive(ctx, msg.ID, msg.Data)

	case PacketStreamData:
		var msg packet.Message
		if err := msg.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid stream data packet: %w", err)
		}
		if s := m.Find(msg.ID); s != nil {
			s.deliver(msg.Data)
		} else {
			m.unhandled(pkt.Type, msg.ID, msg.Data)
		}

	case PacketStreamClose:
		var sc packet.StreamClose
		if err := sc.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid stream close packet: %w", err)
		}
		s := m.remove(sc.ID)
		if s == nil {
			m.unhandled(pkt.Type, sc.ID, nil)
			return nil
		}
		var err error
		if code := StreamCode(sc.Code); code != StreamOK {
			err = code
		}
		s.finish(err)
	}
	return nil
}

func (m *StreamManager) openPassive(ctx context.Context, id uint32, data []byte) {
	h := m.conn.opts.OnStream
	if h == nil || !m.conn.State().IsRunning() {
		m.reply(id, StreamRejected)
		return
	}

	m.μ.Lock()
	if m.closed != nil {
		m.μ.Unlock()
		return
	}
	if _, dup := m.chans[id]; dup {
		m.μ.Unlock()
		m.reply(id, StreamDuplicate)
		return
	}
	s := &StreamChannel{id: id, mgr: m, passive: true}
	m.chans[id] = s
	m.μ.Unlock()
	rootMetrics.streamsOpen.Add(1)

	var lst StreamListener
	err := callSafe(func() (err error) {
		lst, err = h(ctx, s, data)
		return err
	})
	if err != nil {
		m.conn.log.Debug("stream rejected", "stream", id, "error", err)
		if m.remove(id) != nil {
			m.reply(id, StreamRejected)
		}
		s.finish(err)
		return
	}
	s.setListener(lst)
}
