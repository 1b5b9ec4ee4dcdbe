// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether/packet"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
)

// A Channel is a reliable ordered stream of packets shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet in binary format to the receiver.
	Send(*Packet) error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// Side identifies which end of a connection a Conn serves.
type Side int

const (
	Client Side = iota // the initiating side; sends the handshake request
	Server             // the accepting side; answers the handshake
)

func (s Side) String() string {
	if s == Server {
		return "server"
	}
	return "client"
}

// A Request is an inbound request from the remote peer.
type Request struct {
	ID   uint32 // the request ID, to be passed to Response
	Data []byte // the request payload
}

// A MessageHandler processes a fire-and-forget message from the remote peer.
// It is called on the receiving goroutine and must not block.
type MessageHandler func(ctx context.Context, c *Conn, data []byte)

// A RequestHandler processes a request from the remote peer. It runs on its
// own goroutine, and answers the request by calling c.Response with req.ID.
// The context ends when the connection closes.
type RequestHandler func(ctx context.Context, c *Conn, req *Request)

// Default option values.
const (
	DefaultRequestTimeout    = 3 * time.Second
	DefaultHandshakeInterval = 3 * time.Second
	DefaultHandshakeRetries  = 3
	DefaultCloseTimeout      = 3 * time.Second
	DefaultWriteQueueSize    = 1024
	DefaultMaxHandlers       = 64
)

// Options configure a Conn. A zero value is ready for use with defaults.
type Options struct {
	Clock  clockwork.Clock // timer facility; default real clock
	Logger hclog.Logger    // default: discard logs

	RequestTimeout    time.Duration // default timeout for Request
	HandshakeInterval time.Duration // wait between handshake attempts
	HandshakeRetries  int           // handshake attempts before failure
	CloseTimeout      time.Duration // bound on flushing the close notice
	WriteQueueSize    int           // capacity of the outbound frame queue
	MaxHandlers       int           // concurrent inbound request handlers

	// Properties are sent to the peer during the handshake. A client sends
	// them with its request, a server with its response.
	Properties Properties

	// Handshaker decides the outcome of a handshake request (server only).
	// If nil, DefaultHandshaker is used.
	Handshaker Handshaker

	OnMessage MessageHandler // inbound messages; if nil they are dropped
	OnRequest RequestHandler // inbound requests; if nil they are dropped
	OnStream  StreamHandler  // inbound stream opens; if nil they are rejected

	// OnUnhandledStream receives stream frames for unknown channel IDs.
	// If nil they are logged and dropped.
	OnUnhandledStream func(ptype PacketType, id uint32, data []byte)
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.HandshakeInterval <= 0 {
		o.HandshakeInterval = DefaultHandshakeInterval
	}
	if o.HandshakeRetries <= 0 {
		o.HandshakeRetries = DefaultHandshakeRetries
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.WriteQueueSize <= 0 {
		o.WriteQueueSize = DefaultWriteQueueSize
	}
	if o.MaxHandlers <= 0 {
		o.MaxHandlers = DefaultMaxHandlers
	}
	if o.Handshaker == nil {
		o.Handshaker = DefaultHandshaker
	}
	return o
}

// A Conn owns one physical connection to a peer. It drives the connection
// state machine, performs the handshake, and delegates request correlation
// to a RequestManager and stream channels to a StreamManager.
//
// All outbound frames pass through a single writer goroutine in the order
// they were queued. Inbound frames are dispatched by a single reader
// goroutine. Request handlers run on separate goroutines, at most
// Options.MaxHandlers at once.
//
// A Conn is created by NewConn and started by Connect (client) or Start
// (server). It runs until Close is called, the peer sends a close notice,
// the channel fails, or a protocol fatal error occurs. Use Wait to wait for
// its goroutines to exit.
type Conn struct {
	side    Side
	opts    Options
	log     hclog.Logger
	clock   clockwork.Clock
	state   *StateMachine
	reqs    *RequestManager
	streams *StreamManager
	tasks   *taskgroup.Group
	sem     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	outq chan outbound
	stop chan struct{} // closed when the writer should exit
	qμ   sync.RWMutex  // exclusive when closing stop
	shut bool          // whether stop is closed

	started     atomic.Bool
	closing     atomic.Bool // set once by whichever close path wins
	writeFailed atomic.Bool
	lastSeen    atomic.Int64 // unix nanoseconds
	releaseOnce sync.Once
	done        chan struct{} // closed when resources are released
	hsResult    chan packet.Result

	μ       sync.Mutex
	ch      Channel
	hsTimer clockwork.Timer
	code    HandshakeCode // negotiated code, 0 until the handshake completes
	remote  Properties    // the peer's handshake properties
	exitErr error
}

type outbound struct {
	pkt  *Packet
	done func(error) // if non-nil, called once the frame is written or dropped
}

var errQueueFull = errors.New("write queue full")

// checkPayload reports an error if pkt cannot be framed.
func checkPayload(pkt *Packet) error {
	if n := len(pkt.Payload); n > MaxPayload {
		return newError(ErrWriteFailure, "write", fmt.Errorf("payload too large (%d > %d bytes)", n, MaxPayload))
	}
	return nil
}

// NewConn constructs an unstarted connection for the given side.
func NewConn(side Side, opts Options) *Conn {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	log := opts.Logger.Named("conn").With("side", side.String())
	c := &Conn{
		side:     side,
		opts:     opts,
		log:      log,
		clock:    opts.Clock,
		state:    NewStateMachine(log),
		reqs:     NewRequestManager(opts.Clock, log),
		tasks:    taskgroup.New(nil),
		sem:      make(chan struct{}, opts.MaxHandlers),
		outq:     make(chan outbound, opts.WriteQueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		hsResult: make(chan packet.Result, 1),
	}
	c.ctx = context.WithValue(ctx, connContextKey{}, c)
	c.cancel = cancel
	c.streams = newStreamManager(c)
	return c
}

// Side reports which side of the connection c serves.
func (c *Conn) Side() Side { return c.side }

// State returns the current state of c.
func (c *Conn) State() SocketState { return c.state.Current() }

// Listen registers a listener for the state changes of c. See
// StateMachine.Listen.
func (c *Conn) Listen(notify StateListener, onErr func(error)) { c.state.Listen(notify, onErr) }

// Logger returns the logger of c.
func (c *Conn) Logger() hclog.Logger { return c.log }

// Requests returns the request manager of c.
func (c *Conn) Requests() *RequestManager { return c.reqs }

// Streams returns the stream manager of c.
func (c *Conn) Streams() *StreamManager { return c.streams }

// Properties returns the local handshake properties of c.
func (c *Conn) Properties() Properties { return c.opts.Properties }

// RemoteProperties returns the handshake properties sent by the peer. It is
// empty until the handshake completes.
func (c *Conn) RemoteProperties() Properties {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.remote
}

// HandshakeCode returns the negotiated handshake code, or 0 if the handshake
// has not completed.
func (c *Conn) HandshakeCode() HandshakeCode {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.code
}

// LastSeen reports when a frame was last received from the peer, or the
// zero time if none has been.
func (c *Conn) LastSeen() time.Time {
	ns := c.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Done returns a channel that is closed when c has released its resources.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why c closed, or nil if it has not.
func (c *Conn) Err() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.exitErr
}

// Wait blocks until the goroutines of c have exited. It returns nil if c
// was closed gracefully by either side, and otherwise the reason it closed.
func (c *Conn) Wait() error {
	if c.started.Load() {
		c.tasks.Wait()
	}
	<-c.done
	if err := c.Err(); !errors.Is(err, ErrGracefulClose) {
		return err
	}
	return nil
}

// Connect dials a channel and performs the client handshake. It blocks
// until the connection is running or has failed. A dial failure reports
// ErrConnectFailure; a rejected or unanswered handshake reports
// ErrHandshakeFailure and closes c.
func (c *Conn) Connect(ctx context.Context, dial func(context.Context) (Channel, error)) error {
	if c.side != Client {
		panic("Connect called on a server connection")
	}
	ch, err := dial(ctx)
	if err != nil {
		c.state.To(ConnectFailed)
		c.release(newError(ErrConnectFailure, "connect", err))
		return newError(ErrConnectFailure, "connect", err)
	}
	if err := c.start(ch); err != nil {
		return err
	}
	return c.handshake(ctx)
}

// Start starts a server connection on ch. The connection waits for the
// client's handshake request, and closes itself if none arrives within the
// handshake interval times the retry count. Start does not block.
func (c *Conn) Start(ch Channel) error {
	if c.side != Server {
		panic("Start called on a client connection")
	}
	limit := c.opts.HandshakeInterval * time.Duration(c.opts.HandshakeRetries)
	c.μ.Lock()
	c.hsTimer = c.clock.AfterFunc(limit, func() {
		if c.State() == RunWithoutHandshake {
			c.log.Warn("handshake deadline exceeded", "limit", limit)
			rootMetrics.handshakeErr.Add(1)
			c.Close()
		}
	})
	c.μ.Unlock()
	return c.start(ch)
}

func (c *Conn) start(ch Channel) error {
	if !c.started.CompareAndSwap(false, true) {
		panic("connection is already started")
	}
	c.μ.Lock()
	if c.closing.Load() {
		c.μ.Unlock()
		ch.Close()
		return newError(ErrNotConnected, "start", net.ErrClosed)
	}
	c.ch = ch
	c.μ.Unlock()

	c.state.To(Connected)
	c.state.To(RunWithoutHandshake)
	c.tasks.Go(c.readLoop)
	c.tasks.Go(c.writeLoop)
	return nil
}

func (c *Conn) handshake(ctx context.Context) error {
	body, err := c.opts.Properties.MarshalBinary()
	if err != nil {
		c.Close()
		return newError(ErrHandshakeFailure, "handshake", err)
	}
	for i := range c.opts.HandshakeRetries {
		if err := c.enqueue(&Packet{Type: PacketHandshakeRequest, Payload: body}, nil); err != nil {
			break
		}
		c.log.Debug("handshake request sent", "attempt", i+1)

		select {
		case res := <-c.hsResult:
			return c.finishHandshake(res)
		case <-c.done:
			// The result and the peer's close may arrive together.
			select {
			case res := <-c.hsResult:
				return c.finishHandshake(res)
			default:
			}
			return newError(ErrHandshakeFailure, "handshake", c.Err())
		case <-ctx.Done():
			c.Close()
			return newError(ErrHandshakeFailure, "handshake", ctx.Err())
		case <-c.clock.After(c.opts.HandshakeInterval):
			// retry
		}
	}
	rootMetrics.handshakeErr.Add(1)
	c.log.Warn("handshake not answered", "attempts", c.opts.HandshakeRetries)
	c.Close()
	return newError(ErrHandshakeFailure, "handshake", errors.New("no response from peer"))
}

func (c *Conn) finishHandshake(res packet.Result) error {
	code := HandshakeCode(res.Code)
	var remote Properties
	if len(res.Data) != 0 {
		if err := remote.UnmarshalBinary(res.Data); err != nil {
			c.log.Debug("invalid server properties", "error", err)
		}
	}
	c.μ.Lock()
	c.code, c.remote = code, remote
	c.μ.Unlock()

	if !code.IsSuccess() {
		rootMetrics.handshakeErr.Add(1)
		c.Close()
		return newError(ErrHandshakeFailure, "handshake", fmt.Errorf("peer replied %v", code))
	}
	if !c.state.toFrom(RunWithoutHandshake, code.State()).Changed {
		return newError(ErrHandshakeFailure, "handshake", c.Err())
	}
	rootMetrics.handshakeOK.Add(1)
	c.log.Debug("handshake complete", "code", code)
	return nil
}

// serveHandshake answers a handshake request. A request that arrives after
// the handshake has completed is answered with the negotiated code.
func (c *Conn) serveHandshake(payload []byte) {
	c.μ.Lock()
	if c.code != 0 {
		code := c.code
		c.μ.Unlock()
		c.log.Debug("duplicate handshake request", "code", code)
		c.sendHandshakeResult(code)
		return
	}
	var props Properties
	var code HandshakeCode
	if err := props.UnmarshalBinary(payload); err != nil {
		c.log.Debug("invalid handshake properties", "error", err)
		code = HandshakeInvalidProperty
	} else if err := callSafe(func() error { code = c.opts.Handshaker(props); return nil }); err != nil {
		c.log.Error("handshaker failed", "error", err)
		code = HandshakeRejected
	}
	c.code, c.remote = code, props
	if c.hsTimer != nil {
		c.hsTimer.Stop()
	}
	c.μ.Unlock()

	if !code.IsSuccess() {
		rootMetrics.handshakeErr.Add(1)
		c.log.Info("handshake refused", "code", code, "agent", props.GetString(KeyAgentID))
		c.sendHandshakeResult(code)
		c.tasks.Go(func() error { c.Close(); return nil })
		return
	}

	// Move to the running state before replying, so the server is ready
	// for the client's first request.
	c.state.toFrom(RunWithoutHandshake, code.State())
	rootMetrics.handshakeOK.Add(1)
	c.log.Debug("handshake accepted", "code", code, "agent", props.GetString(KeyAgentID))
	c.sendHandshakeResult(code)
}

func (c *Conn) sendHandshakeResult(code HandshakeCode) {
	body, err := c.opts.Properties.MarshalBinary()
	if err != nil {
		c.log.Warn("encoding server properties", "error", err)
		body = nil
	}
	if err := c.enqueue(&Packet{
		Type:    PacketHandshakeResponse,
		Payload: packet.Result{Code: uint16(code), Data: body}.Encode(),
	}, nil); err != nil {
		c.log.Debug("handshake response failed", "error", err)
	}
}

// canInitiate reports whether c may originate a request or stream. The
// client may do so whenever the connection is running; the server only if
// the handshake granted duplex communication.
func (c *Conn) canInitiate(op string) error {
	st := c.State()
	if !st.IsRunning() {
		return newError(ErrNotConnected, op, fmt.Errorf("state %v", st))
	}
	if c.side == Server && !st.IsDuplex() {
		return newError(ErrSimplex, op, nil)
	}
	return nil
}

func (c *Conn) checkRunning(op string) error {
	if st := c.State(); !st.IsRunning() {
		return newError(ErrNotConnected, op, fmt.Errorf("state %v", st))
	}
	return nil
}

// Send queues a fire-and-forget message to the peer. It fails immediately
// with ErrNotConnected if c is not running, and with ErrWriteFailure if the
// write queue is full or closed.
func (c *Conn) Send(data []byte) error {
	if err := c.checkRunning("send"); err != nil {
		return err
	}
	return c.enqueue(&Packet{Type: PacketSend, Payload: data}, nil)
}

// SendSync sends a message to the peer and blocks until it has been written
// to the channel, the write fails, or ctx ends.
func (c *Conn) SendSync(ctx context.Context, data []byte) error {
	if err := c.checkRunning("send"); err != nil {
		return err
	}
	done := make(chan error, 1)
	if err := c.enqueue(&Packet{Type: PacketSend, Payload: data}, func(err error) { done <- err }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAsync sends a message to the peer and returns a future that completes
// with a nil payload when the message has been written, or with an error if
// the write fails.
func (c *Conn) SendAsync(data []byte) *Future {
	if err := c.checkRunning("send"); err != nil {
		return failedFuture(err)
	}
	f := newFuture(0)
	if err := c.enqueue(&Packet{Type: PacketSend, Payload: data}, func(err error) {
		f.complete(nil, err)
	}); err != nil {
		f.complete(nil, err)
	}
	return f
}

// Request sends a request to the peer with the default request timeout.
// See RequestTimeout.
func (c *Conn) Request(data []byte) *Future { return c.RequestTimeout(data, c.opts.RequestTimeout) }

// RequestTimeout sends a request to the peer and returns a future for its
// response. The future completes with exactly one of: the response payload,
// an ErrRequestTimeout error after timeout elapses, an ErrWriteFailure error
// if the request could not be written, or the close reason of c.
//
// If c is not running, or c is a server whose peer did not grant duplex
// communication, the returned future has already failed and no request is
// registered.
func (c *Conn) RequestTimeout(data []byte, timeout time.Duration) *Future {
	if err := c.canInitiate("request"); err != nil {
		return failedFuture(err)
	}
	f, err := c.reqs.Register(timeout)
	if err != nil {
		return failedFuture(err)
	}
	rootMetrics.requestOut.Add(1)
	id := f.ID()
	if err := c.enqueue(&Packet{
		Type:    PacketRequest,
		Payload: packet.Message{ID: id, Data: data}.Encode(),
	}, func(err error) {
		if err != nil {
			c.reqs.Fail(id, err)
		}
	}); err != nil {
		c.reqs.Fail(id, err)
	}
	return f
}

// Response sends the answer to the inbound request with the given ID. If the
// peer has no pending request with that ID, it drops the response.
func (c *Conn) Response(id uint32, data []byte) error {
	if err := c.checkRunning("response"); err != nil {
		return err
	}
	return c.enqueue(&Packet{
		Type:    PacketResponse,
		Payload: packet.Message{ID: id, Data: data}.Encode(),
	}, nil)
}

// OpenStream opens a stream channel to the peer, sending data as the
// initial payload. Frames received on the channel are delivered to l.
func (c *Conn) OpenStream(data []byte, l StreamListener) (*StreamChannel, error) {
	if err := c.canInitiate("open stream"); err != nil {
		return nil, err
	}
	return c.streams.Open(data, l)
}

// FindStream returns the open stream channel with the given ID, or nil.
func (c *Conn) FindStream(id uint32) *StreamChannel { return c.streams.Find(id) }

// Ping sends a ping frame to the peer. A failure is logged and otherwise
// ignored.
func (c *Conn) Ping() {
	if err := c.checkRunning("ping"); err != nil {
		c.log.Debug("ping skipped", "error", err)
		return
	}
	if err := c.enqueue(&Packet{Type: PacketPing}, nil); err != nil {
		c.log.Debug("ping failed", "error", err)
		return
	}
	rootMetrics.pingSent.Add(1)
}

// Close closes c, notifying the peer if the connection was established.
// Pending requests and open streams fail with ErrGracefulClose. Close is
// idempotent: only the first call has any effect, and every call returns
// nil. Close does not wait for the goroutines of c to exit; use Wait.
func (c *Conn) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	reason := newError(ErrGracefulClose, "close", nil)
	if !c.State().CanTransition(BeingCloseByLocal) {
		c.release(reason)
		return nil
	}
	c.state.To(BeingCloseByLocal)
	c.sendCloseNotice()
	c.release(reason)
	c.state.To(Closed)
	return nil
}

func (c *Conn) sendCloseNotice() {
	ptype := PacketClientClose
	if c.side == Server {
		ptype = PacketServerClose
	}
	done := make(chan error, 1)
	if err := c.enqueue(&Packet{Type: ptype}, func(err error) { done <- err }); err != nil {
		c.log.Debug("close notice failed", "error", err)
		return
	}
	select {
	case err := <-done:
		if err != nil {
			c.log.Debug("close notice failed", "error", err)
		}
	case <-c.clock.After(c.opts.CloseTimeout):
		c.log.Debug("close notice timed out", "timeout", c.opts.CloseTimeout)
	}
}

// closeByPeer handles a close notice from the peer.
func (c *Conn) closeByPeer() {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	reason := newError(ErrGracefulClose, "closed by peer", nil)
	if !c.State().CanTransition(BeingCloseByPeer) {
		c.release(reason)
		return
	}
	c.state.To(BeingCloseByPeer)
	c.release(reason)
	c.state.To(ClosedByPeer)
}

// lost handles the failure of the channel or a protocol fatal error.
func (c *Conn) lost(err error) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	next := UnexpectedClosedByPeer
	var perr protocolError
	if errors.As(err, &perr) || c.writeFailed.Load() {
		next = UnexpectedClosed
	}
	c.log.Debug("connection lost", "error", err, "state", next)
	reason := newError(ErrUnexpectedClose, "recv", err)
	if c.State().CanTransition(next) {
		c.state.To(next)
	}
	c.release(reason)
}

// release fails pending requests and streams, stops the writer, and closes
// the channel.
func (c *Conn) release(reason error) {
	c.releaseOnce.Do(func() {
		c.μ.Lock()
		c.exitErr = reason
		ch := c.ch
		if c.hsTimer != nil {
			c.hsTimer.Stop()
		}
		c.μ.Unlock()

		c.reqs.CloseAll(reason)
		c.streams.Close(reason)

		c.qμ.Lock()
		c.shut = true
		close(c.stop)
		c.qμ.Unlock()
		c.drain(reason)

		c.cancel()
		if ch != nil {
			ch.Close()
		}
		close(c.done)
	})
}

// drain discards queued frames after the writer has stopped.
func (c *Conn) drain(reason error) {
	err := newError(ErrWriteFailure, "write", reason)
	for {
		select {
		case ob := <-c.outq:
			if ob.done != nil {
				ob.done(err)
			}
		default:
			return
		}
	}
}

// enqueue adds pkt to the write queue without blocking.
func (c *Conn) enqueue(pkt *Packet, done func(error)) error {
	if err := checkPayload(pkt); err != nil {
		return err
	}
	c.qμ.RLock()
	defer c.qμ.RUnlock()
	if c.shut {
		return newError(ErrWriteFailure, "write", net.ErrClosed)
	}
	select {
	case c.outq <- outbound{pkt: pkt, done: done}:
		return nil
	default:
		rootMetrics.packetDropped.Add(1)
		return newError(ErrWriteFailure, "write", errQueueFull)
	}
}

// enqueueWait adds pkt to the write queue, waiting for space until ctx ends
// or c closes.
func (c *Conn) enqueueWait(ctx context.Context, pkt *Packet) error {
	if err := checkPayload(pkt); err != nil {
		return err
	}
	select {
	case <-c.stop:
		return newError(ErrWriteFailure, "write", net.ErrClosed)
	default:
	}
	select {
	case c.outq <- outbound{pkt: pkt}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return newError(ErrWriteFailure, "write", net.ErrClosed)
	}
}

func (c *Conn) writeLoop() error {
	for {
		select {
		case <-c.stop:
			return nil
		case ob := <-c.outq:
			err := c.ch.Send(ob.pkt)
			if err != nil {
				err = newError(ErrWriteFailure, "write", err)
				if !c.closing.Load() && c.writeFailed.CompareAndSwap(false, true) {
					c.log.Warn("write failed", "error", err)
					c.ch.Close() // the reader reports the loss
				}
			} else {
				rootMetrics.packetSent.Add(1)
			}
			if ob.done != nil {
				ob.done(err)
			}
		}
	}
}

func (c *Conn) readLoop() error {
	for {
		pkt, err := c.ch.Recv()
		if err != nil {
			c.lost(err)
			return nil
		}
		rootMetrics.packetRecv.Add(1)
		c.lastSeen.Store(c.clock.Now().UnixNano())
		if err := c.dispatch(pkt); err != nil {
			c.log.Warn("protocol error", "packet", pkt.Type, "error", err)
			c.lost(protocolError{err})
			return nil
		}
	}
}

// dispatch routes an inbound packet from the peer. Any error it reports is
// protocol fatal.
func (c *Conn) dispatch(pkt *Packet) error {
	switch pkt.Type {
	case PacketSend:
		h := c.opts.OnMessage
		if h == nil {
			rootMetrics.packetDropped.Add(1)
			return nil
		}
		if err := callSafe(func() error { h(c.ctx, c, pkt.Payload); return nil }); err != nil {
			c.log.Warn("message handler failed", "error", err)
		}

	case PacketRequest:
		var msg packet.Message
		if err := msg.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid request packet: %w", err)
		}
		h := c.opts.OnRequest
		if h == nil || !c.State().IsRunning() {
			rootMetrics.packetDropped.Add(1)
			c.log.Debug("dropped request", "id", msg.ID, "state", c.State())
			return nil
		}
		rootMetrics.requestIn.Add(1)
		req := &Request{ID: msg.ID, Data: msg.Data}

		// Wait for a handler slot off the reader, so a handler blocked on a
		// nested call to the peer still sees its response.
		c.tasks.Go(func() error {
			select {
			case c.sem <- struct{}{}:
			case <-c.stop:
				return nil
			}
			defer func() { <-c.sem }()
			if err := callSafe(func() error { h(c.ctx, c, req); return nil }); err != nil {
				c.log.Warn("request handler failed", "id", req.ID, "error", err)
			}
			return nil
		})

	case PacketResponse:
		var msg packet.Message
		if err := msg.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid response packet: %w", err)
		}
		c.reqs.OnResponse(msg.ID, msg.Data)

	case PacketPing:
		if err := c.enqueue(&Packet{Type: PacketPong}, nil); err != nil {
			c.log.Debug("pong failed", "error", err)
		}

	case PacketPong:
		// LastSeen is already updated.

	case PacketHandshakeRequest:
		if c.side != Server {
			return errors.New("handshake request sent to client")
		}
		c.serveHandshake(pkt.Payload)

	case PacketHandshakeResponse:
		if c.side != Client {
			return errors.New("handshake response sent to server")
		}
		var res packet.Result
		if err := res.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid handshake response: %w", err)
		}
		select {
		case c.hsResult <- res:
		default:
			c.log.Debug("extra handshake response dropped", "code", HandshakeCode(res.Code))
		}

	case PacketStreamOpen, PacketStreamData, PacketStreamClose:
		return c.streams.dispatch(c.ctx, pkt)

	case PacketClientClose, PacketServerClose:
		c.closeByPeer()

	default:
		rootMetrics.packetDropped.Add(1)
		c.log.Debug("dropped unknown packet", "type", pkt.Type)
	}
	return nil
}

type connContextKey struct{}

// ContextConn returns the Conn associated with the given context, or nil if
// none is defined. The context passed to handlers has this value.
func ContextConn(ctx context.Context) *Conn {
	if v := ctx.Value(connContextKey{}); v != nil {
		return v.(*Conn)
	}
	return nil
}
