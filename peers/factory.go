// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package peers

import (
	"context"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/tether"
	"github.com/creachadair/tether/channel"
	"github.com/creachadair/tether/config"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
)

// A Factory connects client sessions and keeps them connected. When the
// connection of a session is closed by the peer or lost, the factory
// schedules a new connection attempt after the configured reconnect delay,
// and keeps trying until the session or the factory is closed.
type Factory struct {
	cfg   config.Config
	base  tether.Options
	clock clockwork.Clock
	log   hclog.Logger
	ctx   context.Context
	stop  context.CancelFunc

	μ      sync.Mutex
	recs   []*reconnector
	closed bool
}

// NewFactory constructs a factory that creates connections with the
// settings of cfg applied to base.
func NewFactory(cfg config.Config, base tether.Options) *Factory {
	base = cfg.Options(base)
	if base.Clock == nil {
		base.Clock = clockwork.NewRealClock()
	}
	if base.Logger == nil {
		base.Logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Factory{
		cfg:   cfg,
		base:  base,
		clock: base.Clock,
		log:   base.Logger.Named("factory"),
		ctx:   ctx,
		stop:  cancel,
	}
}

func (f *Factory) dialer(addr string) func(context.Context) (tether.Channel, error) {
	return func(ctx context.Context) (tether.Channel, error) {
		ctx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
		defer cancel()
		d := net.Dialer{KeepAlive: f.cfg.KeepAlive}
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if err := Tune(nc, f.cfg); err != nil {
			f.log.Warn("tuning connection", "addr", addr, "error", err)
		}
		return channel.Net(nc), nil
	}
}

// Connect connects to addr and returns a session for the connection once
// the handshake has completed. If the connection is later lost or closed by
// the peer, the session is reconnected.
func (f *Factory) Connect(ctx context.Context, addr string) (*tether.Session, error) {
	c := tether.NewConn(tether.Client, f.base)
	if err := c.Connect(ctx, f.dialer(addr)); err != nil {
		f.log.Debug("connect failed", "addr", addr, "error", err)
		return nil, err
	}
	s := tether.NewSession(c)
	if r := f.track(s, addr); r != nil {
		r.watch(c)
	} else {
		s.Close()
	}
	return s, nil
}

// ScheduledConnect returns a session for addr immediately, and connects it
// in the background. Until a connection is established, operations on the
// session fail with tether.ErrReconnecting.
func (f *Factory) ScheduledConnect(addr string) *tether.Session {
	s := tether.NewSession(nil)
	if r := f.track(s, addr); r != nil {
		r.schedule(0)
	} else {
		s.Close()
	}
	return s
}

// track registers a reconnector for s, or returns nil if f is closed.
func (f *Factory) track(s *tether.Session, addr string) *reconnector {
	f.μ.Lock()
	defer f.μ.Unlock()
	if f.closed {
		return nil
	}
	r := &reconnector{f: f, s: s, addr: addr}
	f.recs = append(f.recs, r)
	return r
}

// Close stops reconnecting and closes every session created by f.
func (f *Factory) Close() error {
	f.μ.Lock()
	if f.closed {
		f.μ.Unlock()
		return nil
	}
	f.closed = true
	recs := f.recs
	f.recs = nil
	f.μ.Unlock()

	f.stop()
	var merr *multierror.Error
	for _, r := range recs {
		r.cancel()
		if err := r.s.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

func (f *Factory) isClosed() bool {
	f.μ.Lock()
	defer f.μ.Unlock()
	return f.closed
}

// delay returns the wait before the next connection attempt: the fixed
// reconnect delay plus a uniform random jitter, if one is configured.
func (f *Factory) delay() time.Duration {
	d := f.cfg.ReconnectDelay
	if j := f.cfg.ReconnectJitter; j > 0 {
		d += rand.N(j)
	}
	return d
}

// A reconnector keeps one session connected.
type reconnector struct {
	f       *Factory
	s       *tether.Session
	addr    string
	pending atomic.Bool // an attempt is scheduled

	μ     sync.Mutex
	timer clockwork.Timer
}

func (r *reconnector) schedule(d time.Duration) {
	if r.s.IsClosed() || r.f.isClosed() || !r.pending.CompareAndSwap(false, true) {
		return
	}
	r.f.log.Debug("reconnect scheduled", "addr", r.addr, "delay", d)
	t := r.f.clock.AfterFunc(d, r.attempt)
	r.μ.Lock()
	r.timer = t
	r.μ.Unlock()
}

func (r *reconnector) cancel() {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *reconnector) attempt() {
	r.pending.Store(false)
	if r.s.IsClosed() || r.f.isClosed() {
		return
	}
	c := tether.NewConn(tether.Client, r.f.base)
	if err := c.Connect(r.f.ctx, r.f.dialer(r.addr)); err != nil {
		r.f.log.Debug("reconnect failed", "addr", r.addr, "error", err)
		r.schedule(r.f.delay())
		return
	}
	if !r.s.ReconnectSwap(c) {
		return // the session closed while connecting
	}
	r.f.log.Info("reconnected", "addr", r.addr)
	r.watch(c)
}

// watch schedules a reconnect when c is closed by the peer or lost.
func (r *reconnector) watch(c *tether.Conn) {
	c.Listen(func(_, cur tether.SocketState) error {
		r.onState(c, cur)
		return nil
	}, nil)
	r.onState(c, c.State())
}

// onState reacts to terminal states only. Unlike tether.IsReconnectable it
// ignores BeingCloseByPeer, which is still settling and always ends in
// ClosedByPeer, and it includes UnexpectedClosed so that a local protocol or
// write failure also gets a fresh connection.
func (r *reconnector) onState(c *tether.Conn, st tether.SocketState) {
	switch st {
	case tether.ClosedByPeer, tether.UnexpectedClosedByPeer, tether.UnexpectedClosed:
		if r.s.Detach(c) {
			r.f.log.Info("connection lost", "addr", r.addr, "state", st)
			r.schedule(r.f.delay())
		}
	}
}
