// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package peers

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/channel"
	"github.com/creachadair/tether/config"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
)

// An Acceptor serves server connections. Each accepted connection is added
// to its ChannelGroup until it closes. While running, the acceptor pings
// every running connection at the configured interval.
type Acceptor struct {
	cfg   config.Config
	base  tether.Options
	clock clockwork.Clock
	log   hclog.Logger
	group *ChannelGroup
	tasks *taskgroup.Group
	stop  chan struct{}

	μ      sync.Mutex
	lst    net.Listener
	pinger bool // whether the ping loop is running
	closed bool
}

// NewAcceptor constructs an acceptor that creates connections with the
// settings of cfg applied to base.
func NewAcceptor(cfg config.Config, base tether.Options) *Acceptor {
	base = cfg.Options(base)
	if base.Clock == nil {
		base.Clock = clockwork.NewRealClock()
	}
	if base.Logger == nil {
		base.Logger = hclog.NewNullLogger()
	}
	return &Acceptor{
		cfg:   cfg,
		base:  base,
		clock: base.Clock,
		log:   base.Logger.Named("acceptor"),
		group: NewChannelGroup(),
		tasks: taskgroup.New(nil),
		stop:  make(chan struct{}),
	}
}

// Group returns the group of live connections of a.
func (a *Acceptor) Group() *ChannelGroup { return a.group }

// Addr returns the address a is listening on, or nil if it is not bound.
func (a *Acceptor) Addr() net.Addr {
	a.μ.Lock()
	defer a.μ.Unlock()
	if a.lst == nil {
		return nil
	}
	return a.lst.Addr()
}

// Bind listens for TCP connections on addr and serves them in the
// background. It does not block.
func (a *Acceptor) Bind(addr string) error {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return &tether.Error{Kind: tether.ErrConnectFailure, Op: "bind " + addr, Err: err}
	}
	if err := a.Serve(lst); err != nil {
		lst.Close()
		return err
	}
	return nil
}

// Serve accepts connections from lst in the background until a is closed.
// An acceptor serves at most one listener.
func (a *Acceptor) Serve(lst net.Listener) error {
	a.μ.Lock()
	defer a.μ.Unlock()
	if a.closed {
		return net.ErrClosed
	} else if a.lst != nil {
		return errors.New("acceptor is already bound")
	}
	a.lst = lst
	a.startPingerLocked()
	a.log.Info("listening", "addr", lst.Addr())

	a.tasks.Go(func() error {
		var delay time.Duration
		for {
			nc, err := lst.Accept()
			if err != nil {
				if a.isClosed() {
					return nil
				} else if errors.Is(err, net.ErrClosed) {
					a.log.Error("listener closed", "addr", lst.Addr())
					return err
				}
				delay = acceptBackoff(delay)
				a.log.Warn("accept failed", "error", err, "retry", delay)
				select {
				case <-a.stop:
					return nil
				case <-a.clock.After(delay):
				}
				continue
			}
			delay = 0
			if err := Tune(nc, a.cfg); err != nil {
				a.log.Warn("tuning connection", "remote", nc.RemoteAddr(), "error", err)
			}
			a.Attach(channel.Net(nc))
		}
	})
	return nil
}

// acceptBackoff returns the delay before retrying a failed Accept, given the
// previous delay (zero for the first failure).
func acceptBackoff(prev time.Duration) time.Duration {
	const minDelay, maxDelay = 5 * time.Millisecond, time.Second
	if prev == 0 {
		return minDelay
	}
	return min(2*prev, maxDelay)
}

// Attach starts a server connection on ch and adds it to the group. It
// returns nil if a is closed, in which case ch is closed.
func (a *Acceptor) Attach(ch tether.Channel) *tether.Conn {
	a.μ.Lock()
	defer a.μ.Unlock()
	if a.closed {
		ch.Close()
		return nil
	}
	a.startPingerLocked()

	c := tether.NewConn(tether.Server, a.base)
	a.group.Add(c)
	if err := c.Start(ch); err != nil {
		a.group.Remove(c)
		return nil
	}
	a.tasks.Go(func() error {
		if err := c.Wait(); err != nil {
			a.log.Debug("connection ended", "error", err)
		}
		a.group.Remove(c)
		return nil
	})
	return c
}

func (a *Acceptor) startPingerLocked() {
	if a.pinger {
		return
	}
	a.pinger = true
	t := a.clock.NewTicker(a.cfg.PingInterval)
	a.tasks.Go(func() error {
		defer t.Stop()
		for {
			select {
			case <-a.stop:
				return nil
			case <-t.Chan():
				a.PingAll()
			}
		}
	})
}

// PingAll sends a ping to every running connection in the group.
func (a *Acceptor) PingAll() {
	for _, c := range a.group.Writable() {
		c.Ping()
	}
}

func (a *Acceptor) isClosed() bool {
	a.μ.Lock()
	defer a.μ.Unlock()
	return a.closed
}

// Close shuts down a. It stops the ping loop, closes every live connection
// (which notifies its peer), closes the listener, and then force-closes any
// connection that remains, before waiting for all goroutines to exit.
func (a *Acceptor) Close() error {
	a.μ.Lock()
	if a.closed {
		a.μ.Unlock()
		return nil
	}
	a.closed = true
	lst := a.lst
	a.μ.Unlock()

	close(a.stop)

	var merr *multierror.Error
	g := taskgroup.New(nil)
	for _, c := range a.group.Conns() {
		g.Go(c.Close)
	}
	if err := g.Wait(); err != nil {
		merr = multierror.Append(merr, err)
	}
	if lst != nil {
		if err := lst.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			merr = multierror.Append(merr, err)
		}
	}
	for _, c := range a.group.Conns() {
		a.log.Debug("force closing connection", "state", c.State())
		c.Close()
	}
	a.tasks.Wait()
	return merr.ErrorOrNil()
}
