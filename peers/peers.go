// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing connections:
// a client Factory that reconnects sessions, a server Acceptor, and
// in-memory connected pairs for tests.
package peers

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/channel"
	"github.com/creachadair/tether/config"
	"github.com/hashicorp/go-multierror"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	Client *tether.Conn
	Server *tether.Conn
}

// Close closes both connections and blocks until both have exited.
func (p *Local) Close() error {
	p.Client.Close()
	p.Server.Close()
	cerr := p.Client.Wait()
	serr := p.Server.Wait()
	return errors.Join(cerr, serr)
}

// NewLocal creates a pair of connections over a direct in-memory channel and
// performs the handshake between them.
func NewLocal(ctx context.Context, client, server tether.Options) (*Local, error) {
	a, b := channel.Direct()
	srv := tether.NewConn(tether.Server, server)
	if err := srv.Start(b); err != nil {
		a.Close()
		return nil, err
	}
	cli := tether.NewConn(tether.Client, client)
	if err := cli.Connect(ctx, func(context.Context) (tether.Channel, error) { return a, nil }); err != nil {
		srv.Close()
		srv.Wait()
		cli.Wait()
		return nil, err
	}
	return &Local{Client: cli, Server: srv}, nil
}

// Tune applies the socket settings of cfg to nc, if it is a TCP connection.
func Tune(nc net.Conn, cfg config.Config) error {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return nil
	}
	var merr *multierror.Error
	add := func(err error) {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	add(tc.SetNoDelay(cfg.NoDelay))
	if cfg.KeepAlive > 0 {
		add(tc.SetKeepAlive(true))
		add(tc.SetKeepAlivePeriod(cfg.KeepAlive))
	}
	if cfg.ReadBufferSize > 0 {
		add(tc.SetReadBuffer(cfg.ReadBufferSize))
	}
	if cfg.WriteBufferSize > 0 {
		add(tc.SetWriteBuffer(cfg.WriteBufferSize))
	}
	return merr.ErrorOrNil()
}

// A ChannelGroup is the set of live connections of an Acceptor.
type ChannelGroup struct {
	μ     sync.Mutex
	conns mapset.Set[*tether.Conn]
}

// NewChannelGroup constructs an empty group.
func NewChannelGroup() *ChannelGroup { return &ChannelGroup{conns: mapset.New[*tether.Conn]()} }

// Add adds c to the group.
func (g *ChannelGroup) Add(c *tether.Conn) {
	g.μ.Lock()
	defer g.μ.Unlock()
	g.conns.Add(c)
}

// Remove removes c from the group.
func (g *ChannelGroup) Remove(c *tether.Conn) {
	g.μ.Lock()
	defer g.μ.Unlock()
	g.conns.Remove(c)
}

// Len reports the number of connections in the group.
func (g *ChannelGroup) Len() int {
	g.μ.Lock()
	defer g.μ.Unlock()
	return g.conns.Len()
}

// Conns returns a snapshot of the connections in the group.
func (g *ChannelGroup) Conns() []*tether.Conn { return g.filter(func(*tether.Conn) bool { return true }) }

// Writable returns a snapshot of the connections in the group that are
// running.
func (g *ChannelGroup) Writable() []*tether.Conn {
	return g.filter(func(c *tether.Conn) bool { return c.State().IsRunning() })
}

// Lookup returns a running connection whose peer presented the given agent
// ID in its handshake, or nil if there is none.
func (g *ChannelGroup) Lookup(agentID string) *tether.Conn {
	cs := g.filter(func(c *tether.Conn) bool {
		return c.State().IsRunning() && c.RemoteProperties().GetString(tether.KeyAgentID) == agentID
	})
	if len(cs) == 0 {
		return nil
	}
	return cs[0]
}

func (g *ChannelGroup) filter(keep func(*tether.Conn) bool) []*tether.Conn {
	g.μ.Lock()
	defer g.μ.Unlock()
	var out []*tether.Conn
	for c := range g.conns {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
