// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the tether.Channel interface.
package channel

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/creachadair/tether"
)

// Direct constructs a connected pair of in-memory channels that pass packets
// directly without encoding into binary. Packets sent to A are received by B
// and vice versa. As with net.Pipe, closing either end terminates pending
// and subsequent operations on both ends.
func Direct() (A, B tether.Channel) {
	p := &pipe{done: make(chan struct{})}
	a2b := make(chan *tether.Packet)
	b2a := make(chan *tether.Packet)
	A = &direct{pipe: p, out: a2b, in: b2a}
	B = &direct{pipe: p, out: b2a, in: a2b}
	return
}

type pipe struct {
	once sync.Once
	done chan struct{}
}

type direct struct {
	*pipe
	out    chan<- *tether.Packet
	in     <-chan *tether.Packet
	closed atomic.Bool
}

// Send implements a method of the [tether.Channel] interface.
func (d *direct) Send(pkt *tether.Packet) error {
	select {
	case <-d.done:
		return net.ErrClosed
	default:
	}
	select {
	case d.out <- pkt:
		return nil
	case <-d.done:
		return net.ErrClosed
	}
}

// Recv implements a method of the [tether.Channel] interface.
func (d *direct) Recv() (*tether.Packet, error) {
	select {
	case <-d.done:
		return nil, net.ErrClosed
	default:
	}
	select {
	case pkt := <-d.in:
		return pkt, nil
	case <-d.done:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [tether.Channel] interface. Closing an
// end a second time reports net.ErrClosed.
func (d *direct) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return net.ErrClosed
	}
	d.once.Do(func() { close(d.done) })
	return nil
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// Net constructs a channel that sends and receives on conn.
func Net(conn net.Conn) IOChannel { return IO(conn, conn) }

// An IOChannel sends and receives packets on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [tether.Channel] interface.
func (c IOChannel) Send(pkt *tether.Packet) error {
	if _, err := pkt.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [tether.Channel] interface.
func (c IOChannel) Recv() (*tether.Packet, error) {
	var pkt tether.Packet
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [tether.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }
