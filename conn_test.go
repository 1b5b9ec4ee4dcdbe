// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether_test

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/channel"
	"github.com/creachadair/tether/peers"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
)

func agent(duplex bool) tether.Properties {
	return tether.AgentProperties("test-agent", "conn-test", duplex)
}

func echo(_ context.Context, c *tether.Conn, req *tether.Request) { c.Response(req.ID, req.Data) }

// newLocal returns a handshaken pair of connections over a direct channel.
// The client properties are set to request duplex mode if duplex is true.
func newLocal(t testing.TB, duplex bool, client, server tether.Options) *peers.Local {
	t.Helper()
	client.Properties = agent(duplex)
	loc, err := peers.NewLocal(context.Background(), client, server)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(func() { loc.Close() })
	return loc
}

// pipePair returns a handshaken pair of connections that exchange encoded
// packets over in-memory pipes.
func pipePair(t testing.TB, duplex bool, client, server tether.Options) (cli, srv *tether.Conn) {
	t.Helper()
	ar, bw := io.Pipe()
	br, aw := io.Pipe()

	srv = tether.NewConn(tether.Server, server)
	if err := srv.Start(channel.IO(br, bw)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	client.Properties = agent(duplex)
	cli = tether.NewConn(tether.Client, client)
	if err := cli.Connect(context.Background(), func(context.Context) (tether.Channel, error) {
		return channel.IO(ar, aw), nil
	}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		cli.Close()
		srv.Close()
		cli.Wait()
		srv.Wait()
	})
	return cli, srv
}

func closeLocal(t *testing.T, loc *peers.Local) {
	t.Helper()
	if err := loc.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	run := func(t *testing.T, cli *tether.Conn) {
		t.Helper()
		ctx := context.Background()
		for _, size := range []int{0, 10, 1024, 65536} {
			data := make([]byte, size)
			rand.Read(data)

			got, err := cli.Request(data).Wait(ctx)
			if err != nil {
				t.Fatalf("Request (%d bytes): %v", size, err)
			}
			if diff := cmp.Diff(data, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Response (%d bytes) differs (-want, +got):\n%s", size, diff)
			}
		}
		if n := cli.Requests().Len(); n != 0 {
			t.Errorf("Pending requests after round trips: got %d, want 0", n)
		}
	}

	t.Run("Direct", func(t *testing.T) {
		loc := newLocal(t, false, tether.Options{}, tether.Options{OnRequest: echo})
		run(t, loc.Client)
		closeLocal(t, loc)
	})
	t.Run("Pipe", func(t *testing.T) {
		cli, srv := pipePair(t, false, tether.Options{}, tether.Options{OnRequest: echo})
		run(t, cli)
		cli.Close()
		if err := srv.Wait(); err != nil {
			t.Errorf("Server exit: %v", err)
		}
		if err := cli.Wait(); err != nil {
			t.Errorf("Client exit: %v", err)
		}
	})
}

func TestBasicExchange(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal(t, false, tether.Options{}, tether.Options{OnRequest: echo})

	if got := loc.Client.State(); got != tether.RunSimplex {
		t.Errorf("Client state: got %v, want %v", got, tether.RunSimplex)
	}
	if got := loc.Server.RemoteProperties().GetString(tether.KeyAgentID); got != "test-agent" {
		t.Errorf("Server agent ID: got %q, want test-agent", got)
	}
	if got := loc.Client.HandshakeCode(); got != tether.HandshakeSimplex {
		t.Errorf("Handshake code: got %v, want %v", got, tether.HandshakeSimplex)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rsp, err := loc.Client.RequestTimeout([]byte{1, 2}, 3*time.Second).Wait(ctx)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if diff := cmp.Diff([]byte{1, 2}, rsp); diff != "" {
		t.Errorf("Response (-want, +got):\n%s", diff)
	}
	closeLocal(t, loc)
}

func TestRequestTimeoutScenario(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal(t, false, tether.Options{}, tether.Options{}) // server never responds

	start := time.Now()
	f := loc.Client.RequestTimeout([]byte("hello?"), 200*time.Millisecond)
	_, err := f.Result()
	elapsed := time.Since(start)

	if !errors.Is(err, tether.ErrRequestTimeout) {
		t.Errorf("Request: got %v, want %v", err, tether.ErrRequestTimeout)
	}
	if elapsed < 200*time.Millisecond || elapsed >= 400*time.Millisecond {
		t.Errorf("Request timed out after %v, want [200ms, 400ms)", elapsed)
	}
	if loc.Client.Requests().IsPending(f.ID()) {
		t.Errorf("Request %d is still pending", f.ID())
	}
	closeLocal(t, loc)
}

func TestUnexpectedCloseDrains(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := channel.Direct()
	srv := tether.NewConn(tether.Server, tether.Options{})
	if err := srv.Start(b); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cli := tether.NewConn(tether.Client, tether.Options{Properties: agent(false)})
	if err := cli.Connect(context.Background(), func(context.Context) (tether.Channel, error) {
		return a, nil
	}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f1 := cli.RequestTimeout([]byte("one"), time.Minute)
	f2 := cli.RequestTimeout([]byte("two"), time.Minute)

	// Simulate a transport failure.
	a.Close()

	for _, f := range []*tether.Future{f1, f2} {
		_, err := f.Result()
		if !errors.Is(err, tether.ErrUnexpectedClose) && !errors.Is(err, tether.ErrWriteFailure) {
			t.Errorf("Request %d: got %v, want unexpected close or write failure", f.ID(), err)
		}
	}
	if err := cli.Wait(); err == nil {
		t.Error("Client exit: got nil, want error")
	}
	if err := srv.Wait(); !errors.Is(err, tether.ErrUnexpectedClose) {
		t.Errorf("Server exit: got %v, want %v", err, tether.ErrUnexpectedClose)
	}
	for _, c := range []*tether.Conn{cli, srv} {
		if st := c.State(); !st.IsClosed() || st == tether.Closed || st == tether.ClosedByPeer {
			t.Errorf("%v state: got %v, want an unexpected close", c.Side(), st)
		}
	}
	if got := srv.State(); got != tether.UnexpectedClosedByPeer {
		t.Errorf("Server state: got %v, want %v", got, tether.UnexpectedClosedByPeer)
	}
}

func TestDuplexPush(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Duplex", func(t *testing.T) {
		loc := newLocal(t, true, tether.Options{OnRequest: echo}, tether.Options{})
		if got := loc.Server.State(); got != tether.RunDuplex {
			t.Fatalf("Server state: got %v, want %v", got, tether.RunDuplex)
		}
		for _, size := range []int{0, 10, 1024, 65536} {
			data := make([]byte, size)
			rand.Read(data)
			got, err := loc.Server.Request(data).Result()
			if err != nil {
				t.Fatalf("Server request: %v", err)
			}
			if diff := cmp.Diff(data, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Response (-want, +got):\n%s", diff)
			}
		}
		closeLocal(t, loc)
	})

	t.Run("Simplex", func(t *testing.T) {
		loc := newLocal(t, false, tether.Options{OnRequest: echo}, tether.Options{OnRequest: echo})
		f := loc.Server.Request([]byte("push"))
		if !f.IsDone() {
			t.Fatal("Server request on a simplex connection is pending")
		}
		if _, err := f.Result(); !errors.Is(err, tether.ErrSimplex) {
			t.Errorf("Server request: got %v, want %v", err, tether.ErrSimplex)
		}
		if n := loc.Server.Requests().Len(); n != 0 {
			t.Errorf("Server pending requests: got %d, want 0", n)
		}

		// The client may still initiate.
		if _, err := loc.Client.Request([]byte("pull")).Result(); err != nil {
			t.Errorf("Client request: %v", err)
		}
		closeLocal(t, loc)
	})
}

type stateLog struct {
	μ   sync.Mutex
	log []string
}

func (s *stateLog) listen(prev, cur tether.SocketState) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.log = append(s.log, cur.String())
	return nil
}

func (s *stateLog) get() []string {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.log
}

func TestCloseIdempotent(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal(t, false, tether.Options{}, tether.Options{})

	var cs, ss stateLog
	loc.Client.Listen(cs.listen, nil)
	loc.Server.Listen(ss.listen, nil)

	for range 2 {
		if err := loc.Client.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
		if got := loc.Client.State(); got != tether.Closed {
			t.Errorf("Client state: got %v, want %v", got, tether.Closed)
		}
	}
	if err := loc.Client.Wait(); err != nil {
		t.Errorf("Client exit: %v", err)
	}
	if err := loc.Server.Wait(); err != nil {
		t.Errorf("Server exit: %v", err)
	}

	if diff := cmp.Diff([]string{"BEING_CLOSE_BY_LOCAL", "CLOSED"}, cs.get()); diff != "" {
		t.Errorf("Client transitions (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"BEING_CLOSE_BY_PEER", "CLOSED_BY_PEER"}, ss.get()); diff != "" {
		t.Errorf("Server transitions (-want, +got):\n%s", diff)
	}

	if err := loc.Client.Send([]byte("late")); !errors.Is(err, tether.ErrNotConnected) {
		t.Errorf("Send after close: got %v, want %v", err, tether.ErrNotConnected)
	}
}

func TestCloseFailsPending(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal(t, false, tether.Options{}, tether.Options{})

	f := loc.Client.RequestTimeout([]byte("never"), time.Minute)
	loc.Client.Close()
	if _, err := f.Result(); !errors.Is(err, tether.ErrGracefulClose) {
		t.Errorf("Pending request: got %v, want %v", err, tether.ErrGracefulClose)
	}
	closeLocal(t, loc)
}

func TestHandshakeRejected(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := channel.Direct()
	srv := tether.NewConn(tether.Server, tether.Options{
		Handshaker: func(tether.Properties) tether.HandshakeCode { return tether.HandshakeRejected },
	})
	srv.Start(b)

	cli := tether.NewConn(tether.Client, tether.Options{Properties: agent(true)})
	err := cli.Connect(context.Background(), func(context.Context) (tether.Channel, error) { return a, nil })
	if !errors.Is(err, tether.ErrHandshakeFailure) {
		t.Errorf("Connect: got %v, want %v", err, tether.ErrHandshakeFailure)
	}
	cli.Wait()
	srv.Wait()
	if st := cli.State(); !st.IsClosed() {
		t.Errorf("Client state: got %v, want closed", st)
	}
	if got := cli.HandshakeCode(); got != tether.HandshakeRejected {
		t.Errorf("Client handshake code: got %v, want %v", got, tether.HandshakeRejected)
	}
	if got := srv.HandshakeCode(); got != tether.HandshakeRejected {
		t.Errorf("Server handshake code: got %v, want %v", got, tether.HandshakeRejected)
	}
}

func TestHandshakeInvalidProperties(t *testing.T) {
	defer leaktest.Check(t)()

	// No properties: the default handshaker requires an agent ID.
	_, err := peers.NewLocal(context.Background(), tether.Options{}, tether.Options{})
	if !errors.Is(err, tether.ErrHandshakeFailure) {
		t.Errorf("NewLocal: got %v, want %v", err, tether.ErrHandshakeFailure)
	}
}

func TestHandshakeUnanswered(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := channel.Direct()
	var requests atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			pkt, err := b.Recv()
			if err != nil {
				return
			}
			if pkt.Type == tether.PacketHandshakeRequest {
				requests.Add(1)
			}
		}
	}()

	cli := tether.NewConn(tether.Client, tether.Options{
		Properties:        agent(false),
		HandshakeInterval: 20 * time.Millisecond,
		HandshakeRetries:  3,
	})
	err := cli.Connect(context.Background(), func(context.Context) (tether.Channel, error) { return a, nil })
	if !errors.Is(err, tether.ErrHandshakeFailure) {
		t.Errorf("Connect: got %v, want %v", err, tether.ErrHandshakeFailure)
	}
	cli.Wait()
	<-done
	if n := requests.Load(); n != 3 {
		t.Errorf("Handshake requests: got %d, want 3", n)
	}
}

func TestServerHandshakeDeadline(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := channel.Direct()
	srv := tether.NewConn(tether.Server, tether.Options{
		HandshakeInterval: 10 * time.Millisecond,
		HandshakeRetries:  2,
	})
	if err := srv.Start(b); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go func() {
		for {
			if _, err := a.Recv(); err != nil {
				return
			}
		}
	}()

	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not close an idle connection")
	}
	srv.Wait()
	if got := srv.State(); got != tether.Closed {
		t.Errorf("Server state: got %v, want %v", got, tether.Closed)
	}
}

func TestDuplicateHandshake(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := channel.Direct()
	srv := tether.NewConn(tether.Server, tether.Options{})
	srv.Start(b)
	defer srv.Wait()
	defer a.Close()

	body, err := agent(true).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	for i := range 2 {
		if err := a.Send(&tether.Packet{Type: tether.PacketHandshakeRequest, Payload: body}); err != nil {
			t.Fatalf("Send handshake %d: %v", i+1, err)
		}
		pkt, err := a.Recv()
		if err != nil {
			t.Fatalf("Recv handshake %d: %v", i+1, err)
		}
		if pkt.Type != tether.PacketHandshakeResponse {
			t.Fatalf("Response %d: got %v, want handshake response", i+1, pkt)
		}
		t.Logf("Response %d: %v", i+1, pkt)
	}
	if got := srv.State(); got != tether.RunDuplex {
		t.Errorf("Server state: got %v, want %v", got, tether.RunDuplex)
	}
}

func TestConnectFailure(t *testing.T) {
	defer leaktest.Check(t)()

	cli := tether.NewConn(tether.Client, tether.Options{Properties: agent(false)})
	err := cli.Connect(context.Background(), func(context.Context) (tether.Channel, error) {
		return nil, errors.New("connection refused")
	})
	if !errors.Is(err, tether.ErrConnectFailure) {
		t.Errorf("Connect: got %v, want %v", err, tether.ErrConnectFailure)
	}
	if got := cli.State(); got != tether.ConnectFailed {
		t.Errorf("State: got %v, want %v", got, tether.ConnectFailed)
	}
	if err := cli.Wait(); !errors.Is(err, tether.ErrConnectFailure) {
		t.Errorf("Wait: got %v, want %v", err, tether.ErrConnectFailure)
	}
}

func TestSend(t *testing.T) {
	defer leaktest.Check(t)()

	msgs := make(chan string, 3)
	loc := newLocal(t, false, tether.Options{}, tether.Options{
		OnMessage: func(_ context.Context, _ *tether.Conn, data []byte) { msgs <- string(data) },
	})

	if err := loc.Client.Send([]byte("one")); err != nil {
		t.Errorf("Send: %v", err)
	}
	if err := loc.Client.SendSync(context.Background(), []byte("two")); err != nil {
		t.Errorf("SendSync: %v", err)
	}
	if _, err := loc.Client.SendAsync([]byte("three")).Result(); err != nil {
		t.Errorf("SendAsync: %v", err)
	}
	var got []string
	for range 3 {
		got = append(got, <-msgs)
	}
	if diff := cmp.Diff([]string{"one", "two", "three"}, got); diff != "" {
		t.Errorf("Messages (-want, +got):\n%s", diff)
	}
	closeLocal(t, loc)
}

func TestOversizedPayload(t *testing.T) {
	defer leaktest.Check(t)()
	cli, _ := pipePair(t, false, tether.Options{}, tether.Options{OnRequest: echo})

	big := make([]byte, tether.MaxPayload+1)
	if err := cli.SendSync(context.Background(), big); !errors.Is(err, tether.ErrWriteFailure) {
		t.Errorf("SendSync: got %v, want %v", err, tether.ErrWriteFailure)
	}
	if err := cli.Send(big); !errors.Is(err, tether.ErrWriteFailure) {
		t.Errorf("Send: got %v, want %v", err, tether.ErrWriteFailure)
	}
	if _, err := cli.RequestTimeout(big, time.Second).Result(); !errors.Is(err, tether.ErrWriteFailure) {
		t.Errorf("Request: got %v, want %v", err, tether.ErrWriteFailure)
	}
	if n := cli.Requests().Len(); n != 0 {
		t.Errorf("Client has %d pending requests, want 0", n)
	}

	// The connection survives and still carries ordinary traffic.
	if st := cli.State(); st != tether.RunSimplex {
		t.Errorf("Client state: got %v, want %v", st, tether.RunSimplex)
	}
	rsp, err := cli.RequestTimeout([]byte("small"), 3*time.Second).Result()
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if got := string(rsp); got != "small" {
		t.Errorf("Response: got %q, want small", got)
	}
}

func TestNestedRequestSingleHandler(t *testing.T) {
	defer leaktest.Check(t)()

	// The server has one handler slot. Its handler for "outer" calls back to
	// the client and waits, while a second request is already queued behind
	// it. The nested response must still be delivered.
	loc := newLocal(t, true, tether.Options{OnRequest: echo}, tether.Options{
		MaxHandlers: 1,
		OnRequest: func(ctx context.Context, c *tether.Conn, req *tether.Request) {
			if string(req.Data) != "outer" {
				c.Response(req.ID, req.Data)
				return
			}
			rsp, err := c.RequestTimeout([]byte("inner"), time.Second).Wait(ctx)
			if err != nil {
				c.Response(req.ID, []byte("outer:"+err.Error()))
				return
			}
			c.Response(req.ID, []byte("outer:"+string(rsp)))
		},
	})

	f1 := loc.Client.RequestTimeout([]byte("outer"), 3*time.Second)
	f2 := loc.Client.RequestTimeout([]byte("plain"), 3*time.Second)

	var got []string
	for _, f := range []*tether.Future{f1, f2} {
		rsp, err := f.Result()
		if err != nil {
			t.Fatalf("Request %d: %v", f.ID(), err)
		}
		got = append(got, string(rsp))
	}
	if diff := cmp.Diff([]string{"outer:inner", "plain"}, got); diff != "" {
		t.Errorf("Responses (-want, +got):\n%s", diff)
	}
	closeLocal(t, loc)
}

func TestPing(t *testing.T) {
	defer leaktest.Check(t)()

	clk := clockwork.NewFakeClock()
	loc := newLocal(t, false, tether.Options{Clock: clk}, tether.Options{Clock: clk})

	clk.Advance(time.Minute)
	want := clk.Now()
	loc.Server.Ping()

	deadline := time.Now().Add(5 * time.Second)
	for !loc.Server.LastSeen().Equal(want) {
		if time.Now().After(deadline) {
			t.Fatalf("Server last seen %v, want %v", loc.Server.LastSeen(), want)
		}
		time.Sleep(time.Millisecond)
	}
	closeLocal(t, loc)
}

func TestContextConn(t *testing.T) {
	defer leaktest.Check(t)()

	loc := newLocal(t, false, tether.Options{}, tether.Options{
		OnRequest: func(ctx context.Context, c *tether.Conn, req *tether.Request) {
			if tether.ContextConn(ctx) != c {
				c.Response(req.ID, []byte("missing"))
			} else {
				c.Response(req.ID, []byte("present"))
			}
		},
	})
	rsp, err := loc.Client.Request(nil).Result()
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if got := string(rsp); got != "present" {
		t.Errorf("Response: got %q, want present", got)
	}
	closeLocal(t, loc)
}

func TestHandlerPanic(t *testing.T) {
	defer leaktest.Check(t)()

	loc := newLocal(t, false, tether.Options{}, tether.Options{
		OnRequest: func(ctx context.Context, c *tether.Conn, req *tether.Request) {
			if string(req.Data) == "panic" {
				panic("handler failure")
			}
			c.Response(req.ID, req.Data)
		},
	})
	if _, err := loc.Client.RequestTimeout([]byte("panic"), 50*time.Millisecond).Result(); !errors.Is(err, tether.ErrRequestTimeout) {
		t.Errorf("Request: got %v, want %v", err, tether.ErrRequestTimeout)
	}
	if rsp, err := loc.Client.Request([]byte("ok")).Result(); err != nil || string(rsp) != "ok" {
		t.Errorf("Request after panic: got %q, %v; want ok", rsp, err)
	}
	closeLocal(t, loc)
}

func TestProtocolFatal(t *testing.T) {
	defer leaktest.Check(t)()

	rawServer := func() (*io.PipeWriter, *tether.Conn) {
		pr, tw := io.Pipe()
		_, pw := io.Pipe()
		srv := tether.NewConn(tether.Server, tether.Options{})
		srv.Start(channel.IO(pr, pw))
		return tw, srv
	}
	mustErr := func(t *testing.T, err error, want string) {
		t.Helper()
		if err == nil {
			t.Fatalf("Got nil, want %v", want)
		} else if !strings.Contains(err.Error(), want) {
			t.Fatalf("Got %v, want %v", err, want)
		}
	}

	t.Run("BadMagic", func(t *testing.T) {
		tw, srv := rawServer()
		tw.Write([]byte{'C', 'X', 0, 2, 0, 0, 0, 0})
		mustErr(t, srv.Wait(), "invalid protocol magic")
	})
	t.Run("ShortHeader", func(t *testing.T) {
		tw, srv := rawServer()
		tw.Write([]byte{'T', 'W', 0, 2, 0, 0})
		tw.Close()
		mustErr(t, srv.Wait(), "short packet header")
	})
	t.Run("ShortPayload", func(t *testing.T) {
		tw, srv := rawServer()
		tw.Write([]byte{'T', 'W', 0, 2, 0, 0, 0, 10, 'a', 'b', 'c', 'd'})
		tw.Close()
		mustErr(t, srv.Wait(), "short payload")
	})
	t.Run("BadRequest", func(t *testing.T) {
		tw, srv := rawServer()
		tw.Write(tether.Packet{Type: tether.PacketRequest, Payload: []byte("X")}.Encode())
		mustErr(t, srv.Wait(), "invalid request packet")
		if got := srv.State(); got != tether.UnexpectedClosed {
			t.Errorf("State: got %v, want %v", got, tether.UnexpectedClosed)
		}
	})
	t.Run("HandshakeToClient", func(t *testing.T) {
		a, b := channel.Direct()
		cli := tether.NewConn(tether.Client, tether.Options{
			Properties:        agent(false),
			HandshakeInterval: time.Second,
		})
		go func() {
			a.Recv() // the client's handshake request
			a.Send(&tether.Packet{Type: tether.PacketHandshakeRequest})
			a.Recv()
		}()
		err := cli.Connect(context.Background(), func(context.Context) (tether.Channel, error) { return b, nil })
		if !errors.Is(err, tether.ErrHandshakeFailure) {
			t.Errorf("Connect: got %v, want %v", err, tether.ErrHandshakeFailure)
		}
		mustErr(t, cli.Wait(), "handshake request sent to client")
	})
}

func TestConcurrency(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Local", func(t *testing.T) {
		loc := newLocal(t, true, tether.Options{OnRequest: echo}, tether.Options{OnRequest: echo})
		runConcurrent(t, loc.Client, loc.Server)
		closeLocal(t, loc)
	})
	t.Run("Pipe", func(t *testing.T) {
		cli, srv := pipePair(t, true, tether.Options{OnRequest: echo}, tether.Options{OnRequest: echo})
		runConcurrent(t, cli, srv)
	})
}

func runConcurrent(t *testing.T, pa, pb *tether.Conn) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// To give the race detector something to push against, make the peers
	// call each other lots of times concurrently and wait for the responses.
	const numCalls = 128 // per peer

	calls := taskgroup.New(cancel)
	for i := range numCalls {
		for _, p := range []*tether.Conn{pa, pb} {
			msg := fmt.Sprintf("%v-call-%d", p.Side(), i+1)
			calls.Go(func() error {
				rsp, err := p.Request([]byte(msg)).Wait(ctx)
				if err != nil {
					return err
				} else if got := string(rsp); got != msg {
					return fmt.Errorf("got %q, want %q", got, msg)
				}
				return nil
			})
		}
	}
	if err := calls.Wait(); err != nil {
		t.Errorf("Calls: %v", err)
	}
}
