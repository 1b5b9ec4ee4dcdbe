// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package tether implements the connection and session layer of a
// telemetry transport between agents and a collector.
//
// Agents (clients) connect to a collector (server) and exchange framed
// packets over a reliable ordered channel. Each connection begins with a
// handshake in which the client presents a set of [Properties] and the
// server answers with a [HandshakeCode] granting either duplex or simplex
// communication. On a duplex connection either side may initiate requests;
// on a simplex connection only the client may.
//
// # Connections
//
// The core type defined by this package is the [Conn]. A Conn owns one
// physical connection and moves through the states of a [SocketState]
// machine, from BeingConnect to one of the closed states. To connect as a
// client:
//
//	c := tether.NewConn(tether.Client, tether.Options{Properties: props})
//	if err := c.Connect(ctx, dial); err != nil {
//	   log.Fatalf("Connect failed: %v", err)
//	}
//
// A server connection is started on an accepted channel:
//
//	c := tether.NewConn(tether.Server, opts)
//	c.Start(ch)
//
// # Requests
//
// A request is correlated with its response by a request ID. [Conn.Request]
// returns a [Future] that completes with exactly one of the response, a
// timeout, or the close reason of the connection:
//
//	rsp, err := c.Request([]byte("ping")).Wait(ctx)
//	if errors.Is(err, tether.ErrRequestTimeout) {
//	   // ...
//	}
//
// Inbound requests are delivered to the RequestHandler in [Options], which
// answers by calling [Conn.Response].
//
// # Streams
//
// A [StreamChannel] is a logical bidirectional sub-channel multiplexed over
// a connection, used for example to push a sequence of data frames from the
// server. Use [Conn.OpenStream] to open one; the peer receives it through
// its StreamHandler.
//
// # Sessions
//
// A [Session] is a stable handle for a client connection that outlives any
// one physical connection. The peers package provides a Factory that
// reconnects sessions after the connection drops, and an Acceptor that
// serves connections on a listener.
//
// # Errors
//
// Failures are reported as [*Error] values classified by a [Kind]. Use
// errors.Is with a Kind to test for a class of failure.
package tether
