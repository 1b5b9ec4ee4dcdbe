// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether_test

import (
	"context"
	"testing"

	"github.com/creachadair/tether"
)

func noop(_ context.Context, c *tether.Conn, req *tether.Request) { c.Response(req.ID, nil) }

func BenchmarkRequest(b *testing.B) {
	var payload = []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	b.Run("Direct-noop", func(b *testing.B) {
		loc := newLocal(b, false, tether.Options{}, tether.Options{OnRequest: noop})
		runBench(b, loc.Client, nil)
	})
	b.Run("Direct-echo", func(b *testing.B) {
		loc := newLocal(b, false, tether.Options{}, tether.Options{OnRequest: echo})
		runBench(b, loc.Client, payload)
	})

	b.Run("IO-noop", func(b *testing.B) {
		cli, _ := pipePair(b, false, tether.Options{}, tether.Options{OnRequest: noop})
		runBench(b, cli, nil)
	})
	b.Run("IO-echo", func(b *testing.B) {
		cli, _ := pipePair(b, false, tether.Options{}, tether.Options{OnRequest: echo})
		runBench(b, cli, payload)
	})
}

func BenchmarkSend(b *testing.B) {
	loc := newLocal(b, false, tether.Options{}, tether.Options{
		OnMessage: func(context.Context, *tether.Conn, []byte) {},
	})
	ctx := context.Background()
	data := []byte("telemetry")
	for b.Loop() {
		if err := loc.Client.SendSync(ctx, data); err != nil {
			b.Fatal(err)
		}
	}
}

func runBench(b *testing.B, c *tether.Conn, data []byte) {
	b.Helper()
	ctx := context.Background()

	for b.Loop() {
		if _, err := c.Request(data).Wait(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
