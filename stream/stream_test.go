// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package stream_test

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/creachadair/tether"
	"github.com/creachadair/tether/peers"
	"github.com/creachadair/tether/stream"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// words yields the space-separated words of the opening payload. The word
// "err" ends the stream with an error, and "wait" blocks until the stream
// is canceled.
func words(ctx context.Context, _ *tether.StreamChannel, req []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, w := range strings.Fields(string(req)) {
			switch w {
			case "err":
				yield(nil, errors.New("test"))
				return
			case "wait":
				<-ctx.Done()
				return
			}
			if !yield([]byte(w), nil) {
				return
			}
		}
	}
}

func newLocal(t *testing.T, duplex bool, client, server tether.Options) *peers.Local {
	t.Helper()
	client.Properties = tether.AgentProperties("stream-agent", "stream-test", duplex)
	loc, err := peers.NewLocal(context.Background(), client, server)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(func() { loc.Close() })
	return loc
}

func TestStream(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr error
	}{
		{"", nil, nil},
		{"foo bar", []string{"foo", "bar"}, nil},
		{"foo bar err", []string{"foo", "bar"}, tether.StreamFailed},
		{"err", nil, tether.StreamFailed},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			defer leaktest.Check(t)()
			loc := newLocal(t, false, tether.Options{}, tether.Options{OnStream: stream.Serve(words)})

			var got []string
			var gotErr error
			for data, err := range stream.Open(context.Background(), loc.Client, []byte(tc.in)) {
				if err != nil {
					gotErr = err
					break
				}
				got = append(got, string(data))
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Stream values (-want, +got):\n%s", diff)
			}
			if !errors.Is(gotErr, tc.wantErr) {
				t.Errorf("Stream error: got %v, want %v", gotErr, tc.wantErr)
			}
			loc.Close()
		})
	}
}

func TestStreamEarlyStop(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal(t, false, tether.Options{}, tether.Options{OnStream: stream.Serve(words)})

	for data := range stream.Open(context.Background(), loc.Client, []byte("first wait")) {
		if got := string(data); got != "first" {
			t.Errorf("First value: got %q, want first", got)
		}
		break
	}
	if n := loc.Client.Streams().Len(); n != 0 {
		t.Errorf("Client has %d open streams after early stop, want 0", n)
	}
	loc.Close()
}

func TestStreamCancel(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal(t, false, tether.Options{}, tether.Options{OnStream: stream.Serve(words)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got []string
	var gotErr error
	for data, err := range stream.Open(ctx, loc.Client, []byte("one wait")) {
		if err != nil {
			gotErr = err
			break
		}
		got = append(got, string(data))
		cancel()
	}
	if diff := cmp.Diff([]string{"one"}, got); diff != "" {
		t.Errorf("Stream values (-want, +got):\n%s", diff)
	}
	if !errors.Is(gotErr, context.Canceled) {
		t.Errorf("Stream error: got %v, want %v", gotErr, context.Canceled)
	}
	loc.Close()
}

func TestStreamRejected(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal(t, false, tether.Options{}, tether.Options{}) // no stream handler

	for _, err := range stream.Open(context.Background(), loc.Client, []byte("x")) {
		if !errors.Is(err, tether.StreamRejected) {
			t.Errorf("Open: got %v, want %v", err, tether.StreamRejected)
		}
	}
	loc.Close()
}

func TestServerPush(t *testing.T) {
	defer leaktest.Check(t)()
	lst, seq := stream.Listen(context.Background())
	loc := newLocal(t, true, tether.Options{
		OnStream: func(context.Context, *tether.StreamChannel, []byte) (tether.StreamListener, error) {
			return lst, nil
		},
	}, tether.Options{})

	s, err := loc.Server.OpenStream([]byte("push"), nil)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if s.ID()%2 != 0 {
		t.Errorf("Server stream ID %d is odd, want even", s.ID())
	}
	for _, v := range []string{"a", "b", "c"} {
		if err := s.Send([]byte(v)); err != nil {
			t.Fatalf("Send %q: %v", v, err)
		}
	}
	s.Close()

	var got []string
	for data, err := range seq {
		if err != nil {
			t.Fatalf("Stream error: %v", err)
		}
		got = append(got, string(data))
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("Pushed values (-want, +got):\n%s", diff)
	}
	loc.Close()
}

func TestServerPushSimplex(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal(t, false, tether.Options{}, tether.Options{})

	if s, err := loc.Server.OpenStream(nil, nil); !errors.Is(err, tether.ErrSimplex) {
		t.Errorf("OpenStream on simplex: got %v, %v; want %v", s, err, tether.ErrSimplex)
	}
	loc.Close()
}
