// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether_test

import (
	"testing"

	"github.com/creachadair/tether"
	"github.com/google/go-cmp/cmp"
)

func TestPropertiesEncoding(t *testing.T) {
	in := tether.NewProperties(map[string]any{
		tether.KeyAgentID:         "agent-7",
		tether.KeyApplicationName: "billing",
		tether.KeyStartTimestamp:  int64(1700000000123),
		tether.KeyRequestDuplex:   true,
		"weight":                  int64(-5),
	})
	data, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var out tether.Properties
	if err := out.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if diff := cmp.Diff(in.Keys(), out.Keys()); diff != "" {
		t.Errorf("Keys (-want, +got):\n%s", diff)
	}
	if got := out.GetString(tether.KeyAgentID); got != "agent-7" {
		t.Errorf("Agent ID: got %q, want agent-7", got)
	}
	if got, ok := out.GetInt64(tether.KeyStartTimestamp); !ok || got != 1700000000123 {
		t.Errorf("Start timestamp: got %d, %v; want 1700000000123", got, ok)
	}
	if got, ok := out.GetInt64("weight"); !ok || got != -5 {
		t.Errorf("Weight: got %d, %v; want -5", got, ok)
	}
	if !out.GetBool(tether.KeyRequestDuplex) {
		t.Error("Request duplex: got false, want true")
	}

	// Deterministic encoding.
	again, err := out.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if diff := cmp.Diff(data, again); diff != "" {
		t.Errorf("Re-encoding differs (-want, +got):\n%s", diff)
	}
}

func TestPropertiesEmpty(t *testing.T) {
	var zero tether.Properties
	data, err := zero.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var out tether.Properties
	if err := out.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if n := out.Len(); n != 0 {
		t.Errorf("Len: got %d, want 0", n)
	}
	if err := out.UnmarshalBinary(nil); err != nil {
		t.Errorf("UnmarshalBinary(nil): %v", err)
	}
	if err := out.UnmarshalBinary([]byte{0xff, 0x00}); err == nil {
		t.Error("UnmarshalBinary(garbage): got nil, want error")
	}
}

func TestPropertiesCopy(t *testing.T) {
	m := map[string]any{tether.KeyAgentID: "a"}
	p := tether.NewProperties(m)
	m[tether.KeyAgentID] = "b"
	if got := p.GetString(tether.KeyAgentID); got != "a" {
		t.Errorf("Agent ID after mutating input: got %q, want a", got)
	}
	p.Map()[tether.KeyAgentID] = "c"
	if got := p.GetString(tether.KeyAgentID); got != "a" {
		t.Errorf("Agent ID after mutating copy: got %q, want a", got)
	}
}

func TestAgentProperties(t *testing.T) {
	p := tether.AgentProperties("agent-1", "app", true)
	for _, key := range tether.RequiredKeys {
		if !p.Has(key) {
			t.Errorf("Missing required key %q", key)
		}
	}
	if _, ok := p.GetInt64(tether.KeyPID); !ok {
		t.Errorf("PID missing or not an integer: %v", p.Map()[tether.KeyPID])
	}
	if !p.GetBool(tether.KeyRequestDuplex) {
		t.Error("Request duplex: got false, want true")
	}
}

func TestDefaultHandshaker(t *testing.T) {
	tests := []struct {
		name  string
		props tether.Properties
		want  tether.HandshakeCode
	}{
		{"Empty", tether.Properties{}, tether.HandshakeInvalidProperty},
		{"Simplex", tether.AgentProperties("a", "app", false), tether.HandshakeSimplex},
		{"Duplex", tether.AgentProperties("a", "app", true), tether.HandshakeDuplex},
		{"NoAgentID", tether.AgentProperties("", "app", true), tether.HandshakeInvalidProperty},
		{"MissingTimestamp", tether.NewProperties(map[string]any{
			tether.KeyAgentID:         "a",
			tether.KeyApplicationName: "app",
		}), tether.HandshakeInvalidProperty},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tether.DefaultHandshaker(tc.props); got != tc.want {
				t.Errorf("DefaultHandshaker: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHandshakeCode(t *testing.T) {
	tests := []struct {
		code    tether.HandshakeCode
		success bool
		state   tether.SocketState
	}{
		{tether.HandshakeDuplex, true, tether.RunDuplex},
		{tether.HandshakeSimplex, true, tether.RunSimplex},
		{tether.HandshakeOnly, true, tether.RunSimplex},
		{tether.HandshakeInvalidProperty, false, tether.RunSimplex},
		{tether.HandshakeRejected, false, tether.RunSimplex},
	}
	for _, tc := range tests {
		if got := tc.code.IsSuccess(); got != tc.success {
			t.Errorf("%v success: got %v, want %v", tc.code, got, tc.success)
		}
		if tc.success {
			if got := tc.code.State(); got != tc.state {
				t.Errorf("%v state: got %v, want %v", tc.code, got, tc.state)
			}
		}
	}
}
