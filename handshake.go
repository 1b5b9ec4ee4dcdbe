// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"fmt"
	"maps"
	"os"
	"reflect"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Well-known handshake property keys.
const (
	KeyAgentID         = "agentId"
	KeyApplicationName = "applicationName"
	KeyStartTimestamp  = "startTimestamp"
	KeyHostName        = "hostName"
	KeyPID             = "pid"
	KeyRequestDuplex   = "requestDuplex" // bool: ask the responder for duplex mode
)

// RequiredKeys are the property keys the default handshaker requires.
var RequiredKeys = []string{KeyAgentID, KeyApplicationName, KeyStartTimestamp}

// AgentProperties returns handshake properties identifying an agent
// process: its ID and application name, the current time as its start
// timestamp in milliseconds, its host name and process ID. If duplex is
// true the properties request duplex communication.
func AgentProperties(agentID, application string, duplex bool) Properties {
	host, _ := os.Hostname()
	return NewProperties(map[string]any{
		KeyAgentID:         agentID,
		KeyApplicationName: application,
		KeyStartTimestamp:  time.Now().UnixMilli(),
		KeyHostName:        host,
		KeyPID:             int64(os.Getpid()),
		KeyRequestDuplex:   duplex,
	})
}

// Properties is an immutable map of handshake properties exchanged once when
// a connection is established. The zero value is an empty map.
type Properties struct {
	m map[string]any
}

// NewProperties returns Properties holding a copy of m.
func NewProperties(m map[string]any) Properties { return Properties{m: maps.Clone(m)} }

// Get returns the value of key and whether it is present.
func (p Properties) Get(key string) (any, bool) {
	v, ok := p.m[key]
	return v, ok
}

// Has reports whether key is present.
func (p Properties) Has(key string) bool {
	_, ok := p.m[key]
	return ok
}

// GetString returns the value of key if it is a string, or "".
func (p Properties) GetString(key string) string {
	s, _ := p.m[key].(string)
	return s
}

// GetInt64 returns the value of key if it is an integer.
func (p Properties) GetInt64(key string) (int64, bool) {
	switch v := p.m[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint32:
		return int64(v), true
	}
	return 0, false
}

// GetBool returns the value of key if it is a Boolean, or false.
func (p Properties) GetBool(key string) bool {
	b, _ := p.m[key].(bool)
	return b
}

// Keys returns the keys of p in sorted order.
func (p Properties) Keys() []string { return slices.Sorted(maps.Keys(p.m)) }

// Len reports the number of properties in p.
func (p Properties) Len() int { return len(p.m) }

// Map returns a copy of the contents of p.
func (p Properties) Map() map[string]any { return maps.Clone(p.m) }

var (
	propEncMode cbor.EncMode
	propDecMode cbor.DecMode
)

func init() {
	var err error
	propEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tether: CBOR encoder initialization failed: " + err.Error())
	}
	propDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("tether: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalBinary encodes p in deterministic CBOR. It implements
// encoding.BinaryMarshaler.
func (p Properties) MarshalBinary() ([]byte, error) {
	if p.m == nil {
		return propEncMode.Marshal(map[string]any{})
	}
	return propEncMode.Marshal(p.m)
}

// UnmarshalBinary decodes CBOR data into p. Empty data decodes as an empty
// map. It implements encoding.BinaryUnmarshaler.
func (p *Properties) UnmarshalBinary(data []byte) error {
	m := make(map[string]any)
	if len(data) != 0 {
		if err := propDecMode.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("decode properties: %w", err)
		}
	}
	p.m = m
	return nil
}

// HandshakeCode is the result of a handshake negotiation.
type HandshakeCode uint16

const (
	HandshakeDuplex          HandshakeCode = 1  // both sides may initiate requests
	HandshakeSimplex         HandshakeCode = 2  // only the initiator may initiate requests
	HandshakeOnly            HandshakeCode = 3  // acknowledged without a capability grant
	HandshakeInvalidProperty HandshakeCode = 10 // required properties missing or malformed
	HandshakeRejected        HandshakeCode = 11 // refused by the responder
)

// IsSuccess reports whether c permits the connection to run.
func (c HandshakeCode) IsSuccess() bool {
	return c == HandshakeDuplex || c == HandshakeSimplex || c == HandshakeOnly
}

// State returns the running state a successful code establishes. A
// handshake acknowledged without a capability grant runs simplex.
func (c HandshakeCode) State() SocketState {
	if c == HandshakeDuplex {
		return RunDuplex
	}
	return RunSimplex
}

func (c HandshakeCode) String() string {
	switch c {
	case HandshakeDuplex:
		return "SUCCESS_DUPLEX"
	case HandshakeSimplex:
		return "SUCCESS_SIMPLEX"
	case HandshakeOnly:
		return "SUCCESS_HANDSHAKE_ONLY"
	case HandshakeInvalidProperty:
		return "FAIL_INVALID_PROPERTY"
	case HandshakeRejected:
		return "FAIL_REJECTED"
	default:
		return fmt.Sprintf("handshake code %d", uint16(c))
	}
}

// A Handshaker decides the result of a handshake request from the
// initiator's properties. It runs on the receiving goroutine of the
// connection and must not block.
type Handshaker func(Properties) HandshakeCode

// DefaultHandshaker requires the RequiredKeys. It grants duplex mode when
// the initiator sets KeyRequestDuplex, and simplex mode otherwise.
func DefaultHandshaker(p Properties) HandshakeCode {
	for _, key := range RequiredKeys {
		if !p.Has(key) {
			return HandshakeInvalidProperty
		}
	}
	if p.GetString(KeyAgentID) == "" {
		return HandshakeInvalidProperty
	}
	if p.GetBool(KeyRequestDuplex) {
		return HandshakeDuplex
	}
	return HandshakeSimplex
}
