// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/tether/packet"
)

// MaxPayload is the largest payload a packet may carry.
const MaxPayload = 1 << 24

// Packet is the parsed format of a tether frame.
type Packet struct {
	Type    PacketType
	Payload []byte
}

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(p.Payload)))
	if _, err := p.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
//
// The header is 8 bytes: the magic "TW", a big-endian uint16 packet type and
// a big-endian uint32 payload length.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	buf := [8]byte{'T', 'W'}
	binary.BigEndian.PutUint16(buf[2:], uint16(p.Type))
	binary.BigEndian.PutUint32(buf[4:], uint32(len(p.Payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(p.Payload) != 0 {
		var np int
		np, err = w.Write(p.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var buf [8]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		if err == io.EOF {
			return int64(nr), err // clean end of stream
		}
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	if m := string(buf[:2]); m != "TW" {
		return int64(nr), fmt.Errorf("invalid protocol magic %q", m)
	}

	p.Type = PacketType(binary.BigEndian.Uint16(buf[2:]))
	p.Payload = nil

	psize := binary.BigEndian.Uint32(buf[4:])
	if psize > MaxPayload {
		return int64(nr), fmt.Errorf("payload too large (%d > %d bytes)", psize, MaxPayload)
	} else if psize > 0 {
		p.Payload = make([]byte, int(psize))
		var np int
		np, err = io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	}
	return int64(nr), err
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay string
	switch p.Type {
	case PacketRequest, PacketResponse, PacketStreamOpen, PacketStreamData:
		var m packet.Message
		if err := m.Decode(p.Payload); err == nil {
			pay = m.String()
		}
	case PacketStreamClose:
		var c packet.StreamClose
		if err := c.Decode(p.Payload); err == nil {
			pay = fmt.Sprintf("StreamClose(ID=%d, Code=%v)", c.ID, StreamCode(c.Code))
		}
	case PacketHandshakeResponse:
		var r packet.Result
		if err := r.Decode(p.Payload); err == nil {
			pay = fmt.Sprintf("Result(%v, %d bytes)", HandshakeCode(r.Code), len(r.Data))
		}
	}
	if pay == "" {
		pay = fmt.Sprint(p.Payload)
	}
	return fmt.Sprintf("Packet(%v, %s)", p.Type, pay)
}

// PacketType describes the structure type of a tether frame.
type PacketType uint16

const (
	PacketSend              PacketType = 1  // Fire-and-forget payload
	PacketRequest           PacketType = 2  // Request expecting a correlated response
	PacketResponse          PacketType = 3  // Response to a request
	PacketPing              PacketType = 4  // Liveness probe
	PacketPong              PacketType = 5  // Reply to a liveness probe
	PacketHandshakeRequest  PacketType = 10 // Initiator's property map
	PacketHandshakeResponse PacketType = 11 // Responder's result code
	PacketStreamOpen        PacketType = 20 // Open a stream channel
	PacketStreamData        PacketType = 21 // Data on a stream channel
	PacketStreamClose       PacketType = 22 // Close a stream channel
	PacketClientClose       PacketType = 30 // Graceful close notice from the client
	PacketServerClose       PacketType = 31 // Graceful shutdown notice from the server
)

func (p PacketType) String() string {
	switch p {
	case PacketSend:
		return "SEND"
	case PacketRequest:
		return "REQUEST"
	case PacketResponse:
		return "RESPONSE"
	case PacketPing:
		return "PING"
	case PacketPong:
		return "PONG"
	case PacketHandshakeRequest:
		return "HANDSHAKE_REQUEST"
	case PacketHandshakeResponse:
		return "HANDSHAKE_RESPONSE"
	case PacketStreamOpen:
		return "STREAM_OPEN"
	case PacketStreamData:
		return "STREAM_DATA"
	case PacketStreamClose:
		return "STREAM_CLOSE"
	case PacketClientClose:
		return "CLIENT_CLOSE"
	case PacketServerClose:
		return "SERVER_CLOSE"
	default:
		return fmt.Sprintf("TYPE:%d", uint16(p))
	}
}
