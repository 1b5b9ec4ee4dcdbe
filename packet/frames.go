// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package packet

import "fmt"

// Message is the body of a frame that carries a 32-bit identifier followed by
// an opaque payload. Request, response, stream-open and stream-data frames all
// share this layout; the identifier is a request ID or a stream channel ID
// depending on the frame type.
type Message struct {
	ID   uint32
	Data []byte
}

// Encode encodes m in binary format.
func (m Message) Encode() []byte {
	var b Builder
	b.Grow(4 + len(m.Data))
	b.Uint32(m.ID)
	b.Put(m.Data...)
	return b.Bytes()
}

// Decode decodes data into m. The payload of m aliases data.
func (m *Message) Decode(data []byte) error {
	s := NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("short message body: %w", err)
	}
	m.ID = id
	m.Data = s.Rest()
	return nil
}

// String returns a human-friendly rendering of the message.
func (m Message) String() string {
	if len(m.Data) > 16 {
		return fmt.Sprintf("Message(ID=%d, Data=%+v ...)", m.ID, m.Data[:16])
	}
	return fmt.Sprintf("Message(ID=%d, Data=%+v)", m.ID, m.Data)
}

// StreamClose is the body of a stream close frame.
type StreamClose struct {
	ID   uint32
	Code uint16
}

// Encode encodes c in binary format.
func (c StreamClose) Encode() []byte {
	var b Builder
	b.Grow(6)
	b.Uint32(c.ID)
	b.Uint16(c.Code)
	return b.Bytes()
}

// Decode decodes data into c.
func (c *StreamClose) Decode(data []byte) error {
	if len(data) != 6 {
		return fmt.Errorf("invalid stream close body (%d bytes)", len(data))
	}
	s := NewScanner(data)
	c.ID, _ = s.Uint32()
	c.Code, _ = s.Uint16()
	return nil
}

// Result is the body of a handshake response frame: a result code followed by
// optional encoded properties of the responder.
type Result struct {
	Code uint16
	Data []byte
}

// Encode encodes r in binary format.
func (r Result) Encode() []byte {
	var b Builder
	b.Grow(2 + len(r.Data))
	b.Uint16(r.Code)
	b.Put(r.Data...)
	return b.Bytes()
}

// Decode decodes data into r. The payload of r aliases data.
func (r *Result) Decode(data []byte) error {
	s := NewScanner(data)
	code, err := s.Uint16()
	if err != nil {
		return fmt.Errorf("short result body: %w", err)
	}
	r.Code = code
	r.Data = s.Rest()
	return nil
}
