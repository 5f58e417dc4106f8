package common

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Wire Format Constants
// --------------------------------------------------------------------------

const (
	// HeaderLen is the fixed size of the wire header in bytes
	HeaderLen = 16

	// InitialBufferSize is the read buffer capacity a session starts with
	// before the header announces the real message length
	InitialBufferSize = 1024

	// DefaultMaxMessageSize is the ceiling for a declared message length,
	// protecting against unbounded allocation from a hostile header
	DefaultMaxMessageSize = 48 * 1000 * 1000
)

var (
	// ErrMalformedHeader is returned when a header declares a length
	// smaller than the header itself
	ErrMalformedHeader = errors.New("malformed message header")

	// ErrMessageTooLarge is returned when a header declares a length above
	// the configured ceiling
	ErrMessageTooLarge = errors.New("message length exceeds maximum")
)

// nextRequestID numbers outgoing requests process-wide
var nextRequestID atomic.Uint32

// NextRequestID returns a fresh request identifier.
func NextRequestID() uint32 {
	return nextRequestID.Add(1)
}

// --------------------------------------------------------------------------
// Header
// --------------------------------------------------------------------------

// Header is the decoded form of the fixed 16-byte message prefix. All
// fields travel little-endian on the wire:
//
//	bytes  0..3   MessageLen  total length including the header
//	bytes  4..7   RequestID   sender-assigned identifier
//	bytes  8..11  ResponseTo  RequestID this message answers, 0 for requests
//	bytes 12..15  OpCode      operation discriminator
type Header struct {
	MessageLen uint32
	RequestID  uint32
	ResponseTo uint32
	OpCode     OpCode
}

// ParseHeader decodes the first HeaderLen bytes of buf. The caller must
// ensure len(buf) >= HeaderLen.
func ParseHeader(buf []byte) Header {
	return Header{
		MessageLen: binary.LittleEndian.Uint32(buf[0:4]),
		RequestID:  binary.LittleEndian.Uint32(buf[4:8]),
		ResponseTo: binary.LittleEndian.Uint32(buf[8:12]),
		OpCode:     OpCode(binary.LittleEndian.Uint32(buf[12:16])),
	}
}

// PutHeader encodes h into the first HeaderLen bytes of buf. The caller
// must ensure len(buf) >= HeaderLen.
func PutHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.MessageLen)
	binary.LittleEndian.PutUint32(buf[4:8], h.RequestID)
	binary.LittleEndian.PutUint32(buf[8:12], h.ResponseTo)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.OpCode))
}

// Validate checks the declared length against the protocol bounds. maxSize
// <= 0 falls back to DefaultMaxMessageSize.
func (h Header) Validate(maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	if h.MessageLen < HeaderLen {
		return fmt.Errorf("%w: declared length %d below header size %d", ErrMalformedHeader, h.MessageLen, HeaderLen)
	}
	if int(h.MessageLen) > maxSize {
		return fmt.Errorf("%w: declared length %d, maximum %d", ErrMessageTooLarge, h.MessageLen, maxSize)
	}
	return nil
}

// --------------------------------------------------------------------------
// Message
// --------------------------------------------------------------------------

// Message is one fully framed wire message: the 16-byte header followed by
// the opaque body, held in a single buffer. A Message is immutable once
// assembled and exclusively owned by whoever last completed transferring
// it; the transport never inspects the body.
type Message struct {
	buf []byte
}

// FromBytes wraps a fully assembled buffer. The header is validated
// against the actual buffer length.
func FromBytes(buf []byte) (*Message, error) {
	if len(buf) < HeaderLen {
		return nil, fmt.Errorf("%w: buffer of %d bytes cannot hold a header", ErrMalformedHeader, len(buf))
	}
	h := ParseHeader(buf)
	if err := h.Validate(0); err != nil {
		return nil, err
	}
	if int(h.MessageLen) != len(buf) {
		return nil, fmt.Errorf("%w: declared length %d, buffer holds %d", ErrMalformedHeader, h.MessageLen, len(buf))
	}
	return &Message{buf: buf}, nil
}

// Len returns the total message length, header included.
func (m *Message) Len() int {
	return len(m.buf)
}

// Header returns the decoded header.
func (m *Message) Header() Header {
	return ParseHeader(m.buf)
}

// RequestID returns the sender-assigned identifier.
func (m *Message) RequestID() uint32 {
	return binary.LittleEndian.Uint32(m.buf[4:8])
}

// ResponseTo returns the request this message answers, 0 for requests.
func (m *Message) ResponseTo() uint32 {
	return binary.LittleEndian.Uint32(m.buf[8:12])
}

// OpCode returns the operation discriminator.
func (m *Message) OpCode() OpCode {
	return OpCode(binary.LittleEndian.Uint32(m.buf[12:16]))
}

// Body returns the payload bytes after the header. The slice aliases the
// message buffer and must not be modified.
func (m *Message) Body() []byte {
	return m.buf[HeaderLen:]
}

// Bytes returns the full framed buffer for writing to the wire.
func (m *Message) Bytes() []byte {
	return m.buf
}

// String returns a short human-readable summary for logging.
func (m *Message) String() string {
	h := m.Header()
	return fmt.Sprintf("message(op=%s req=%d resp=%d len=%d)", h.OpCode, h.RequestID, h.ResponseTo, h.MessageLen)
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// build assembles header and body into one buffer
func build(op OpCode, requestID, responseTo uint32, body []byte) *Message {
	buf := make([]byte, HeaderLen+len(body))
	PutHeader(buf, Header{
		MessageLen: uint32(len(buf)),
		RequestID:  requestID,
		ResponseTo: responseTo,
		OpCode:     op,
	})
	copy(buf[HeaderLen:], body)
	return &Message{buf: buf}
}

// NewMessage creates a request carrying the given payload with a fresh
// request identifier.
func NewMessage(op OpCode, body []byte) *Message {
	return build(op, NextRequestID(), 0, body)
}

// NewReply creates a response to req carrying the given payload.
func NewReply(req *Message, body []byte) *Message {
	return build(OpReply, NextRequestID(), req.RequestID(), body)
}

// NewPing creates a liveness probe.
func NewPing(body []byte) *Message {
	return build(OpPing, NextRequestID(), 0, body)
}

// NewPong creates the answer to a liveness probe, echoing its payload.
func NewPong(ping *Message) *Message {
	return build(OpPong, NextRequestID(), ping.RequestID(), ping.Body())
}

// --------------------------------------------------------------------------
// OpCode Definition
// --------------------------------------------------------------------------

// OpCode discriminates message kinds on the wire. The transport itself
// only moves bytes; the dispatcher gives opcodes their meaning.
type OpCode uint32

const (
	// OpInvalid marks an uninitialized header
	OpInvalid OpCode = iota

	// OpMsg carries an opaque application payload
	OpMsg

	// OpReply answers an OpMsg, correlated via ResponseTo
	OpReply

	// OpPing probes liveness
	OpPing

	// OpPong answers a probe, echoing its payload
	OpPong
)

// String returns the string representation of an OpCode.
func (op OpCode) String() string {
	switch op {
	case OpMsg:
		return "msg"
	case OpReply:
		return "reply"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	case OpInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}
