// Package frame implements the RFC 6455 base framing used between the server
// and browsers: single-frame encoding, incremental decoding over a growing
// buffer, masking and the close status table.
package frame

import "errors"

// Opcode identifies the type of a frame.
type Opcode uint8

// Frame opcodes as defined in RFC 6455 Section 5.2.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// Supported reports whether the opcode is one the codec handles. Continuation
// frames are not supported because messages are never reassembled.
func (o Opcode) Supported() bool {
	switch o {
	case OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

// IsControl reports whether the opcode is a control opcode.
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

// String returns the message type name used in logs: text, binary, close,
// ping or pong.
func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Frame is one decoded WebSocket frame. Payload is always unmasked.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	Mask    [4]byte
	Payload []byte
}

// Size limits.
const (
	// MaxControlPayloadSize is the largest payload a control frame may carry.
	MaxControlPayloadSize = 125
	// MaxPayloadSize is the default decoder limit for a single frame payload.
	MaxPayloadSize = 1 << 20
)

var (
	// ErrIncomplete means the buffer does not yet hold a whole frame. Callers
	// keep the bytes and retry once more data arrives.
	ErrIncomplete = errors.New("incomplete frame")
	// ErrUnsupportedOpcode is returned for continuation and reserved opcodes.
	ErrUnsupportedOpcode = errors.New("unsupported opcode")
	// ErrFragmented is returned for frames without the FIN bit.
	ErrFragmented = errors.New("fragmented frames are not supported")
	// ErrReservedBits is returned when RSV1-3 are set; no extensions are negotiated.
	ErrReservedBits = errors.New("reserved bits set without extension")
	// ErrControlTooLong is returned for control frames over 125 bytes.
	ErrControlTooLong = errors.New("control frame payload too long")
	// ErrFrameTooLarge is returned when the declared payload exceeds the limit.
	ErrFrameTooLarge = errors.New("frame too large")
)
