package frame

import (
	"encoding/binary"
	"errors"
)

// CloseCode is a close status the server may send. Its fields are unexported,
// so the only values that exist are the variables below.
type CloseCode struct {
	code   uint16
	reason string
}

// Close status codes the server sends (RFC 6455 Section 7.4.1).
var (
	CloseNormalClosure   = CloseCode{1000, "normal closure"}
	CloseGoingAway       = CloseCode{1001, "going away"}
	CloseProtocolError   = CloseCode{1002, "protocol error"}
	CloseUnsupportedData = CloseCode{1003, "unsupported data"}
	CloseFrameTooLarge   = CloseCode{1004, "frame too large"}
	CloseInvalidUTF8     = CloseCode{1007, "invalid utf8"}
	ClosePolicyViolation = CloseCode{1008, "policy violation"}
)

// Code returns the numeric status. The zero CloseCode reports 1000.
func (c CloseCode) Code() uint16 {
	if c.code == 0 {
		return CloseNormalClosure.code
	}
	return c.code
}

// Reason returns the human-readable reason sent with the code.
func (c CloseCode) Reason() string {
	if c.code == 0 {
		return CloseNormalClosure.reason
	}
	return c.reason
}

// Payload returns the close frame body: the big-endian code followed by the
// reason.
func (c CloseCode) Payload() []byte {
	reason := c.Reason()
	b := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(b, c.Code())
	copy(b[2:], reason)
	return b
}

// ErrShortClosePayload is returned for a close body of exactly one byte.
var ErrShortClosePayload = errors.New("close payload shorter than status code")

// ParseClosePayload splits a peer's close frame body into status and reason.
// An empty body carries no status and returns 0.
func ParseClosePayload(p []byte) (uint16, string, error) {
	switch len(p) {
	case 0:
		return 0, "", nil
	case 1:
		return 0, "", ErrShortClosePayload
	}
	return binary.BigEndian.Uint16(p[:2]), string(p[2:]), nil
}
