package frame

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Encode builds a single final frame carrying payload. When masked is true a
// random 4-byte key is generated, written after the length and XORed into the
// payload. Servers send unmasked frames; masking exists for clients and tests.
func Encode(payload []byte, op Opcode, masked bool) ([]byte, error) {
	if !op.Supported() {
		return nil, fmt.Errorf("encode %s: %w", op, ErrUnsupportedOpcode)
	}
	if op.IsControl() && len(payload) > MaxControlPayloadSize {
		return nil, fmt.Errorf("encode %s: %w", op, ErrControlTooLong)
	}

	headerSize := 2
	switch {
	case len(payload) > 0xFFFF:
		headerSize += 8
	case len(payload) > 125:
		headerSize += 2
	}
	if masked {
		headerSize += 4
	}

	buf := make([]byte, headerSize+len(payload))
	buf[0] = 0x80 | byte(op)

	pos := 1
	var maskBit byte
	if masked {
		maskBit = 0x80
	}
	switch n := len(payload); {
	case n <= 125:
		buf[pos] = maskBit | byte(n)
		pos++
	case n <= 0xFFFF:
		buf[pos] = maskBit | 126
		binary.BigEndian.PutUint16(buf[pos+1:], uint16(n))
		pos += 3
	default:
		buf[pos] = maskBit | 127
		binary.BigEndian.PutUint64(buf[pos+1:], uint64(n))
		pos += 9
	}

	if !masked {
		copy(buf[pos:], payload)
		return buf, nil
	}

	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("generate mask key: %w", err)
	}
	copy(buf[pos:pos+4], key[:])
	copy(buf[pos+4:], payload)
	applyMask(buf[pos+4:], key)
	return buf, nil
}

// Decoder decodes frames with a configurable payload limit. The zero value
// uses MaxPayloadSize.
type Decoder struct {
	MaxPayloadSize int
}

// Decode decodes the first frame in buf with the default limit.
func Decode(buf []byte) (Frame, int, error) {
	return Decoder{}.Decode(buf)
}

// Decode decodes the first frame in buf and returns it together with the
// number of bytes it occupied. ErrIncomplete is returned while buf holds less
// than a full frame; any other error means the stream is unusable.
func (d Decoder) Decode(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrIncomplete
	}

	var f Frame
	f.Fin = buf[0]&0x80 != 0
	if buf[0]&0x70 != 0 {
		return Frame{}, 0, ErrReservedBits
	}
	f.Opcode = Opcode(buf[0] & 0x0F)
	if !f.Opcode.Supported() {
		return Frame{}, 0, fmt.Errorf("opcode 0x%x: %w", uint8(f.Opcode), ErrUnsupportedOpcode)
	}
	if !f.Fin {
		return Frame{}, 0, ErrFragmented
	}

	f.Masked = buf[1]&0x80 != 0
	length := uint64(buf[1] & 0x7F)
	pos := 2
	switch length {
	case 126:
		if len(buf) < 4 {
			return Frame{}, 0, ErrIncomplete
		}
		length = uint64(binary.BigEndian.Uint16(buf[2:4]))
		pos = 4
	case 127:
		if len(buf) < 10 {
			return Frame{}, 0, ErrIncomplete
		}
		length = binary.BigEndian.Uint64(buf[2:10])
		pos = 10
	}

	if f.Opcode.IsControl() && length > MaxControlPayloadSize {
		return Frame{}, 0, ErrControlTooLong
	}
	limit := d.MaxPayloadSize
	if limit <= 0 {
		limit = MaxPayloadSize
	}
	if length > uint64(limit) {
		return Frame{}, 0, fmt.Errorf("%d bytes declared, limit %d: %w", length, limit, ErrFrameTooLarge)
	}

	if f.Masked {
		if len(buf) < pos+4 {
			return Frame{}, 0, ErrIncomplete
		}
		copy(f.Mask[:], buf[pos:pos+4])
		pos += 4
	}
	if uint64(len(buf)-pos) < length {
		return Frame{}, 0, ErrIncomplete
	}

	end := pos + int(length)
	f.Payload = make([]byte, length)
	copy(f.Payload, buf[pos:end])
	if f.Masked {
		applyMask(f.Payload, f.Mask)
	}
	return f, end, nil
}

func applyMask(b []byte, key [4]byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}
