// Package wsframe implements the RFC 6455 frame header wire format.
package wsframe

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"golang.org/x/xerrors"
)

// Opcode represents a WebSocket Opcode.
type Opcode int

// Opcode constants.
const (
	OpContinuation Opcode = iota
	OpText
	OpBinary
	// 3 - 7 are reserved for further non-control frames.
	_
	_
	_
	_
	_
	OpClose
	OpPing
	OpPong
	// 11-16 are reserved for further control frames.
)

// Control reports whether o is a close, ping or pong opcode.
func (o Opcode) Control() bool {
	switch o {
	case OpClose, OpPing, OpPong:
		return true
	}
	return false
}

// Data reports whether o starts a text or binary message.
func (o Opcode) Data() bool {
	switch o {
	case OpText, OpBinary:
		return true
	}
	return false
}

// Valid reports whether o is defined by RFC 6455.
func (o Opcode) Valid() bool {
	return o == OpContinuation || o.Data() || o.Control()
}

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
	}
	return fmt.Sprintf("Opcode(%d)", int(o))
}

// MaxControlFramePayload is the largest payload a control frame may carry.
// See https://tools.ietf.org/html/rfc6455#section-5.5
const MaxControlFramePayload = 125

// First byte contains fin, rsv1, rsv2, rsv3.
// Second byte contains mask flag and payload len.
// Next 8 bytes are the maximum extended payload length.
// Last 4 bytes are the mask key.
// https://tools.ietf.org/html/rfc6455#section-5.2
const MaxHeaderSize = 1 + 1 + 8 + 4

// Header represents a WebSocket frame Header.
// See https://tools.ietf.org/html/rfc6455#section-5.2
type Header struct {
	Fin    bool
	RSV1   bool
	RSV2   bool
	RSV3   bool
	Opcode Opcode

	PayloadLength int64

	Masked  bool
	MaskKey uint32
}

// RSV returns the three reserved bits packed with rsv1 as the most significant.
func (h Header) RSV() int {
	var rsv int
	if h.RSV1 {
		rsv |= 4
	}
	if h.RSV2 {
		rsv |= 2
	}
	if h.RSV3 {
		rsv |= 1
	}
	return rsv
}

// SetRSV unpacks rsv into the three reserved bit fields.
func (h *Header) SetRSV(rsv int) {
	h.RSV1 = rsv&4 != 0
	h.RSV2 = rsv&2 != 0
	h.RSV3 = rsv&1 != 0
}

// AppendTo appends the wire bytes of h to b.
func (h Header) AppendTo(b []byte) []byte {
	var first byte
	if h.Fin {
		first |= 1 << 7
	}
	first |= byte(h.RSV()) << 4
	first |= byte(h.Opcode) & 0xf

	var second byte
	if h.Masked {
		second |= 1 << 7
	}

	switch {
	case h.PayloadLength < 0:
		panic(fmt.Sprintf("wsframe: invalid header: negative length: %v", h.PayloadLength))
	case h.PayloadLength <= 125:
		b = append(b, first, second|byte(h.PayloadLength))
	case h.PayloadLength <= math.MaxUint16:
		b = append(b, first, second|126)
		b = binary.BigEndian.AppendUint16(b, uint16(h.PayloadLength))
	default:
		b = append(b, first, second|127)
		b = binary.BigEndian.AppendUint64(b, uint64(h.PayloadLength))
	}

	if h.Masked {
		b = binary.LittleEndian.AppendUint32(b, h.MaskKey)
	}
	return b
}

// ParseHeader parses a header from the start of b.
// It returns n == 0 and a nil error when b does not yet hold a complete header.
func ParseHeader(b []byte) (h Header, n int, err error) {
	if len(b) < 2 {
		return Header{}, 0, nil
	}

	h.Fin = b[0]&(1<<7) != 0
	h.SetRSV(int(b[0]>>4) & 0x7)
	h.Opcode = Opcode(b[0] & 0xf)
	h.Masked = b[1]&(1<<7) != 0

	n = 2
	payloadLength := b[1] &^ (1 << 7)
	switch payloadLength {
	case 126:
		n += 2
	case 127:
		n += 8
	}
	if h.Masked {
		n += 4
	}
	if len(b) < n {
		return Header{}, 0, nil
	}

	off := 2
	switch payloadLength {
	case 126:
		h.PayloadLength = int64(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if h.PayloadLength < 126 {
			return Header{}, 0, xerrors.Errorf("non minimal 16 bit payload length %v", h.PayloadLength)
		}
	case 127:
		l := binary.BigEndian.Uint64(b[off:])
		off += 8
		if l > math.MaxInt64 {
			return Header{}, 0, xerrors.Errorf("64 bit payload length with most significant bit set: %#x", l)
		}
		if l <= math.MaxUint16 {
			return Header{}, 0, xerrors.Errorf("non minimal 64 bit payload length %v", l)
		}
		h.PayloadLength = int64(l)
	default:
		h.PayloadLength = int64(payloadLength)
	}

	if h.Masked {
		h.MaskKey = binary.LittleEndian.Uint32(b[off:])
	}

	return h, n, nil
}

// Mask applies the WebSocket masking algorithm to b with the given key.
// See https://tools.ietf.org/html/rfc6455#section-5.3
//
// The key is expected in little endian and the returned key is rotated
// so that masking can continue across calls for the same frame.
func Mask(key uint32, b []byte) uint32 {
	if len(b) >= 8 {
		key64 := uint64(key)<<32 | uint64(key)
		for len(b) >= 8 {
			v := binary.LittleEndian.Uint64(b)
			binary.LittleEndian.PutUint64(b, v^key64)
			b = b[8:]
		}
	}

	for len(b) >= 4 {
		v := binary.LittleEndian.Uint32(b)
		binary.LittleEndian.PutUint32(b, v^key)
		b = b[4:]
	}

	for i := range b {
		b[i] ^= byte(key)
		key = bits.RotateLeft32(key, -8)
	}

	return key
}
