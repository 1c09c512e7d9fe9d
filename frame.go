package wsevent

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/coder/wsevent/internal/bufpool"
	"github.com/coder/wsevent/internal/wsframe"
)

// Frame is a single decoded WebSocket frame.
// See https://tools.ietf.org/html/rfc6455#section-5.2
type Frame struct {
	Opcode Opcode
	Fin    bool
	// RSV holds the three reserved bits with rsv1 as the most significant.
	RSV     int
	Payload []byte
}

// Append appends the wire encoding of f to b.
// Frames sent by a client must be masked; a random key is generated for them.
func (f Frame) Append(b []byte, masked bool) []byte {
	h := wsframe.Header{
		Fin:           f.Fin,
		Opcode:        f.Opcode,
		PayloadLength: int64(len(f.Payload)),
		Masked:        masked,
	}
	h.SetRSV(f.RSV)
	if masked {
		h.MaskKey = newMaskKey()
	}

	b = h.AppendTo(b)
	start := len(b)
	b = append(b, f.Payload...)
	if masked {
		wsframe.Mask(h.MaskKey, b[start:])
	}
	return b
}

func newMaskKey() uint32 {
	var b [4]byte
	_, err := rand.Read(b[:])
	if err != nil {
		panic(fmt.Sprintf("wsevent: failed to generate mask key: %v", err))
	}
	return binary.LittleEndian.Uint32(b[:])
}

// decoder turns a stream of bytes into frames. Bytes may arrive split
// at any point; incomplete frames stay buffered until the rest arrives.
type decoder struct {
	buf *bytes.Buffer

	// masked is the mask bit every received frame must carry.
	// Clients receive unmasked frames.
	masked bool
	// limit bounds data frame payloads. Negative means unlimited.
	limit int64
}

func newDecoder(masked bool, limit int64) *decoder {
	return &decoder{
		buf:    bufpool.Get(),
		masked: masked,
		limit:  limit,
	}
}

func (d *decoder) feed(p []byte) {
	d.buf.Write(p)
}

// buffered returns the number of bytes held that do not yet form a frame.
func (d *decoder) buffered() int {
	return d.buf.Len()
}

// next decodes the next complete frame.
// n is the number of bytes the frame occupied on the wire and is 0
// when more bytes are needed.
func (d *decoder) next() (_ Frame, n int, err error) {
	b := d.buf.Bytes()

	h, hn, err := wsframe.ParseHeader(b)
	if err != nil {
		return Frame{}, 0, protocolErrorf(StatusProtocolError, "malformed frame header: %v", err)
	}
	if hn == 0 {
		return Frame{}, 0, nil
	}

	if !h.Opcode.Valid() {
		return Frame{}, 0, protocolErrorf(StatusProtocolError, "invalid opcode %v", h.Opcode)
	}
	if h.Masked != d.masked {
		if h.Masked {
			return Frame{}, 0, protocolErrorf(StatusProtocolError, "received masked frame from server")
		}
		return Frame{}, 0, protocolErrorf(StatusProtocolError, "received unmasked frame from client")
	}

	if h.Opcode.Control() {
		if !h.Fin {
			return Frame{}, 0, protocolErrorf(StatusProtocolError, "received fragmented %v frame", h.Opcode)
		}
		if h.PayloadLength > wsframe.MaxControlFramePayload {
			return Frame{}, 0, protocolErrorf(StatusProtocolError, "received %v frame with payload length %d", h.Opcode, h.PayloadLength)
		}
		if h.RSV() != 0 {
			return Frame{}, 0, protocolErrorf(StatusProtocolError, "received %v frame with reserved bits %#b", h.Opcode, h.RSV())
		}
	} else if d.limit >= 0 && h.PayloadLength > d.limit {
		return Frame{}, 0, protocolErrorf(StatusMessageTooBig, "frame payload of %d bytes exceeds read limit of %d", h.PayloadLength, d.limit)
	}

	if h.PayloadLength > int64(math.MaxInt-hn) {
		return Frame{}, 0, protocolErrorf(StatusMessageTooBig, "frame payload of %d bytes is too large", h.PayloadLength)
	}
	if h.PayloadLength > int64(len(b)-hn) {
		return Frame{}, 0, nil
	}
	total := hn + int(h.PayloadLength)

	// Copy out so nothing handed to listeners aliases the decode buffer.
	p := make([]byte, h.PayloadLength)
	copy(p, b[hn:total])
	if h.Masked {
		wsframe.Mask(h.MaskKey, p)
	}
	d.buf.Next(total)

	return Frame{
		Opcode:  h.Opcode,
		Fin:     h.Fin,
		RSV:     h.RSV(),
		Payload: p,
	}, total, nil
}

func (d *decoder) release() {
	if d.buf != nil {
		bufpool.Put(d.buf)
		d.buf = nil
	}
}
