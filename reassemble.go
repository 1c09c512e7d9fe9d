package wsevent

import (
	"bytes"
	"unicode/utf8"

	"github.com/coder/wsevent/internal/bufpool"
)

// reassembler joins the fragments of one data message.
// See https://tools.ietf.org/html/rfc6455#section-5.4
type reassembler struct {
	stream bool
	limit  int64

	// Message in progress.
	active bool
	opcode Opcode
	rsv    int
	buf    *bytes.Buffer
	// carry holds the bytes of a rune split across streamed text fragments.
	carry []byte
}

// push feeds a data frame. It returns the event to dispatch, if any.
func (r *reassembler) push(f Frame) (_ Event, ok bool, err error) {
	switch {
	case f.Opcode == OpContinuation && !r.active:
		return Event{}, false, protocolErrorf(StatusProtocolError, "unexpected continuation")
	case f.Opcode != OpContinuation && r.active:
		return Event{}, false, protocolErrorf(StatusProtocolError, "fragmentation interleaving violation: received %v frame before the previous %v message finished", f.Opcode, r.opcode)
	}

	if f.Opcode != OpContinuation {
		if f.Fin {
			return r.complete(f.Opcode, f.Payload, f.RSV)
		}
		r.active = true
		r.opcode = f.Opcode
		r.rsv = f.RSV
	}

	if r.stream {
		if f.Fin {
			defer r.reset()
		}
		p := f.Payload
		if r.opcode == OpText {
			p, err = r.streamText(p, f.Fin)
			if err != nil {
				return Event{}, false, err
			}
		}
		return r.event(r.opcode, p, f.Fin, r.rsv)
	}

	if r.buf == nil {
		r.buf = bufpool.Get()
	}
	if r.limit >= 0 && int64(r.buf.Len()+len(f.Payload)) > r.limit {
		return Event{}, false, protocolErrorf(StatusMessageTooBig, "message exceeds read limit of %d bytes", r.limit)
	}
	r.buf.Write(f.Payload)
	if !f.Fin {
		return Event{}, false, nil
	}

	p := make([]byte, r.buf.Len())
	copy(p, r.buf.Bytes())
	op, rsv := r.opcode, r.rsv
	r.reset()
	return r.complete(op, p, rsv)
}

// complete returns the event for a whole message.
func (r *reassembler) complete(op Opcode, p []byte, rsv int) (Event, bool, error) {
	if op == OpText && !utf8.Valid(p) {
		return Event{}, false, errInvalidUTF8()
	}
	return r.event(op, p, true, rsv)
}

func (r *reassembler) event(op Opcode, p []byte, fin bool, rsv int) (Event, bool, error) {
	ev := Event{
		Kind:    EventBinaryFrame,
		Payload: p,
		Fin:     fin,
		RSV:     rsv,
	}
	if op == OpText {
		ev.Kind = EventTextFrame
	}
	return ev, true, nil
}

func errInvalidUTF8() error {
	return protocolErrorf(StatusInvalidFramePayloadData, "received invalid UTF-8 in text message")
}

// streamText returns the longest valid UTF-8 prefix of the carried bytes
// and p, keeping an incomplete trailing rune for the next fragment.
func (r *reassembler) streamText(p []byte, fin bool) ([]byte, error) {
	b := make([]byte, 0, len(r.carry)+len(p))
	b = append(b, r.carry...)
	b = append(b, p...)
	r.carry = nil

	if !fin {
		cut := incompleteRuneStart(b)
		r.carry = append(r.carry, b[cut:]...)
		b = b[:cut]
	}

	if !utf8.Valid(b) {
		return nil, errInvalidUTF8()
	}
	return b, nil
}

// incompleteRuneStart returns the index of a trailing partial rune in b,
// or len(b) if b ends on a rune boundary.
func incompleteRuneStart(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax+1; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			break
		}
	}
	return len(b)
}

func (r *reassembler) reset() {
	r.active = false
	r.opcode = 0
	r.rsv = 0
	r.carry = nil
	if r.buf != nil {
		bufpool.Put(r.buf)
		r.buf = nil
	}
}
