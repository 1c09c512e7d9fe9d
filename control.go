package wsevent

import (
	"cdr.dev/slog"
)

// handleControl processes a ping, pong or close frame. Control frames may
// arrive between the fragments of a data message and never touch the
// reassembler.
func (c *Conn) handleControl(res *DecodeResult, f Frame) {
	if f.Opcode == OpClose {
		c.handleClose(res, f.Payload)
		return
	}

	if c.State() != StateOpen {
		c.log.Debug(c.ctx, "discarding control frame while closing", slog.F("opcode", f.Opcode))
		return
	}

	switch f.Opcode {
	case OpPing:
		c.emit(res, Event{
			Kind:    EventPingFrame,
			Payload: f.Payload,
		})
		c.pong(res, f.Payload)
	case OpPong:
		c.emit(res, Event{
			Kind:    EventPongFrame,
			Payload: f.Payload,
		})
	}
}

// pong asks the transport to answer a ping.
func (c *Conn) pong(res *DecodeResult, ping []byte) {
	if c.opts.DisableAutoPong {
		return
	}
	if c.pongLimiter != nil && !c.pongLimiter.Allow() {
		c.log.Debug(c.ctx, "pong rate limited", slog.F("payload_len", len(ping)))
		return
	}

	err := c.transport.SendControlFrame(OpPong, ping)
	if err != nil {
		c.fail(res, &TransportError{Err: err})
	}
}
