package wsevent

import (
	"context"
	"fmt"
	"sync"

	"cdr.dev/slog"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/coder/wsevent/internal/errd"
	"github.com/coder/wsevent/internal/xsync"
)

// State is the lifecycle state of a Conn.
type State int

// State constants.
const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Transport is the byte stream collaborator of a Conn.
// It must be safe to call concurrently: the Conn sends pongs from the
// goroutine feeding it while Close may be called from any goroutine.
type Transport interface {
	// SendControlFrame writes a masked control frame to the peer.
	SendControlFrame(op Opcode, payload []byte) error
}

// Conn is the client side read path of one WebSocket connection.
//
// Feed, Open, TransportClosed and TransportError must be called from a
// single goroutine, normally the transport's read loop. Close and the
// accessors may be called from any goroutine.
type Conn struct {
	id        uuid.UUID
	transport Transport
	l         Listener
	opts      Options
	exec      Executor

	ctx         context.Context
	log         slog.Logger
	pongLimiter *rate.Limiter

	// Owned by the goroutine feeding bytes.
	dec *decoder
	msg reassembler

	mu        sync.Mutex
	state     State
	closeSent bool
	closeInfo CloseInfo
}

// NewConn creates a Conn in StateConnecting.
// Call Open once the handshake has completed.
func NewConn(t Transport, l Listener, opts *Options) (_ *Conn, err error) {
	defer errd.Wrap(&err, "failed to create WebSocket connection")

	if t == nil {
		return nil, xerrors.New("transport is required")
	}
	err = l.validate()
	if err != nil {
		return nil, err
	}

	o := opts.withDefaults()
	c := &Conn{
		id:        uuid.New(),
		transport: t,
		l:         l,
		opts:      o,
		exec:      o.Executor,

		ctx:         context.Background(),
		pongLimiter: o.pongLimiter(),

		dec: newDecoder(false, o.ReadLimit),
		msg: reassembler{
			stream: o.StreamFragments,
			limit:  o.ReadLimit,
		},
	}
	c.log = o.Logger.With(slog.F("conn_id", c.id.String()))
	return c, nil
}

// ID returns the unique id of the connection.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CloseInfo returns the status the connection closed with.
// ok is false until the Conn reaches StateClosed.
func (c *Conn) CloseInfo() (_ CloseInfo, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeInfo, c.state == StateClosed
}

// Open signals that the handshake succeeded. OnOpen fires and any bytes
// fed while connecting are decoded.
func (c *Conn) Open() (res DecodeResult, err error) {
	c.mu.Lock()
	if c.state != StateConnecting {
		st := c.state
		c.mu.Unlock()
		return res, xerrors.Errorf("cannot open a connection in state %v", st)
	}
	c.state = StateOpen
	c.mu.Unlock()

	c.log.Debug(c.ctx, "connection opened")

	c.emit(&res, Event{Kind: EventOpen})
	c.decode(&res)
	return res, nil
}

// Feed hands bytes read from the transport to the Conn. They are decoded
// and the resulting events dispatched before Feed returns, although with an
// asynchronous Executor the callbacks may run later.
//
// Bytes fed while connecting are held until Open. Bytes fed once closed
// are dropped.
func (c *Conn) Feed(p []byte) (res DecodeResult) {
	switch c.State() {
	case StateClosed:
		return res
	case StateConnecting:
		c.dec.feed(p)
		return res
	}

	c.dec.feed(p)
	c.decode(&res)
	return res
}

// TransportClosed signals the end of the byte stream. Unless the close
// handshake already finished, OnClose fires with StatusAbnormalClosure.
func (c *Conn) TransportClosed() (res DecodeResult) {
	c.mu.Lock()
	st := c.state
	if st == StateConnecting {
		// Never opened so there is nobody to tell.
		c.state = StateClosed
		c.closeInfo = CloseInfo{Code: StatusAbnormalClosure}
	}
	c.mu.Unlock()

	switch st {
	case StateConnecting:
		c.release()
	case StateOpen, StateClosing:
		c.closed(&res, CloseInfo{Code: StatusAbnormalClosure})
	}
	return res
}

// TransportError reports a failure of the byte stream.
// OnError fires and the Conn closes.
func (c *Conn) TransportError(err error) (res DecodeResult) {
	c.fail(&res, &TransportError{Err: err})
	return res
}

func (c *Conn) decode(res *DecodeResult) {
	for c.State() != StateClosed {
		f, n, err := c.dec.next()
		if err != nil {
			c.fail(res, err)
			return
		}
		if n == 0 {
			res.NeedsMoreBytes = c.dec.buffered() > 0
			return
		}
		res.BytesConsumed += n

		c.log.Debug(c.ctx, "received frame",
			slog.F("opcode", f.Opcode),
			slog.F("fin", f.Fin),
			slog.F("payload_len", len(f.Payload)),
		)

		if f.Opcode.Control() {
			c.handleControl(res, f)
			continue
		}

		if c.State() != StateOpen {
			c.log.Debug(c.ctx, "discarding data frame while closing", slog.F("opcode", f.Opcode))
			continue
		}

		ev, ok, err := c.msg.push(f)
		if err != nil {
			c.fail(res, err)
			return
		}
		if ok {
			c.emit(res, ev)
		}
	}
}

// release returns pooled buffers. It runs on the feeding goroutine once
// the Conn is closed.
func (c *Conn) release() {
	c.msg.reset()
	c.dec.release()
}

// emit records ev and hands it to the executor. The listener gets its own
// copy of the payload so the recorded event stays intact.
func (c *Conn) emit(res *DecodeResult, ev Event) {
	res.Events = append(res.Events, ev)
	if len(ev.Payload) > 0 && ev.Kind != EventTextFrame {
		ev.Payload = append([]byte(nil), ev.Payload...)
	}
	c.exec.Execute(func() {
		c.deliver(ev)
	})
}

func (c *Conn) deliver(ev Event) {
	var err error
	switch ev.Kind {
	case EventOpen:
		err = xsync.Recover(func() error {
			c.l.OnOpen(c)
			return nil
		})
	case EventClose:
		c.guard(ev.Kind, func() {
			c.l.OnClose(c, ev.Code, ev.Reason)
		})
	case EventError:
		c.guard(ev.Kind, func() {
			c.l.OnError(ev.Err)
		})
	case EventBinaryFrame:
		if c.l.OnBinaryFrame != nil {
			err = xsync.Recover(func() error {
				return c.l.OnBinaryFrame(ev.Payload, ev.Fin, ev.RSV)
			})
		}
	case EventTextFrame:
		if c.l.OnTextFrame != nil {
			err = xsync.Recover(func() error {
				return c.l.OnTextFrame(string(ev.Payload), ev.Fin, ev.RSV)
			})
		}
	case EventPingFrame:
		if c.l.OnPingFrame != nil {
			err = xsync.Recover(func() error {
				return c.l.OnPingFrame(ev.Payload)
			})
		}
	case EventPongFrame:
		if c.l.OnPongFrame != nil {
			err = xsync.Recover(func() error {
				return c.l.OnPongFrame(ev.Payload)
			})
		}
	}

	if err != nil {
		c.guard(EventError, func() {
			c.l.OnError(&ApplicationError{
				Event: ev.Kind,
				Err:   err,
			})
		})
	}
}

// guard runs a callback that has nobody left to report to.
func (c *Conn) guard(kind EventKind, fn func()) {
	err := xsync.Recover(func() error {
		fn()
		return nil
	})
	if err != nil {
		c.log.Warn(c.ctx, "listener panicked", slog.F("event", kind.String()), slog.Error(err))
	}
}
