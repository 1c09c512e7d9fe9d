// Package wsnet drives a wsevent.Conn over a net.Conn.
//
// It is the transport collaborator of the engine: it reads bytes from the
// network into the engine, writes the masked control frames the engine asks
// for and bounds the wait for the peer's close frame.
package wsnet

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"cdr.dev/slog"
	"github.com/gobwas/ws"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/coder/wsevent"
	"github.com/coder/wsevent/internal/atomicint"
	"github.com/coder/wsevent/internal/errd"
)

// Options configures a Conn.
type Options struct {
	wsevent.Options

	// CloseTimeout bounds the wait for the peer's close frame after Close.
	// Defaults to 5 seconds.
	CloseTimeout time.Duration

	// WriteTimeout bounds writing a single control frame.
	// Defaults to 5 seconds.
	WriteTimeout time.Duration

	// ReadBufferSize is the size of each read from the network.
	// Defaults to 4096.
	ReadBufferSize int

	// ReadRateLimit bounds the bytes read per second. Zero means unlimited.
	ReadRateLimit rate.Limit
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = time.Second * 5
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = time.Second * 5
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 4096
	}
	return opts
}

// Conn is a WebSocket client connection whose events are delivered to a
// wsevent.Listener.
type Conn struct {
	netConn net.Conn
	opts    Options
	ws      *wsevent.Conn
	log     slog.Logger
	limiter *rate.Limiter

	// Bytes the handshake read past the response.
	pending []byte

	writeMu sync.Mutex
	wbuf    []byte

	closeTimerMu sync.Mutex
	closeTimer   *time.Timer

	// aborted is set to 1 once when we close netConn ourselves.
	aborted   atomicint.Int64
	bytesRead atomicint.Int64

	done chan struct{}
	err  error
}

// Dial performs the client handshake with u and starts delivering events
// to l. The handshake is done by github.com/gobwas/ws.
func Dial(ctx context.Context, u string, l wsevent.Listener, opts *Options) (_ *Conn, err error) {
	defer errd.Wrap(&err, "failed to dial %q", u)

	var d ws.Dialer
	netConn, br, _, err := d.Dial(ctx, u)
	if err != nil {
		return nil, err
	}

	c, err := New(netConn, br, l, opts)
	if br != nil {
		ws.PutReader(br)
	}
	if err != nil {
		netConn.Close()
		return nil, err
	}
	err = c.Start(context.Background())
	if err != nil {
		return nil, err
	}
	return c, nil
}

// New wraps a net.Conn on which the handshake already completed.
// br holds any bytes read past the handshake response and may be nil.
func New(netConn net.Conn, br *bufio.Reader, l wsevent.Listener, opts *Options) (_ *Conn, err error) {
	defer errd.Wrap(&err, "failed to create connection")

	o := opts.withDefaults()
	c := &Conn{
		netConn: netConn,
		opts:    o,
		log:     o.Logger.With(slog.F("remote_addr", netConn.RemoteAddr().String())),
		done:    make(chan struct{}),
	}
	if o.ReadRateLimit > 0 {
		c.limiter = rate.NewLimiter(o.ReadRateLimit, o.ReadBufferSize)
	}

	if br != nil {
		if n := br.Buffered(); n > 0 {
			p, _ := br.Peek(n)
			c.pending = append([]byte(nil), p...)
		}
	}

	engineOpts := o.Options
	engineOpts.Logger = c.log
	c.ws, err = wsevent.NewConn(transport{c}, l, &engineOpts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Start opens the connection and runs the read loop in a goroutine.
// Cancelling ctx aborts the connection.
func (c *Conn) Start(ctx context.Context) error {
	_, err := c.ws.Open()
	if err != nil {
		return xerrors.Errorf("failed to open: %w", err)
	}
	if len(c.pending) > 0 {
		c.ws.Feed(c.pending)
		c.pending = nil
	}

	stop := context.AfterFunc(ctx, func() {
		c.log.Debug(context.Background(), "context done, aborting connection")
		c.abort()
	})
	go func() {
		defer stop()
		c.readLoop(ctx)
	}()
	return nil
}

// BytesRead returns the number of bytes read from the network so far.
func (c *Conn) BytesRead() int64 {
	return c.bytesRead.Load()
}

// Engine returns the underlying wsevent.Conn.
func (c *Conn) Engine() *wsevent.Conn {
	return c.ws
}

// Done is closed once the read loop exits and the network connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the read loop exited. It is nil after a clean close handshake.
// Only valid once Done is closed.
func (c *Conn) Err() error {
	return c.err
}

// Close starts the close handshake. If the peer does not answer within
// CloseTimeout the network connection is closed and the listener sees
// StatusAbnormalClosure.
// If the close frame cannot be written the connection is aborted right away.
func (c *Conn) Close(code wsevent.StatusCode, reason string) error {
	// Armed before sending so that a fast echo still stops it in shutdown.
	c.closeTimerMu.Lock()
	armed := c.closeTimer == nil
	if armed {
		c.closeTimer = time.AfterFunc(c.opts.CloseTimeout, func() {
			c.log.Debug(context.Background(), "timed out waiting for close frame")
			c.abort()
		})
	}
	c.closeTimerMu.Unlock()

	err := c.ws.Close(code, reason)
	if err != nil && armed && c.ws.State() != wsevent.StateClosing {
		// Rejected before anything was sent.
		c.closeTimerMu.Lock()
		c.closeTimer.Stop()
		c.closeTimer = nil
		c.closeTimerMu.Unlock()
	}
	return err
}

func (c *Conn) stopCloseTimer() {
	c.closeTimerMu.Lock()
	defer c.closeTimerMu.Unlock()
	if c.closeTimer != nil {
		c.closeTimer.Stop()
	}
}

// abort closes netConn once, which ends the read loop.
func (c *Conn) abort() {
	if c.aborted.CAS(0, 1) {
		c.netConn.Close()
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.done)

	b := make([]byte, c.opts.ReadBufferSize)
	for {
		n, err := c.netConn.Read(b)
		if n > 0 {
			c.bytesRead.Add(int64(n))
			if c.limiter != nil {
				// WaitN fails once ctx is done or its deadline would pass
				// first. Either way ctx is ending the connection so the
				// bytes are dropped.
				lerr := c.limiter.WaitN(ctx, n)
				if lerr != nil {
					c.abort()
					c.err = c.shutdown(c.transportEnded(ctx, lerr))
					return
				}
			}
			c.ws.Feed(b[:n])
			if c.ws.State() == wsevent.StateClosed {
				c.err = c.shutdown(nil)
				return
			}
		}
		if err != nil {
			c.err = c.shutdown(c.transportEnded(ctx, err))
			return
		}
	}
}

// transportEnded tells the engine the stream is gone. The peer hanging up
// or an abort on our side closes the transport, anything else is an error.
func (c *Conn) transportEnded(ctx context.Context, err error) error {
	if errors.Is(err, io.EOF) || ctx.Err() != nil || c.aborted.Load() == 1 || c.ws.State() == wsevent.StateClosing {
		c.ws.TransportClosed()
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	c.ws.TransportError(err)
	return err
}

func (c *Conn) shutdown(err error) error {
	c.stopCloseTimer()

	cerr := c.netConn.Close()
	if errors.Is(cerr, net.ErrClosed) {
		cerr = nil
	}
	return multierr.Combine(err, cerr)
}

// transport sends the engine's control frames on the network connection.
type transport struct {
	c *Conn
}

func (t transport) SendControlFrame(op wsevent.Opcode, p []byte) (err error) {
	defer errd.Wrap(&err, "failed to write %v frame", op)

	c := t.c
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.wbuf = wsevent.Frame{
		Opcode:  op,
		Fin:     true,
		Payload: p,
	}.Append(c.wbuf[:0], true)

	err = c.netConn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err == nil {
		_, err = c.netConn.Write(c.wbuf)
	}
	if err != nil {
		// A partial frame leaves the stream unusable.
		c.abort()
	}
	return err
}
