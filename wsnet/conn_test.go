package wsnet_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"
	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gorilla/websocket"

	"github.com/coder/wsevent"
	"github.com/coder/wsevent/internal/test/assert"
	"github.com/coder/wsevent/internal/test/wstest"
	"github.com/coder/wsevent/internal/xsync"
	"github.com/coder/wsevent/wsnet"
)

type recorder struct {
	mu     sync.Mutex
	events []wsevent.Event

	text   chan string
	closed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		text:   make(chan string, 8),
		closed: make(chan struct{}),
	}
}

func (r *recorder) add(ev wsevent.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) recorded() []wsevent.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wsevent.Event(nil), r.events...)
}

func (r *recorder) listener() wsevent.Listener {
	return wsevent.Listener{
		OnOpen: func(*wsevent.Conn) {
			r.add(wsevent.Event{Kind: wsevent.EventOpen})
		},
		OnClose: func(_ *wsevent.Conn, code wsevent.StatusCode, reason string) {
			r.add(wsevent.Event{Kind: wsevent.EventClose, Code: code, Reason: reason})
			close(r.closed)
		},
		OnError: func(err error) {
			r.add(wsevent.Event{Kind: wsevent.EventError, Err: err})
		},
		OnTextFrame: func(p string, fin bool, rsv int) error {
			r.add(wsevent.Event{Kind: wsevent.EventTextFrame, Payload: []byte(p), Fin: fin, RSV: rsv})
			r.text <- p
			return nil
		},
		OnBinaryFrame: func(p []byte, fin bool, rsv int) error {
			r.add(wsevent.Event{Kind: wsevent.EventBinaryFrame, Payload: p, Fin: fin, RSV: rsv})
			return nil
		},
		OnPingFrame: func(p []byte) error {
			r.add(wsevent.Event{Kind: wsevent.EventPingFrame, Payload: p})
			return nil
		},
	}
}

func (r *recorder) waitClosed(t *testing.T, c *wsnet.Conn) {
	t.Helper()

	select {
	case <-r.closed:
	case <-time.After(time.Second * 10):
		t.Fatal("timed out waiting for OnClose")
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second * 10):
		t.Fatal("timed out waiting for read loop")
	}
}

func testOptions(t *testing.T) *wsnet.Options {
	opts := &wsnet.Options{}
	opts.Logger = slogtest.Make(t, nil).Leveled(slog.LevelDebug)
	return opts
}

func dial(t *testing.T, u string, r *recorder, opts *wsnet.Options) *wsnet.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	c, err := wsnet.Dial(ctx, u, r.listener(), opts)
	assert.Success(t, err)
	return c
}

// brokenWriter fails every write.
type brokenWriter struct {
	net.Conn
}

func (brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestConn(t *testing.T) {
	t.Parallel()

	t.Run("gorillaServerClose", func(t *testing.T) {
		t.Parallel()

		gin.SetMode(gin.TestMode)
		pongs := make(chan string, 1)
		serverErr := make(chan error, 1)

		upgrader := websocket.Upgrader{}
		router := gin.New()
		router.GET("/echo", func(gc *gin.Context) {
			c, err := upgrader.Upgrade(gc.Writer, gc.Request, nil)
			if err != nil {
				serverErr <- err
				return
			}
			defer c.Close()

			c.SetPongHandler(func(p string) error {
				pongs <- p
				return nil
			})
			deadline := time.Now().Add(time.Second * 5)
			err = c.WriteMessage(websocket.TextMessage, []byte("hello"))
			if err == nil {
				err = c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
			}
			if err == nil {
				err = c.WriteControl(websocket.PingMessage, []byte("p"), deadline)
			}
			if err == nil {
				err = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
			}
			if err != nil {
				serverErr <- err
				return
			}
			_, _, err = c.ReadMessage()
			serverErr <- err
		})
		s := httptest.NewServer(router)
		defer s.Close()

		opts := testOptions(t)
		opts.ReadRateLimit = 1 << 20

		r := newRecorder()
		c := dial(t, wstest.URL(s, "/echo"), r, opts)
		r.waitClosed(t, c)

		assert.Equal(t, "events", []wsevent.Event{
			{Kind: wsevent.EventOpen},
			{Kind: wsevent.EventTextFrame, Payload: []byte("hello"), Fin: true},
			{Kind: wsevent.EventBinaryFrame, Payload: []byte{1, 2, 3}, Fin: true},
			{Kind: wsevent.EventPingFrame, Payload: []byte("p")},
			{Kind: wsevent.EventClose, Code: wsevent.StatusNormalClosure, Reason: "bye"},
		}, r.recorded())
		assert.Success(t, c.Err())

		err := <-serverErr
		var ce *websocket.CloseError
		assert.ErrorAs(t, err, &ce)
		assert.Equal(t, "echoed close code", websocket.CloseNormalClosure, ce.Code)
		assert.Equal(t, "echoed close reason", "", ce.Text)
		assert.Equal(t, "pong", "p", <-pongs)
	})

	t.Run("fragmentedClientClose", func(t *testing.T) {
		t.Parallel()

		p := &wstest.Peer{
			Frames: []ws.Frame{
				ws.NewFrame(ws.OpText, false, []byte("frag")),
				ws.NewPingFrame([]byte("hi")),
				ws.NewFrame(ws.OpContinuation, true, []byte("ment")),
			},
		}
		r := newRecorder()
		c := dial(t, wstest.Serve(t, p), r, testOptions(t))
		assert.Equal(t, "text", "fragment", <-r.text)
		assert.Success(t, c.Close(wsevent.StatusNormalClosure, "done"))
		r.waitClosed(t, c)

		assert.Equal(t, "events", []wsevent.Event{
			{Kind: wsevent.EventOpen},
			{Kind: wsevent.EventPingFrame, Payload: []byte("hi")},
			{Kind: wsevent.EventTextFrame, Payload: []byte("fragment"), Fin: true},
			{Kind: wsevent.EventClose, Code: wsevent.StatusNormalClosure, Reason: "done"},
		}, r.recorded())
		assert.Success(t, c.Err())

		frames := p.Received()
		assert.Equal(t, "received frames", 2, len(frames))
		assert.Equal(t, "pong opcode", ws.OpPong, frames[0].Header.OpCode)
		assert.Equal(t, "pong masked", true, frames[0].Header.Masked)
		assert.Equal(t, "pong payload", []byte("hi"), frames[0].Payload)
		assert.Equal(t, "close opcode", ws.OpClose, frames[1].Header.OpCode)
		assert.Equal(t, "close payload", ws.NewCloseFrameBody(ws.StatusNormalClosure, "done"), frames[1].Payload)
		assert.Success(t, p.Err())
	})

	t.Run("streamFragments", func(t *testing.T) {
		t.Parallel()

		p := &wstest.Peer{
			Frames: []ws.Frame{
				ws.NewFrame(ws.OpText, false, []byte("ab")),
				ws.NewFrame(ws.OpContinuation, true, []byte("cd")),
				ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "")),
			},
		}
		opts := testOptions(t)
		opts.StreamFragments = true

		r := newRecorder()
		c := dial(t, wstest.Serve(t, p), r, opts)
		r.waitClosed(t, c)

		assert.Equal(t, "events", []wsevent.Event{
			{Kind: wsevent.EventOpen},
			{Kind: wsevent.EventTextFrame, Payload: []byte("ab")},
			{Kind: wsevent.EventTextFrame, Payload: []byte("cd"), Fin: true},
			{Kind: wsevent.EventClose, Code: wsevent.StatusGoingAway},
		}, r.recorded())
	})

	t.Run("closeTimeout", func(t *testing.T) {
		t.Parallel()

		p := &wstest.Peer{IgnoreClose: true}
		opts := testOptions(t)
		opts.CloseTimeout = time.Millisecond * 200

		r := newRecorder()
		c := dial(t, wstest.Serve(t, p), r, opts)
		assert.Success(t, c.Close(wsevent.StatusGoingAway, ""))
		assert.Equal(t, "state", wsevent.StateClosing, c.Engine().State())
		r.waitClosed(t, c)

		assert.Equal(t, "events", []wsevent.Event{
			{Kind: wsevent.EventOpen},
			{Kind: wsevent.EventClose, Code: wsevent.StatusAbnormalClosure},
		}, r.recorded())
		ci, ok := c.Engine().CloseInfo()
		assert.Equal(t, "closed", true, ok)
		assert.Equal(t, "close code", wsevent.StatusAbnormalClosure, ci.Code)
	})

	t.Run("peerHangup", func(t *testing.T) {
		t.Parallel()

		p := &wstest.Peer{HangUp: true}
		r := newRecorder()
		c := dial(t, wstest.Serve(t, p), r, testOptions(t))
		r.waitClosed(t, c)

		assert.Equal(t, "events", []wsevent.Event{
			{Kind: wsevent.EventOpen},
			{Kind: wsevent.EventClose, Code: wsevent.StatusAbnormalClosure},
		}, r.recorded())
		assert.Success(t, c.Err())
	})

	t.Run("protocolError", func(t *testing.T) {
		t.Parallel()

		p := &wstest.Peer{
			Frames: []ws.Frame{
				ws.NewFrame(ws.OpContinuation, true, []byte("x")),
			},
		}

		var mu sync.Mutex
		var gotErr error
		failed := make(chan struct{})
		l := wsevent.Listener{
			OnOpen:  func(*wsevent.Conn) {},
			OnClose: func(*wsevent.Conn, wsevent.StatusCode, string) {},
			OnError: func(err error) {
				mu.Lock()
				gotErr = err
				mu.Unlock()
				close(failed)
			},
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		c, err := wsnet.Dial(ctx, wstest.Serve(t, p), l, testOptions(t))
		assert.Success(t, err)

		<-failed
		<-c.Done()

		mu.Lock()
		defer mu.Unlock()
		var perr *wsevent.ProtocolError
		assert.ErrorAs(t, gotErr, &perr)
		assert.Equal(t, "code", wsevent.StatusProtocolError, perr.Code)
		ci, ok := c.Engine().CloseInfo()
		assert.Equal(t, "closed", true, ok)
		assert.Equal(t, "close code", wsevent.StatusProtocolError, ci.Code)
	})
}

func TestPipe(t *testing.T) {
	t.Parallel()

	t.Run("bufferedAfterHandshake", func(t *testing.T) {
		t.Parallel()

		var b bytes.Buffer
		err := ws.WriteFrame(&b, ws.NewTextFrame([]byte("early")))
		assert.Success(t, err)
		br := bufio.NewReader(&b)
		_, err = br.Peek(1)
		assert.Success(t, err)

		clientConn, serverConn := net.Pipe()
		r := newRecorder()
		c, err := wsnet.New(clientConn, br, r.listener(), testOptions(t))
		assert.Success(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		err = c.Start(ctx)
		assert.Success(t, err)
		assert.Equal(t, "text", "early", <-r.text)

		// Cancelling the context aborts the connection.
		cancel()
		r.waitClosed(t, c)
		serverConn.Close()

		assert.Equal(t, "events", []wsevent.Event{
			{Kind: wsevent.EventOpen},
			{Kind: wsevent.EventTextFrame, Payload: []byte("early"), Fin: true},
			{Kind: wsevent.EventClose, Code: wsevent.StatusAbnormalClosure},
		}, r.recorded())
	})

	t.Run("pong", func(t *testing.T) {
		t.Parallel()

		r := newRecorder()
		c, serverConn, err := wstest.Pipe(r.listener(), testOptions(t))
		assert.Success(t, err)
		defer serverConn.Close()
		err = c.Start(context.Background())
		assert.Success(t, err)

		werr := xsync.Go(func() error {
			return ws.WriteFrame(serverConn, ws.NewPingFrame([]byte("abc")))
		})
		f, err := ws.ReadFrame(serverConn)
		assert.Success(t, err)
		assert.Success(t, <-werr)
		ws.Cipher(f.Payload, f.Header.Mask, 0)
		assert.Equal(t, "opcode", ws.OpPong, f.Header.OpCode)
		assert.Equal(t, "payload", []byte("abc"), f.Payload)

		serverConn.Close()
		r.waitClosed(t, c)
		assert.Equal(t, "bytes read", int64(5), c.BytesRead())
	})

	t.Run("cancelWhileRateLimited", func(t *testing.T) {
		t.Parallel()

		opts := testOptions(t)
		opts.ReadRateLimit = 1
		opts.ReadBufferSize = 3

		r := newRecorder()
		c, serverConn, err := wstest.Pipe(r.listener(), opts)
		assert.Success(t, err)
		defer serverConn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		err = c.Start(ctx)
		assert.Success(t, err)

		ping := []byte{0x89, 0x01, 'a'}
		werr := xsync.Go(func() error {
			_, err := serverConn.Write(ping)
			return err
		})
		f, err := ws.ReadFrame(serverConn)
		assert.Success(t, err)
		assert.Success(t, <-werr)
		assert.Equal(t, "opcode", ws.OpPong, f.Header.OpCode)

		// The burst is spent so this ping waits on the limiter.
		_, err = serverConn.Write(ping)
		assert.Success(t, err)
		cancel()
		r.waitClosed(t, c)

		rec := r.recorded()
		for _, ev := range rec {
			if ev.Kind == wsevent.EventError {
				t.Fatalf("unexpected error: %v", ev.Err)
			}
		}
		assert.Equal(t, "last", wsevent.Event{
			Kind: wsevent.EventClose,
			Code: wsevent.StatusAbnormalClosure,
		}, rec[len(rec)-1])
		assert.Equal(t, "pings", 1, countKind(rec, wsevent.EventPingFrame))
	})

	t.Run("closeWriteFails", func(t *testing.T) {
		t.Parallel()

		opts := testOptions(t)
		opts.CloseTimeout = time.Minute

		clientConn, serverConn := net.Pipe()
		defer serverConn.Close()
		r := newRecorder()
		c, err := wsnet.New(brokenWriter{clientConn}, nil, r.listener(), opts)
		assert.Success(t, err)
		err = c.Start(context.Background())
		assert.Success(t, err)

		err = c.Close(wsevent.StatusNormalClosure, "")
		assert.Contains(t, err, "broken pipe")
		r.waitClosed(t, c)

		assert.Equal(t, "events", []wsevent.Event{
			{Kind: wsevent.EventOpen},
			{Kind: wsevent.EventClose, Code: wsevent.StatusAbnormalClosure},
		}, r.recorded())
	})

	t.Run("closeRejected", func(t *testing.T) {
		t.Parallel()

		opts := testOptions(t)
		opts.CloseTimeout = time.Millisecond * 50

		r := newRecorder()
		c, serverConn, err := wstest.Pipe(r.listener(), opts)
		assert.Success(t, err)
		defer serverConn.Close()
		err = c.Start(context.Background())
		assert.Success(t, err)

		err = c.Close(wsevent.StatusAbnormalClosure, "")
		assert.Contains(t, err, "cannot be set")

		// Still open well past the close timeout.
		time.Sleep(time.Millisecond * 200)
		err = ws.WriteFrame(serverConn, ws.NewTextFrame([]byte("still open")))
		assert.Success(t, err)
		assert.Equal(t, "text", "still open", <-r.text)
		assert.Equal(t, "state", wsevent.StateOpen, c.Engine().State())

		serverConn.Close()
		r.waitClosed(t, c)
	})
}

func countKind(events []wsevent.Event, k wsevent.EventKind) int {
	var n int
	for _, ev := range events {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

func TestDial(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no websockets here", http.StatusNotFound)
	}))
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	_, err := wsnet.Dial(ctx, wstest.URL(s, "/"), newRecorder().listener(), testOptions(t))
	assert.Error(t, err)
	assert.Contains(t, err, "failed to dial")
}
