// Package wstest provides WebSocket server peers for tests.
package wstest

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gobwas/ws"
)

// Peer is a scripted WebSocket server. After the handshake it writes
// Frames and then reads client frames until the client closes.
type Peer struct {
	// Frames are written in order right after the handshake.
	Frames []ws.Frame
	// IgnoreClose keeps the peer from answering the client's close frame.
	IgnoreClose bool
	// HangUp closes the connection as soon as Frames are written.
	HangUp bool

	mu       sync.Mutex
	received []ws.Frame
	err      error
}

// Serve starts an httptest server for p and returns its ws url.
// The server is closed when the test ends.
func Serve(tb testing.TB, p *Peer) string {
	s := httptest.NewServer(p)
	tb.Cleanup(s.Close)
	return URL(s, "/")
}

func (p *Peer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		p.fail(err)
		return
	}
	defer c.Close()

	err = p.serve(c)
	if err != nil {
		p.fail(err)
	}
}

func (p *Peer) serve(c net.Conn) error {
	for _, f := range p.Frames {
		err := ws.WriteFrame(c, f)
		if err != nil {
			return err
		}
	}
	if p.HangUp {
		return nil
	}

	for {
		f, err := ws.ReadFrame(c)
		if err != nil {
			// The client hanging up is how every exchange ends.
			return nil
		}
		if f.Header.Masked {
			ws.Cipher(f.Payload, f.Header.Mask, 0)
		}
		p.mu.Lock()
		p.received = append(p.received, f)
		p.mu.Unlock()

		if f.Header.OpCode == ws.OpClose && !p.IgnoreClose {
			return ws.WriteFrame(c, ws.NewCloseFrame(f.Payload))
		}
	}
}

func (p *Peer) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

// Received returns the unmasked frames read from the client so far.
func (p *Peer) Received() []ws.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ws.Frame(nil), p.received...)
}

// Err returns the first error the peer hit while serving.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
