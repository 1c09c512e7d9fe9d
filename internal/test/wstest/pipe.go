package wstest

import (
	"net"

	"github.com/coder/wsevent"
	"github.com/coder/wsevent/internal/errd"
	"github.com/coder/wsevent/wsnet"
)

// Pipe creates an in memory connection analogous to net.Pipe.
// The returned net.Conn is the server side. No handshake takes place so
// raw frames can be written to it immediately.
func Pipe(l wsevent.Listener, opts *wsnet.Options) (_ *wsnet.Conn, _ net.Conn, err error) {
	defer errd.Wrap(&err, "failed to create ws pipe")

	clientConn, serverConn := net.Pipe()
	c, err := wsnet.New(clientConn, nil, l, opts)
	if err != nil {
		clientConn.Close()
		serverConn.Close()
		return nil, nil, err
	}
	return c, serverConn, nil
}
