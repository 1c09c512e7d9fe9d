package wsevent

import (
	"golang.org/x/xerrors"
)

// Listener receives the events of a Conn.
//
// OnOpen, OnClose and OnError are required. The frame callbacks are
// optional and a nil callback drops the event. An error returned by a
// frame callback is reported to OnError as an *ApplicationError and
// does not affect the connection.
//
// Payloads are owned by the callee.
type Listener struct {
	OnOpen  func(c *Conn)
	OnClose func(c *Conn, code StatusCode, reason string)
	OnError func(err error)

	// OnBinaryFrame and OnTextFrame receive complete messages with fin set
	// unless Options.StreamFragments is enabled.
	OnBinaryFrame func(payload []byte, fin bool, rsv int) error
	OnTextFrame   func(payload string, fin bool, rsv int) error
	OnPingFrame   func(payload []byte) error
	OnPongFrame   func(payload []byte) error
}

func (l Listener) validate() error {
	switch {
	case l.OnOpen == nil:
		return xerrors.New("listener is missing OnOpen")
	case l.OnClose == nil:
		return xerrors.New("listener is missing OnClose")
	case l.OnError == nil:
		return xerrors.New("listener is missing OnError")
	}
	return nil
}
