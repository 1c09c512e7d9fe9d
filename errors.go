package wsevent

import (
	"fmt"
)

// ProtocolError is reported when the peer violates RFC 6455: a malformed
// frame, an illegal fragmentation sequence or an invalid close payload.
// It always ends the connection.
type ProtocolError struct {
	// Code is the status code sent to the peer in the closing frame.
	Code StatusCode
	Msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("websocket protocol error (%v): %v", e.Code, e.Msg)
}

func protocolErrorf(code StatusCode, f string, v ...interface{}) *ProtocolError {
	return &ProtocolError{
		Code: code,
		Msg:  fmt.Sprintf(f, v...),
	}
}

// TransportError wraps a failure of the byte stream underneath the engine.
// It always ends the connection.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("websocket transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ApplicationError is reported when a listener callback returns an error
// or panics. The connection stays up and decoding continues.
type ApplicationError struct {
	Event EventKind
	Err   error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("%v listener failed: %v", e.Event, e.Err)
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}
