package wsevent

import (
	"fmt"
)

// EventKind identifies which listener callback an Event corresponds to.
type EventKind int

// EventKind constants.
const (
	EventOpen EventKind = iota + 1
	EventClose
	EventError
	EventBinaryFrame
	EventTextFrame
	EventPingFrame
	EventPongFrame
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventBinaryFrame:
		return "binary frame"
	case EventTextFrame:
		return "text frame"
	case EventPingFrame:
		return "ping frame"
	case EventPongFrame:
		return "pong frame"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event records one listener invocation.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// Payload is set for frame events. For text frames it holds UTF-8.
	Payload []byte
	Fin     bool
	RSV     int

	Code   StatusCode
	Reason string

	Err error
}

// DecodeResult reports what a call into the engine did.
type DecodeResult struct {
	// Events lists the callbacks dispatched, in order.
	// Reports of failing listeners are delivered to OnError but not listed here.
	Events []Event
	// BytesConsumed counts the bytes of complete frames decoded by the call.
	// It may include bytes buffered by earlier calls.
	BytesConsumed int
	// NeedsMoreBytes is true when a partial frame is buffered.
	NeedsMoreBytes bool
}
